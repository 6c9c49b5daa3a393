package connectivity

import (
	"context"
	"net/http"
	"time"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Prober feeds a Monitor from periodic HEAD requests to a probe URL.
// Any HTTP response counts as online; only transport errors count as offline.
type Prober struct {
	monitor  *Monitor
	client   HTTPDoer
	url      string
	interval time.Duration
	// consecutive failures required before reporting offline
	failThreshold int
	failures      int
	observed      bool
}

// NewProber creates a Prober. If interval is <= 0, it defaults to 15s.
func NewProber(m *Monitor, client HTTPDoer, url string, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{
		monitor:       m,
		client:        client,
		url:           url,
		interval:      interval,
		failThreshold: 2,
	}
}

// Run probes until ctx is cancelled. The first probe is skipped if
// ProbeOnce already seeded the monitor.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	if !p.observed {
		p.ProbeOnce(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.ProbeOnce(ctx)
	}
}

// ProbeOnce performs one probe and reports the result to the monitor. The
// first result is reported as is; after that, going offline takes
// failThreshold consecutive failures.
func (p *Prober) ProbeOnce(ctx context.Context) {
	online, q := p.probe(ctx)
	if ctx.Err() != nil {
		return
	}
	first := !p.observed
	p.observed = true
	if !online {
		p.failures++
		if !first && p.failures < p.failThreshold && p.monitor.Online() {
			return
		}
		p.monitor.Observe(false, Quality{})
		return
	}
	p.failures = 0
	p.monitor.Observe(true, q)
}

func (p *Prober) probe(ctx context.Context) (bool, Quality) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false, Quality{}
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return false, Quality{}
	}
	resp.Body.Close()
	rtt := time.Since(start)
	return true, Quality{EffectiveType: EffectiveType(rtt), RTT: rtt}
}

// EffectiveType maps a round-trip time onto the Network Information API
// effective connection types.
func EffectiveType(rtt time.Duration) string {
	switch {
	case rtt >= 2000*time.Millisecond:
		return "slow-2g"
	case rtt >= 1400*time.Millisecond:
		return "2g"
	case rtt >= 270*time.Millisecond:
		return "3g"
	default:
		return "4g"
	}
}
