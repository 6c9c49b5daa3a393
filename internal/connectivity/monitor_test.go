package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingObserver struct {
	mu     sync.Mutex
	states []State
}

func (r *recordingObserver) OnTransition(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recordingObserver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func TestMonitor_EdgeTriggered(t *testing.T) {
	m := NewMonitor(false)
	rec := &recordingObserver{}
	m.Register(rec)

	// Platforms fire "online" several times for one logical transition.
	for i := 0; i < 3; i++ {
		m.Observe(true, Quality{EffectiveType: "4g"})
	}
	if rec.count() != 1 {
		t.Fatalf("got %d transitions, want 1", rec.count())
	}
	if !rec.states[0].Online {
		t.Error("transition should be online")
	}

	m.Observe(false, Quality{})
	m.Observe(false, Quality{})
	m.Observe(true, Quality{})
	if rec.count() != 3 {
		t.Errorf("got %d transitions, want 3", rec.count())
	}
}

func TestMonitor_QualityUpdatedWithoutEdge(t *testing.T) {
	m := NewMonitor(true)
	rec := &recordingObserver{}
	m.Register(rec)

	if m.Observe(true, Quality{EffectiveType: "3g"}) {
		t.Error("Observe reported a transition for an unchanged state")
	}
	if got := m.State().Quality.EffectiveType; got != "3g" {
		t.Errorf("EffectiveType = %q, want 3g", got)
	}
	if rec.count() != 0 {
		t.Errorf("observer called %d times, want 0", rec.count())
	}
}

func TestMonitor_ConcurrentOnlineEventsFireOnce(t *testing.T) {
	m := NewMonitor(false)
	rec := &recordingObserver{}
	m.Register(rec)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Observe(true, Quality{})
		}()
	}
	wg.Wait()

	if rec.count() != 1 {
		t.Errorf("got %d transitions, want 1", rec.count())
	}
}

func TestMonitor_ObserverPanicRecovered(t *testing.T) {
	m := NewMonitor(false)
	m.Register(ObserverFunc(func(State) { panic("boom") }))
	rec := &recordingObserver{}
	m.Register(rec)

	m.Observe(true, Quality{})
	if rec.count() != 1 {
		t.Errorf("second observer called %d times, want 1", rec.count())
	}
}

type failingDoer struct{}

func (failingDoer) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestProber_ReportsOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewMonitor(false)
	p := NewProber(m, srv.Client(), srv.URL, time.Minute)
	p.ProbeOnce(context.Background())

	st := m.State()
	if !st.Online {
		t.Fatal("monitor should be online after a successful probe")
	}
	if st.Quality.EffectiveType == "" {
		t.Error("EffectiveType not set")
	}
}

// switchDoer fails while down is set.
type switchDoer struct {
	down atomic.Bool
}

func (d *switchDoer) Do(req *http.Request) (*http.Response, error) {
	if d.down.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func TestProber_OfflineNeedsConsecutiveFailures(t *testing.T) {
	m := NewMonitor(true)
	d := &switchDoer{}
	p := NewProber(m, d, "http://probe.invalid", time.Minute)
	p.ProbeOnce(context.Background())

	d.down.Store(true)
	p.ProbeOnce(context.Background())
	if !m.Online() {
		t.Fatal("a single failed probe should not flip to offline")
	}
	p.ProbeOnce(context.Background())
	if m.Online() {
		t.Fatal("two failed probes should flip to offline")
	}
}

func TestProber_FirstFailureReportsOffline(t *testing.T) {
	m := NewMonitor(true)
	rec := &recordingObserver{}
	m.Register(rec)
	p := NewProber(m, failingDoer{}, "http://probe.invalid", time.Minute)

	p.ProbeOnce(context.Background())
	if m.Online() {
		t.Fatal("booting without a network should report offline on the first probe")
	}
	if rec.count() != 1 {
		t.Errorf("transitions = %d, want 1", rec.count())
	}
}

func TestEffectiveType(t *testing.T) {
	cases := map[time.Duration]string{
		50 * time.Millisecond:   "4g",
		300 * time.Millisecond:  "3g",
		1500 * time.Millisecond: "2g",
		3 * time.Second:         "slow-2g",
	}
	for rtt, want := range cases {
		if got := EffectiveType(rtt); got != want {
			t.Errorf("EffectiveType(%v) = %q, want %q", rtt, got, want)
		}
	}
}
