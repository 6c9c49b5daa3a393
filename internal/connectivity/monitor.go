// Package connectivity tracks whether the remote service is reachable and
// notifies observers on online/offline edges.
package connectivity

import (
	"log/slog"
	"sync"
	"time"
)

// Quality is a connection-quality estimate.
type Quality struct {
	EffectiveType string        `json:"effective_type,omitempty"` // slow-2g, 2g, 3g, 4g
	RTT           time.Duration `json:"rtt,omitempty"`
	Downlink      float64       `json:"downlink_mbps,omitempty"`
}

// State is the process-wide connectivity snapshot.
type State struct {
	Online    bool      `json:"online"`
	Quality   Quality   `json:"quality"`
	ChangedAt time.Time `json:"changed_at"`
}

// Observer receives edge-triggered transitions. OnTransition is called once
// per logical transition, never for repeated observations of the same state.
type Observer interface {
	OnTransition(State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(State)

func (f ObserverFunc) OnTransition(s State) { f(s) }

// Monitor is the single source of truth for connectivity.
type Monitor struct {
	// serializes transitions so observers see edges in order
	edgeMu    sync.Mutex
	mu        sync.Mutex
	state     State
	observers []Observer
	now       func() time.Time
	logger    *slog.Logger
}

// NewMonitor creates a Monitor initialized to the platform's current status.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		state:  State{Online: online, ChangedAt: time.Now()},
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Register adds an observer. Observers are called synchronously in
// registration order; they must not block or call Observe.
func (m *Monitor) Register(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// State returns the latest observed state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the latest observation was online.
func (m *Monitor) Online() bool {
	return m.State().Online
}

// Observe records an observation. It returns true when the observation
// changed the online/offline state, in which case observers were notified.
// Quality updates without a state change are recorded silently.
func (m *Monitor) Observe(online bool, q Quality) bool {
	m.edgeMu.Lock()
	defer m.edgeMu.Unlock()

	m.mu.Lock()
	if m.state.Online == online {
		m.state.Quality = q
		m.mu.Unlock()
		return false
	}
	m.state = State{Online: online, Quality: q, ChangedAt: m.now()}
	snapshot := m.state
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if online {
		m.logger.Info("connection restored", "effective_type", q.EffectiveType, "rtt_ms", q.RTT.Milliseconds())
	} else {
		m.logger.Warn("connection lost")
	}
	for _, o := range observers {
		m.notify(o, snapshot)
	}
	return true
}

func (m *Monitor) notify(o Observer, s State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connectivity observer panicked", "panic", r)
		}
	}()
	o.OnTransition(s)
}
