package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/karstnetwork/karst/internal/config"
	"github.com/karstnetwork/karst/internal/logging"
	"github.com/karstnetwork/karst/internal/peers"
	"github.com/karstnetwork/karst/internal/util"
)

// State is the node's overall connectivity health.
type State string

const (
	// StateInitializing holds until the directory has peers to compare
	// against.
	StateInitializing State = "initializing"
	// StateOnline means the connected fraction meets the minimum.
	StateOnline State = "online"
	// StateDegraded means some peers are connected but fewer than the
	// minimum fraction.
	StateDegraded State = "degraded"
	// StateOffline means no peers are connected at all.
	StateOffline State = "offline"
)

// Event reports a state transition with the counts that caused it.
type Event struct {
	State     State
	Connected int
	Known     int
}

// ConnectionCounter reports live connection counts. The connection
// manager implements it.
type ConnectionCounter interface {
	ActiveConnections() int
}

// Monitor evaluates connectivity on a fixed interval and publishes
// transitions. Downgrades from Online require two consecutive bad
// evaluations so a single churn spike does not flap the state.
type Monitor struct {
	cfg     config.ConnectivityConfig
	counter ConnectionCounter
	pm      *peers.Manager

	mu          sync.Mutex
	state       State
	badStreak   int
	subscribers []chan Event
	closed      bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a monitor in the Initializing state.
func NewMonitor(cfg config.ConnectivityConfig, counter ConnectionCounter, pm *peers.Manager) *Monitor {
	return &Monitor{
		cfg:     cfg,
		counter: counter,
		pm:      pm,
		state:   StateInitializing,
	}
}

// Start begins periodic evaluation until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	interval := m.cfg.RefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	util.SafeGoWithName("connectivity-monitor", func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Evaluate()
			}
		}
	})
}

// Close stops evaluation and releases subscriber channels.
func (m *Monitor) Close() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
}

// State returns the current connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel of state transitions. Delivery is
// best-effort on a bounded channel.
func (m *Monitor) Subscribe() <-chan Event {
	buffer := m.cfg.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Evaluate runs one connectivity check and applies any transition.
// Exposed so wiring code can force a re-check after bootstrap.
func (m *Monitor) Evaluate() State {
	connected := m.counter.ActiveConnections()
	known := m.reachableKnown()

	target := m.classify(connected, known)

	m.mu.Lock()
	prev := m.state

	// Hysteresis: leaving Online needs two consecutive bad readings.
	if prev == StateOnline && (target == StateDegraded || target == StateOffline) {
		m.badStreak++
		if m.badStreak < 2 {
			m.mu.Unlock()
			return prev
		}
	} else if target == StateOnline {
		m.badStreak = 0
	}

	if target == prev {
		m.mu.Unlock()
		return prev
	}
	m.state = target
	m.badStreak = 0
	subs := append([]chan Event(nil), m.subscribers...)
	m.mu.Unlock()

	logging.Info("connectivity state changed",
		"from", string(prev),
		"to", string(target),
		"connected", connected,
		"known", known,
		logging.Component("connectivity"))

	ev := Event{State: target, Connected: connected, Known: known}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return target
}

// reachableKnown counts directory peers that could plausibly be
// connected: banned and offline-marked peers do not count against us.
func (m *Monitor) reachableKnown() int {
	known := 0
	for _, p := range m.pm.AllPeers() {
		if p.IsBanned(time.Now()) || p.Offline {
			continue
		}
		known++
	}
	return known
}

func (m *Monitor) classify(connected, known int) State {
	switch {
	case known == 0:
		return StateInitializing
	case connected == 0:
		return StateOffline
	case float64(connected)/float64(known) >= m.cfg.MinConnectivity:
		return StateOnline
	default:
		return StateDegraded
	}
}
