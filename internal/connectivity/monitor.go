// Package connectivity tracks whether the process can reach the network and
// whether its consumer is in the foreground. Components subscribe to
// transitions instead of polling the state.
package connectivity

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

// State is a point-in-time view of the environment.
type State struct {
	Online  bool      `json:"online"`
	Visible bool      `json:"visible"`
	Since   time.Time `json:"since"`
}

// Capable reports whether work that needs the network should run.
func (s State) Capable() bool {
	return s.Online && s.Visible
}

// Transition is delivered to subscribers when the state changes.
type Transition struct {
	Previous State
	Current  State
}

// WentOffline reports an online to offline edge.
func (t Transition) WentOffline() bool { return t.Previous.Online && !t.Current.Online }

// CameOnline reports an offline to online edge.
func (t Transition) CameOnline() bool { return !t.Previous.Online && t.Current.Online }

// Foregrounded reports a hidden to visible edge.
func (t Transition) Foregrounded() bool { return !t.Previous.Visible && t.Current.Visible }

// Backgrounded reports a visible to hidden edge.
func (t Transition) Backgrounded() bool { return t.Previous.Visible && !t.Current.Visible }

// Monitor holds the environment state. The zero value is not usable; call NewMonitor.
type Monitor struct {
	clock  tracker.Clock
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	subs   map[int]func(Transition)
	nextID int
}

// NewMonitor returns a Monitor that starts online and visible.
func NewMonitor(clock tracker.Clock, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		clock:  clock,
		logger: logger,
		state:  State{Online: true, Visible: true, Since: clock.Now()},
		subs:   make(map[int]func(Transition)),
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for transitions and returns a function that removes it.
func (m *Monitor) Subscribe(fn func(Transition)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// SetOnline records network reachability. It reports whether the state changed.
func (m *Monitor) SetOnline(online bool) bool {
	return m.update(func(s *State) bool {
		if s.Online == online {
			return false
		}
		s.Online = online
		return true
	})
}

// SetVisible records whether the consumer is foregrounded. It reports whether
// the state changed.
func (m *Monitor) SetVisible(visible bool) bool {
	return m.update(func(s *State) bool {
		if s.Visible == visible {
			return false
		}
		s.Visible = visible
		return true
	})
}

func (m *Monitor) update(fn func(*State) bool) bool {
	m.mu.Lock()
	prev := m.state
	next := prev
	if !fn(&next) {
		m.mu.Unlock()
		return false
	}
	next.Since = m.clock.Now()
	m.state = next
	subs := make([]func(Transition), 0, len(m.subs))
	for i := 0; i < m.nextID; i++ {
		if fn, ok := m.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	m.logger.Info("environment changed",
		zap.Bool("online", next.Online),
		zap.Bool("visible", next.Visible),
	)
	tr := Transition{Previous: prev, Current: next}
	for _, fn := range subs {
		fn(tr)
	}
	return true
}
