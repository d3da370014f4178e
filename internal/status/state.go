package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/skiff-sync/skiff/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	// Booting covers store open, migrations and queue recovery.
	Booting State = "BOOTING"
	// Ready means the IPC surface is up and the remote link is usable.
	Ready State = "READY"
	// Degraded means local operations are served but draining is paused,
	// either offline or with the remote unreachable.
	Degraded State = "DEGRADED"
	// Stopping is terminal; a graceful shutdown is in progress.
	Stopping State = "STOPPING"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:  {Ready, Degraded, Stopping},
	Ready:    {Degraded, Stopping},
	Degraded: {Ready, Stopping},
	Stopping: {},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "daemon.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
