// Package status holds the transport connection state machine.
package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/msgsync/internal/bus"
)

// State represents a transport connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	// Unavailable means the reconnect budget ran out. Only an explicit
	// reconnect leaves it.
	Unavailable State = "UNAVAILABLE"
)

// ErrInvalidTransition is returned when a transition is not in the table.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Unavailable},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
	Unavailable:  {Connecting},
}

// Machine tracks and enforces transport state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is currently in s.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.KindTransportState, StateChange{From: from, To: to})
	return nil
}

// StateChange is the payload for transport state events.
type StateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
