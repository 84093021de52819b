package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/bizchat/internal/bus"
)

// State is the authentication state of a session.
type State string

const (
	Anonymous     State = "ANONYMOUS"
	CodeRequested State = "CODE_REQUESTED"
	Authenticated State = "AUTHENTICATED"
)

// validTransitions defines allowed state transitions.
// CodeRequested loops onto itself when the user asks for a fresh code.
// Anonymous jumps straight to Authenticated when a stored token is accepted.
var validTransitions = map[State][]State{
	Anonymous:     {CodeRequested, Authenticated},
	CodeRequested: {CodeRequested, Authenticated, Anonymous},
	Authenticated: {Anonymous},
}

// TransitionError is returned for a move the state table does not allow.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Anonymous state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Anonymous,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is in state s.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Transition attempts to move to a new state. Returns *TransitionError if the move is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return &TransitionError{From: m.current, To: to}
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.SessionStatusChanged, StatusChange{From: from, To: to})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
