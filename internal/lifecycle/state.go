// Package lifecycle runs one folder's indexing pipeline: a state machine
// over the folder's lifecycle, an event bus for observers, and the
// orchestrator that turns detected file changes into stored embeddings.
package lifecycle

import (
	"sync"

	"github.com/folder-mcp/folder-mcp/internal/errors"
)

// State is a folder's lifecycle state.
type State string

const (
	// StateScanning means change detection is running. It is also the
	// initial state: a folder's first act is always a scan.
	StateScanning State = "scanning"
	// StateIndexing means embedding tasks are being processed.
	StateIndexing State = "indexing"
	// StateActive means the index is up to date and searchable.
	StateActive State = "active"
	// StateError means indexing was aborted after repeated failures.
	StateError State = "error"
)

// transitions lists the permitted state changes.
var transitions = map[State][]State{
	StateScanning: {StateIndexing, StateActive, StateError},
	StateIndexing: {StateActive, StateError},
	StateActive:   {StateScanning},
	StateError:    {StateScanning},
}

// CanTransition reports whether from -> to is a permitted transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine is a thread-safe folder state machine.
type Machine struct {
	mu    sync.RWMutex
	state State
}

// NewMachine starts in StateScanning.
func NewMachine() *Machine {
	return &Machine{state: StateScanning}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// To transitions to the given state, failing with KindInvariantViolation
// on an illegal transition.
func (m *Machine) To(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.state, to) {
		return errors.Newf(errors.KindInvariantViolation,
			"illegal state transition %s -> %s", m.state, to)
	}
	m.state = to
	return nil
}

// Is reports whether the machine is in any of the given states.
func (m *Machine) Is(states ...State) bool {
	current := m.Current()
	for _, s := range states {
		if current == s {
			return true
		}
	}
	return false
}
