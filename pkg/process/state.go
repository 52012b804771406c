package process

import (
	"errors"
)

// State is the lifecycle state of a process record.
type State string

const (
	// StateRunning indicates the process has not exited.
	StateRunning State = "running"
	// StateExited indicates the process has exited and its status is
	// published, but the record is still held by someone.
	StateExited State = "exited"
	// StateReaped indicates the record has been destroyed and its pid
	// released. It is terminal.
	StateReaped State = "reaped"
)

// ErrInvalidTransition is the panic value for an impossible state change.
var ErrInvalidTransition = errors.New("process: invalid state transition")

// StateTransition represents a valid state transition.
type StateTransition struct {
	From State
	To   State
}

// ValidTransitions defines all valid state transitions.
var ValidTransitions = []StateTransition{
	// Exit: Running -> Exited
	{From: StateRunning, To: StateExited},
	// Last reference dropped after exit: Exited -> Reaped
	{From: StateExited, To: StateReaped},
	// Fork rolled back before the child ran: Running -> Reaped
	{From: StateRunning, To: StateReaped},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to State) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// transition moves r to state to. Callers hold r.mu. A transition outside
// ValidTransitions is a kernel bug.
func (r *Record) transition(to State) {
	if !IsValidTransition(r.state, to) {
		panic(ErrInvalidTransition)
	}
	r.state = to
}
