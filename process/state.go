// Package process defines the records owned by the execution engine: process
// instances, their fibers, jobs, incidents and signals.
package process

import "fmt"

// State is the lifecycle state of a process instance.
//
// It is monotonic: once an instance leaves StateRunning no further mutation
// of the instance is accepted. The one exception is StateFailed, out of
// which an incident resolution may revive the instance.
type State uint8

const (
	// StateRunning is the only non-terminal state.
	StateRunning State = iota

	// StateCompleted indicates every fiber ended normally.
	StateCompleted

	// StateCancelled indicates the instance was cancelled by an external
	// caller.
	StateCancelled

	// StateFailed indicates every live fiber is blocked on an incident.
	StateFailed

	// StateTerminated indicates a terminate end event killed the instance.
	StateTerminated
)

// IsTerminal returns true if the state is final.
func (s State) IsTerminal() bool {
	return s != StateRunning
}

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("<unknown state %d>", uint8(s))
	}
}
