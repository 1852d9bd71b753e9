package disser

import "github.com/pkg/errors"

// TargetState is the lifecycle state of one target within a run.
type TargetState int

const (
	StateIdle TargetState = iota
	StateConnecting
	StateTransferring
	StateExecuting
	StateDone
	StateFailed
)

func (s TargetState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateTransferring:
		return "Transferring"
	case StateExecuting:
		return "Executing"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s TargetState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether a target in state s has finished.
func (s TargetState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

func isAllowedTransition(from, to TargetState) bool {
	switch from {
	case StateIdle:
		return to == StateConnecting || to == StateFailed
	case StateConnecting:
		return to == StateTransferring || to == StateFailed
	case StateTransferring:
		return to == StateExecuting || to == StateDone || to == StateFailed
	case StateExecuting:
		return to == StateDone || to == StateFailed
	default:
		return false
	}
}

// transition moves *s to next, rejecting moves the lifecycle does not allow.
func (s *TargetState) transition(next TargetState) error {
	if !isAllowedTransition(*s, next) {
		return errors.Errorf("disallowed transition %s -> %s", *s, next)
	}
	*s = next
	return nil
}
