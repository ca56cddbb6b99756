package conversation

import "fmt"

// LoopLimitError aborts a run whose agent/tool cycle exceeded the
// configured maximum. The checkpoint keeps the last good state.
type LoopLimitError struct {
	Iterations int
}

func (e *LoopLimitError) Error() string {
	return fmt.Sprintf("agent/tool loop exceeded %d iterations", e.Iterations)
}

// ServiceError wraps a failure of an external collaborator (provider,
// directory) that had no degraded path at its node.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// StateError reports an invariant-violating conversation state. The
// run aborts without attempting partial repair; the last good
// checkpoint survives.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return "conversation state corrupt: " + e.Reason
}
