package flownode

import "fmt"

// StateId identifies one lifecycle state of a flow node instance. The ids are
// persisted, so values are stable.
type StateId int

const (
	StateInitializing StateId = iota + 1
	StateInitializingBoundary
	StateExecuting
	StateWaiting
	StateCompleting
	StateCompleted
	StateCancelling
	StateCancelled
	StateAborting
	StateAborted
)

var stateNames = map[StateId]string{
	StateInitializing:         "initializing",
	StateInitializingBoundary: "initializingWithBoundaryEvents",
	StateExecuting:            "executing",
	StateWaiting:              "waiting",
	StateCompleting:           "completing",
	StateCompleted:            "completed",
	StateCancelling:           "cancelling",
	StateCancelled:            "cancelled",
	StateAborting:             "aborting",
	StateAborted:              "aborted",
}

func (s StateId) Name() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state-%d", int(s))
}

func (s StateId) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateAborted:
		return true
	}
	return false
}

// StateError wraps a hook or transition failure with the state in which it
// happened. Hook failures never get swallowed; the caller decides whether to
// fail the process instance or retry.
type StateError struct {
	State              StateId
	FlowNodeInstanceId int64
	Err                error
}

func (e StateError) Error() string {
	return fmt.Sprintf("flow node %d failed in state %s: %v", e.FlowNodeInstanceId, e.State.Name(), e.Err)
}

func (e StateError) Unwrap() error {
	return e.Err
}
