package model

type ProcessState int

const (
	ProcessStateInitializing ProcessState = iota + 1
	ProcessStateStarted
	ProcessStateCompleting
	ProcessStateCompleted
	ProcessStateCancelled
	ProcessStateAborted
	ProcessStateInterrupted
)

func (s ProcessState) Terminal() bool {
	switch s {
	case ProcessStateCompleted, ProcessStateCancelled, ProcessStateAborted:
		return true
	}
	return false
}

// ProcessInstance is one running occurrence of a process definition.
// CallerId is non-zero when the instance was started by a call activity.
type ProcessInstance struct {
	Id                    int64          `json:"id"`
	Name                  string         `json:"name"`
	ProcessDefinitionId   int64          `json:"processDefinitionId"`
	RootProcessInstanceId int64          `json:"rootProcessInstanceId"`
	CallerId              int64          `json:"callerId"`
	State                 ProcessState   `json:"state"`
	InterruptingEventId   int64          `json:"interruptingEventId"`
	StartDate             int64          `json:"startDate"`
	EndDate               int64          `json:"endDate"`
	Data                  map[string]any `json:"data"`
}
