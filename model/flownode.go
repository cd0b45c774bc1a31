package model

// FlowNodeKind is the semantic type of a flow node. It selects the behavior
// the state machine consults at each lifecycle phase.
type FlowNodeKind string

const (
	KindAutomaticTask          FlowNodeKind = "AUTOMATIC_TASK"
	KindUserTask               FlowNodeKind = "USER_TASK"
	KindManualTask             FlowNodeKind = "MANUAL_TASK"
	KindReceiveTask            FlowNodeKind = "RECEIVE_TASK"
	KindSendTask               FlowNodeKind = "SEND_TASK"
	KindCallActivity           FlowNodeKind = "CALL_ACTIVITY"
	KindSubProcess             FlowNodeKind = "SUB_PROCESS"
	KindMultiInstance          FlowNodeKind = "MULTI_INSTANCE"
	KindLoop                   FlowNodeKind = "LOOP"
	KindGateway                FlowNodeKind = "GATEWAY"
	KindStartEvent             FlowNodeKind = "START_EVENT"
	KindEndEvent               FlowNodeKind = "END_EVENT"
	KindIntermediateCatchEvent FlowNodeKind = "INTERMEDIATE_CATCH_EVENT"
	KindIntermediateThrowEvent FlowNodeKind = "INTERMEDIATE_THROW_EVENT"
	KindBoundaryEvent          FlowNodeKind = "BOUNDARY_EVENT"
)

// FlowNodeInstance is one running occurrence of a flow node inside a process
// instance. It is mutated only by the state machine and by event-correlation
// work, and archived rather than deleted when it reaches a terminal state.
type FlowNodeInstance struct {
	Id                       int64        `json:"id"`
	FlowNodeDefinitionId     int64        `json:"flowNodeDefinitionId"`
	Name                     string       `json:"name"`
	Kind                     FlowNodeKind `json:"kind"`
	ProcessDefinitionId      int64        `json:"processDefinitionId"`
	ProcessInstanceId        int64        `json:"processInstanceId"`
	RootProcessInstanceId    int64        `json:"rootProcessInstanceId"`
	ParentActivityInstanceId int64        `json:"parentActivityInstanceId"`
	StateId                  int          `json:"stateId"`
	StateName                string       `json:"stateName"`
	PreviousStateId          int          `json:"previousStateId"`
	StateExecuting           bool         `json:"stateExecuting"`
	Terminal                 bool         `json:"terminal"`
	TokenCount               int          `json:"tokenCount"`
	LoopCounter              int          `json:"loopCounter"`
	ExecutedBy               int64        `json:"executedBy"`
	ExecutedBySubstitute     int64        `json:"executedBySubstitute"`
	DisplayName              string       `json:"displayName"`
	DisplayDescription       string       `json:"displayDescription"`
	ReachedStateDate         int64        `json:"reachedStateDate"`
	ExpectedEndDate          int64        `json:"expectedEndDate"`
}
