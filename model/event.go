package model

import (
	"fmt"
	"sort"
	"strings"
)

// EventType tags a waiting event with the kind of catch element that
// registered it. START_EVENT waiters are templates: they stay eligible for
// further matches, every other type is consumed by its first match.
type EventType string

const (
	EventTypeStart             EventType = "START_EVENT"
	EventTypeIntermediateCatch EventType = "INTERMEDIATE_CATCH_EVENT"
	EventTypeBoundary          EventType = "BOUNDARY_EVENT"
	EventTypeEventSubProcess   EventType = "EVENT_SUB_PROCESS"
)

// AllowsMultipleMatches reports whether a waiting event of this type may be
// selected more than once within one correlation cycle. Non-interrupting
// event sub-process starts would also qualify once supported; until then
// only start events are multi-match.
func (t EventType) AllowsMultipleMatches() bool {
	return t == EventTypeStart
}

// Progress marker values of a waiting event.
const (
	ProgressFree        = "FREE"
	ProgressInTreatment = "IN_TREATMENT"
)

type ContainerType string

const (
	ContainerProcess  ContainerType = "PROCESS"
	ContainerFlowNode ContainerType = "FLOWNODE"
)

// MaxCorrelationKeys bounds the number of correlation pairs carried by one
// message or waiting event.
const MaxCorrelationKeys = 5

type CorrelationKey struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type CorrelationKeys []CorrelationKey

// Canonical renders the keys in a stable form so two sides correlate by
// simple string equality, independent of declaration order.
func (c CorrelationKeys) Canonical() string {
	if len(c) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(c))
	for _, k := range c {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k.Name, k.Value))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ";")
}

func (c CorrelationKeys) Validate() error {
	if len(c) > MaxCorrelationKeys {
		return fmt.Errorf("at most %d correlation keys allowed, got %d", MaxCorrelationKeys, len(c))
	}
	for _, k := range c {
		if k.Name == "" {
			return fmt.Errorf("correlation key with empty name")
		}
	}
	return nil
}

// MessageInstance is an emitted message waiting for a matching catch side.
type MessageInstance struct {
	Id             int64           `json:"id"`
	MessageName    string          `json:"messageName"`
	TargetProcess  string          `json:"targetProcess"`
	TargetFlowNode string          `json:"targetFlowNode"`
	Correlations   CorrelationKeys `json:"correlations"`
	Handled        bool            `json:"handled"`
	CreationDate   int64           `json:"creationDate"`
}

// WaitingMessageEvent is a registered catch side: a message start event,
// boundary event, intermediate catch event or event sub-process start.
type WaitingMessageEvent struct {
	Id                      int64           `json:"id"`
	EventType               EventType       `json:"eventType"`
	MessageName             string          `json:"messageName"`
	ProcessName             string          `json:"processName"`
	FlowNodeName            string          `json:"flowNodeName"`
	ProcessDefinitionId     int64           `json:"processDefinitionId"`
	FlowNodeDefinitionId    int64           `json:"flowNodeDefinitionId"`
	FlowNodeInstanceId      int64           `json:"flowNodeInstanceId"`
	RootProcessInstanceId   int64           `json:"rootProcessInstanceId"`
	ParentProcessInstanceId int64           `json:"parentProcessInstanceId"`
	Interrupting            bool            `json:"interrupting"`
	Correlations            CorrelationKeys `json:"correlations"`
	Progress                string          `json:"progress"`
	Active                  bool            `json:"active"`
}

// WaitingSignalEvent is a registered signal catch side. Signals broadcast:
// every waiter fires, so there is no progress marker to fight over.
type WaitingSignalEvent struct {
	Id                   int64     `json:"id"`
	SignalName           string    `json:"signalName"`
	EventType            EventType `json:"eventType"`
	ProcessDefinitionId  int64     `json:"processDefinitionId"`
	FlowNodeDefinitionId int64     `json:"flowNodeDefinitionId"`
	FlowNodeInstanceId   int64     `json:"flowNodeInstanceId"`
}

// MessageEventCouple is a candidate pairing computed during one correlation
// scan. It is never persisted.
type MessageEventCouple struct {
	MessageInstanceId int64     `json:"messageInstanceId"`
	WaitingMessageId  int64     `json:"waitingMessageId"`
	WaitingEventType  EventType `json:"waitingEventType"`
}

// TimerEventTrigger records a scheduled timer bound to a flow node, carrying
// the scheduler's job trigger name so the fired job can be tied back to it.
type TimerEventTrigger struct {
	Id                 int64  `json:"id"`
	FlowNodeInstanceId int64  `json:"flowNodeInstanceId"`
	EventInstanceId    int64  `json:"eventInstanceId"`
	JobTriggerName     string `json:"jobTriggerName"`
	ExecutionDate      int64  `json:"executionDate"`
}
