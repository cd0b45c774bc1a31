package persistence

import (
	"fmt"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

type NotFoundError struct {
	Kind string
	Id   int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.Id)
}

// Stable field identifiers for atomic field updates. Implementations map
// these to their own column/field names; callers never use positional
// indexes.
const (
	FieldHandled            = "handled"
	FieldProgress           = "progress"
	FieldActive             = "active"
	FieldStateId            = "stateId"
	FieldStateName          = "stateName"
	FieldPreviousStateId    = "previousStateId"
	FieldStateExecuting     = "stateExecuting"
	FieldTerminal           = "terminal"
	FieldTokenCount         = "tokenCount"
	FieldLoopCounter        = "loopCounter"
	FieldDisplayName        = "displayName"
	FieldDisplayDescription = "displayDescription"
	FieldExpectedEndDate    = "expectedEndDate"
	FieldReachedStateDate   = "reachedStateDate"
	FieldProcessState       = "state"
	FieldInterruptingEvent  = "interruptingEventId"
	FieldEndDate            = "endDate"
)

// FieldUpdates maps stable field identifiers to new values.
type FieldUpdates map[string]any
