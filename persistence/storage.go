package persistence

import (
	"context"

	"github.com/procflow/procflow/model"
)

// EventStore persists flow node instances, process instances, message
// instances, waiting events and timer triggers. Updates that carry a guard
// are atomic compare-and-set writes: the update applies only while every
// guarded field still holds its expected value. A failed guard reports
// applied=false with a nil error and callers treat it as a lost race.
type EventStore interface {
	// Flow node instances. SaveFlowNodeInstances writes the whole batch or
	// nothing.
	SaveFlowNodeInstance(ctx context.Context, inst *model.FlowNodeInstance) error
	SaveFlowNodeInstances(ctx context.Context, instances []*model.FlowNodeInstance) error
	GetFlowNodeInstance(ctx context.Context, id int64) (*model.FlowNodeInstance, error)
	UpdateFlowNodeInstance(ctx context.Context, id int64, fields FieldUpdates, guard FieldUpdates) (bool, error)
	ListFlowNodeInstances(ctx context.Context, processInstanceId int64) ([]*model.FlowNodeInstance, error)
	ArchiveFlowNodeInstance(ctx context.Context, inst *model.FlowNodeInstance) error

	// Process instances.
	SaveProcessInstance(ctx context.Context, inst *model.ProcessInstance) error
	GetProcessInstance(ctx context.Context, id int64) (*model.ProcessInstance, error)
	UpdateProcessInstance(ctx context.Context, id int64, fields FieldUpdates, guard FieldUpdates) (bool, error)
	FindChildProcessInstance(ctx context.Context, callerId int64) (*model.ProcessInstance, error)
	DeleteProcessInstance(ctx context.Context, id int64) error
	ArchiveProcessInstance(ctx context.Context, inst *model.ProcessInstance) error

	// Message instances.
	SaveMessageInstance(ctx context.Context, msg *model.MessageInstance) error
	GetMessageInstance(ctx context.Context, id int64) (*model.MessageInstance, error)
	UpdateMessageInstance(ctx context.Context, id int64, fields FieldUpdates, guard FieldUpdates) (bool, error)

	// Waiting message events.
	SaveWaitingEvent(ctx context.Context, event *model.WaitingMessageEvent) error
	GetWaitingEvent(ctx context.Context, id int64) (*model.WaitingMessageEvent, error)
	UpdateWaitingEvent(ctx context.Context, id int64, fields FieldUpdates, guard FieldUpdates) (bool, error)
	DeleteWaitingEvent(ctx context.Context, id int64) error
	DeleteWaitingEventsForFlowNode(ctx context.Context, flowNodeInstanceId int64) error

	// Waiting signal events.
	SaveWaitingSignalEvent(ctx context.Context, event *model.WaitingSignalEvent) error
	FindWaitingSignalEvents(ctx context.Context, signalName string) ([]*model.WaitingSignalEvent, error)
	DeleteWaitingSignalEvent(ctx context.Context, id int64) error
	DeleteWaitingSignalEventsForFlowNode(ctx context.Context, flowNodeInstanceId int64) error

	// Correlation. Candidates are ordered oldest message first.
	FindCandidateCouples(ctx context.Context, limit int) ([]model.MessageEventCouple, error)

	// Timer triggers.
	SaveTimerTrigger(ctx context.Context, trigger *model.TimerEventTrigger) error
	FindTimerTrigger(ctx context.Context, flowNodeInstanceId int64) (*model.TimerEventTrigger, error)
	DeleteTimerTrigger(ctx context.Context, trigger *model.TimerEventTrigger) error
}

// WorkQueue hands serialized units of work to the worker pool with
// at-least-once delivery. The key spreads items across partitions. Pop
// parks delivered items in an in-flight area until Ack; Recover returns
// items stranded in flight by a dead consumer back to the queue.
type WorkQueue interface {
	Push(ctx context.Context, key string, message []byte) error
	Pop(ctx context.Context, batchSize int) ([][]byte, error)
	Ack(ctx context.Context, message []byte) error
	Recover(ctx context.Context) error
}
