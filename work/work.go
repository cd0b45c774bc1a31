package work

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/procflow/procflow/model"
	"github.com/procflow/procflow/persistence"
	"github.com/procflow/procflow/util"
)

// Kind is the closed set of work unit types the pool can execute.
type Kind string

const (
	KindMessageCouple Kind = "MESSAGE_COUPLE"
	KindSignal        Kind = "SIGNAL"
)

// Item is one serializable unit of work. A message couple item is identified
// by (MessageInstanceId, WaitingMessageId); delivery is at-least-once, so
// execution must stay idempotent.
type Item struct {
	Id                string                    `json:"id"`
	Kind              Kind                      `json:"kind"`
	MessageInstanceId int64                     `json:"messageInstanceId"`
	WaitingMessageId  int64                     `json:"waitingMessageId"`
	WaitingEventType  model.EventType           `json:"waitingEventType"`
	SignalEvent       *model.WaitingSignalEvent `json:"signalEvent,omitempty"`
}

// CatchTrigger is the execution-engine primitive work units invoke. Kept as an
// interface so the pool never depends on the engine package.
type CatchTrigger interface {
	TriggerMessageCatchEvent(ctx context.Context, event *model.WaitingMessageEvent, msg *model.MessageInstance) error
	TriggerSignalCatchEvent(ctx context.Context, event *model.WaitingSignalEvent) error
}

// Scheduler enqueues work items on the shared queue. It is the submit side of
// the pool and safe for concurrent use.
type Scheduler struct {
	queue  persistence.WorkQueue
	encDec *util.JsonEncDec[Item]
}

func NewScheduler(queue persistence.WorkQueue) *Scheduler {
	return &Scheduler{
		queue:  queue,
		encDec: util.NewJsonEncoderDecoder[Item](),
	}
}

// SubmitMessageCouple enqueues the work that triggers the catch side of a
// matched couple.
func (s *Scheduler) SubmitMessageCouple(ctx context.Context, couple model.MessageEventCouple) error {
	item := Item{
		Id:                uuid.NewString(),
		Kind:              KindMessageCouple,
		MessageInstanceId: couple.MessageInstanceId,
		WaitingMessageId:  couple.WaitingMessageId,
		WaitingEventType:  couple.WaitingEventType,
	}
	return s.submit(ctx, strconv.FormatInt(couple.WaitingMessageId, 10), item)
}

// SubmitSignal enqueues one waiter's share of a signal broadcast. The full
// event rides along because signal waiters have no progress marker to re-read.
func (s *Scheduler) SubmitSignal(ctx context.Context, event *model.WaitingSignalEvent) error {
	item := Item{
		Id:          uuid.NewString(),
		Kind:        KindSignal,
		SignalEvent: event,
	}
	return s.submit(ctx, strconv.FormatInt(event.FlowNodeInstanceId, 10), item)
}

func (s *Scheduler) submit(ctx context.Context, key string, item Item) error {
	data, err := s.encDec.Encode(item)
	if err != nil {
		return fmt.Errorf("encoding work item: %w", err)
	}
	return s.queue.Push(ctx, key, data)
}
