package work

import (
	"context"
	"errors"
	"fmt"

	"github.com/procflow/procflow/logger"
	"github.com/procflow/procflow/persistence"
	"go.uber.org/zap"
)

// Handler executes dequeued work items against the store and the catch
// trigger.
type Handler struct {
	store   persistence.EventStore
	trigger CatchTrigger
}

func NewHandler(store persistence.EventStore, trigger CatchTrigger) *Handler {
	return &Handler{store: store, trigger: trigger}
}

func (h *Handler) Execute(ctx context.Context, item Item) error {
	switch item.Kind {
	case KindMessageCouple:
		return h.executeMessageCouple(ctx, item)
	case KindSignal:
		return h.executeSignal(ctx, item)
	default:
		return fmt.Errorf("unknown work kind %q", item.Kind)
	}
}

// executeMessageCouple triggers the catch side of a matched couple. Both sides
// are re-read by id because the item may run long after it was enqueued: a
// vanished waiting event means the node was cancelled concurrently, which is a
// normal outcome, not a failure. Marking the message handled is idempotent so
// redelivery of the same item is harmless.
func (h *Handler) executeMessageCouple(ctx context.Context, item Item) error {
	event, err := h.store.GetWaitingEvent(ctx, item.WaitingMessageId)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			logger.Debug("waiting event gone before couple execution",
				zap.Int64("waitingMessageId", item.WaitingMessageId))
			return nil
		}
		return err
	}
	msg, err := h.store.GetMessageInstance(ctx, item.MessageInstanceId)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			logger.Debug("message instance gone before couple execution",
				zap.Int64("messageInstanceId", item.MessageInstanceId))
			return nil
		}
		return err
	}
	if err := h.trigger.TriggerMessageCatchEvent(ctx, event, msg); err != nil {
		return fmt.Errorf("triggering catch event for couple (%d,%d): %w",
			item.MessageInstanceId, item.WaitingMessageId, err)
	}
	// Already handled after the correlation scan's own write; the guarded
	// update is a no-op then.
	if _, err := h.store.UpdateMessageInstance(ctx, msg.Id,
		persistence.FieldUpdates{persistence.FieldHandled: true},
		persistence.FieldUpdates{persistence.FieldHandled: false}); err != nil {
		return err
	}
	return nil
}

func (h *Handler) executeSignal(ctx context.Context, item Item) error {
	if item.SignalEvent == nil {
		return fmt.Errorf("signal work item %s carries no event", item.Id)
	}
	if err := h.trigger.TriggerSignalCatchEvent(ctx, item.SignalEvent); err != nil {
		return fmt.Errorf("triggering signal event %d: %w", item.SignalEvent.Id, err)
	}
	return nil
}
