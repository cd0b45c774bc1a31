package correlation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/procflow/procflow/logger"
	"github.com/procflow/procflow/model"
	"github.com/procflow/procflow/persistence"
	"github.com/procflow/procflow/util"
	"go.opencensus.io/stats"
	"go.uber.org/zap"
)

// WorkSubmitter hands an accepted couple to the work scheduler. Delivery is
// at-least-once; the work unit itself is idempotent.
type WorkSubmitter interface {
	SubmitMessageCouple(ctx context.Context, couple model.MessageEventCouple) error
}

// CycleResult reports one correlation scan. RescheduleRequested is an explicit
// effect: the loop runs another cycle immediately after this one instead of
// waiting for the next tick, so a backlog larger than one batch drains without
// starving.
type CycleResult struct {
	Candidates          int
	Matched             int
	LostRaces           int
	RescheduleRequested bool
}

// Engine periodically scans for unconsumed messages and free waiting events,
// reduces the candidates to a unique assignment and hands each accepted couple
// to the work scheduler. Correctness under concurrent nodes rests entirely on
// the store's guarded flag updates.
type Engine struct {
	store     persistence.EventStore
	submitter WorkSubmitter
	batchSize int
	stop      chan struct{}
	wake      chan struct{}
	wg        *sync.WaitGroup
	tw        *util.TickWorker
}

func NewEngine(store persistence.EventStore, submitter WorkSubmitter, batchSize int, interval time.Duration, wg *sync.WaitGroup) *Engine {
	if batchSize <= 0 {
		batchSize = 1000
	}
	e := &Engine{
		store:     store,
		submitter: submitter,
		batchSize: batchSize,
		stop:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		wg:        wg,
	}
	e.tw = util.NewTickWorker("correlation-engine", interval, e.stop, e.wake, e.runOnce, wg)
	return e
}

func (e *Engine) Name() string {
	return "correlation-engine"
}

func (e *Engine) Start() error {
	e.tw.Start()
	return nil
}

func (e *Engine) Stop() error {
	e.tw.Stop()
	return nil
}

// RequestCycle asks for an immediate scan, e.g. right after a message was
// thrown. Coalesces when a request is already pending.
func (e *Engine) RequestCycle() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) runOnce() {
	res, err := e.RunCycle(context.Background(), e.batchSize)
	if err != nil {
		logger.Error("correlation cycle failed", zap.Error(err))
		return
	}
	if res.RescheduleRequested {
		e.RequestCycle()
	}
}

// RunCycle executes one correlation scan: fetch candidates oldest first,
// reduce to a unique assignment, take both sides through guarded flag writes
// and submit the work. A lost flag race skips the couple silently; a store
// failure aborts the cycle.
func (e *Engine) RunCycle(ctx context.Context, batchSize int) (CycleResult, error) {
	var res CycleResult
	candidates, err := e.store.FindCandidateCouples(ctx, batchSize)
	if err != nil {
		return res, fmt.Errorf("fetching candidate couples: %w", err)
	}
	res.Candidates = len(candidates)
	res.RescheduleRequested = len(candidates) == batchSize

	accepted := ReduceCouples(candidates)
	for _, couple := range accepted {
		taken, err := e.takeCouple(ctx, couple)
		if err != nil {
			return res, err
		}
		if !taken {
			res.LostRaces++
			continue
		}
		if err := e.submitter.SubmitMessageCouple(ctx, couple); err != nil {
			// No work item exists yet, so the consumed flags must come back
			// or the couple is lost for good.
			e.releaseCouple(ctx, couple)
			return res, fmt.Errorf("submitting couple (%d,%d): %w", couple.MessageInstanceId, couple.WaitingMessageId, err)
		}
		res.Matched++
	}
	stats.Record(ctx,
		mCandidates.M(int64(res.Candidates)),
		mMatched.M(int64(res.Matched)),
		mLostRaces.M(int64(res.LostRaces)))
	logger.Debug("correlation cycle done",
		zap.Int("candidates", res.Candidates),
		zap.Int("matched", res.Matched),
		zap.Int("lostRaces", res.LostRaces),
		zap.Bool("reschedule", res.RescheduleRequested))
	return res, nil
}

// takeCouple claims both sides. The waiting event is taken first so a lost
// message race can release it again; a start event is never taken, it stays
// free for further messages.
func (e *Engine) takeCouple(ctx context.Context, couple model.MessageEventCouple) (bool, error) {
	tookWaiting := false
	if !couple.WaitingEventType.AllowsMultipleMatches() {
		applied, err := e.store.UpdateWaitingEvent(ctx, couple.WaitingMessageId,
			persistence.FieldUpdates{persistence.FieldProgress: model.ProgressInTreatment},
			persistence.FieldUpdates{persistence.FieldProgress: model.ProgressFree})
		if err != nil {
			return false, fmt.Errorf("marking waiting event %d in treatment: %w", couple.WaitingMessageId, err)
		}
		if !applied {
			return false, nil
		}
		tookWaiting = true
	}
	applied, err := e.store.UpdateMessageInstance(ctx, couple.MessageInstanceId,
		persistence.FieldUpdates{persistence.FieldHandled: true},
		persistence.FieldUpdates{persistence.FieldHandled: false})
	if err != nil {
		return false, fmt.Errorf("marking message %d handled: %w", couple.MessageInstanceId, err)
	}
	if !applied {
		if tookWaiting {
			e.releaseWaiting(ctx, couple.WaitingMessageId)
		}
		return false, nil
	}
	return true, nil
}

// releaseCouple reverts a fully taken couple after a failed submit so the
// next cycle proposes it again.
func (e *Engine) releaseCouple(ctx context.Context, couple model.MessageEventCouple) {
	if _, err := e.store.UpdateMessageInstance(ctx, couple.MessageInstanceId,
		persistence.FieldUpdates{persistence.FieldHandled: false},
		persistence.FieldUpdates{persistence.FieldHandled: true}); err != nil {
		logger.Warn("error releasing message after failed submit",
			zap.Int64("messageId", couple.MessageInstanceId), zap.Error(err))
	}
	if !couple.WaitingEventType.AllowsMultipleMatches() {
		e.releaseWaiting(ctx, couple.WaitingMessageId)
	}
}

func (e *Engine) releaseWaiting(ctx context.Context, waitingId int64) {
	if _, err := e.store.UpdateWaitingEvent(ctx, waitingId,
		persistence.FieldUpdates{persistence.FieldProgress: model.ProgressFree},
		persistence.FieldUpdates{persistence.FieldProgress: model.ProgressInTreatment}); err != nil {
		logger.Warn("error releasing waiting event",
			zap.Int64("waitingId", waitingId), zap.Error(err))
	}
}
