package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/procflow/procflow/definition"
	"github.com/procflow/procflow/logger"
	"github.com/procflow/procflow/model"
	"github.com/procflow/procflow/persistence"
	"github.com/procflow/procflow/scheduler"
	"go.uber.org/zap"
)

// FireTimer executes one fired timer job. An engine that is not fully started
// reports ErrRetryable so the scheduler redelivers instead of failing the
// timer permanently. An instance-bound timer triggers that instance's catch
// event; a definition-level timer spawns a new instance entered at the timer
// node, or opens an event-sub-process branch inside its running instance.
func (e *Engine) FireTimer(ctx context.Context, cfg scheduler.TimerJobConfig) error {
	if !e.started.Load() {
		return fmt.Errorf("firing timer for flow node definition %d: %w",
			cfg.FlowNodeDefinitionId, scheduler.ErrRetryable)
	}
	if cfg.FlowNodeInstanceId != 0 {
		inst, err := e.store.GetFlowNodeInstance(ctx, cfg.FlowNodeInstanceId)
		if err != nil {
			var notFound persistence.NotFoundError
			if errors.As(err, &notFound) {
				// The node finished or was cancelled before the
				// timer fired.
				logger.Debug("timer fired for vanished flow node",
					zap.Int64("flowNodeInstanceId", cfg.FlowNodeInstanceId))
				return nil
			}
			return err
		}
		if cfg.Interrupting && inst.ParentActivityInstanceId != 0 {
			return e.triggerInterruptingBoundary(ctx, inst.Id)
		}
		return e.machine.TriggerCatchEvent(ctx, inst.Id)
	}
	def, err := e.definitions.GetById(cfg.ProcessDefinitionId)
	if err != nil {
		return err
	}
	if cfg.EventType == model.EventTypeEventSubProcess {
		return e.fireEventSubProcess(ctx, def, cfg)
	}
	_, err = e.startInstance(ctx, def, []int64{cfg.FlowNodeDefinitionId}, nil, 0, cfg.RootProcessInstanceId)
	return err
}

// fireEventSubProcess opens an event-sub-process branch inside the running
// process instance the timer was scheduled for. An interrupting branch
// supplants the instance's live nodes; the branch itself keeps the instance
// alive until it finishes. An instance that is gone or no longer running
// swallows the firing.
func (e *Engine) fireEventSubProcess(ctx context.Context, def *definition.ProcessDefinition, cfg scheduler.TimerJobConfig) error {
	proc, err := e.store.GetProcessInstance(ctx, cfg.ParentProcessInstanceId)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			logger.Debug("event sub process timer fired for vanished process instance",
				zap.Int64("processInstanceId", cfg.ParentProcessInstanceId))
			return nil
		}
		return err
	}
	if proc.State != model.ProcessStateStarted {
		logger.Debug("event sub process timer fired for finished process instance",
			zap.Int64("processInstanceId", proc.Id))
		return nil
	}
	node, err := def.FlowNode(cfg.FlowNodeDefinitionId)
	if err != nil {
		return err
	}
	// The branch instance exists before any live node is aborted so the
	// process cannot complete in between.
	branch, err := e.createFlowNode(ctx, def, node, proc, 0)
	if err != nil {
		return err
	}
	if cfg.Interrupting {
		nodes, err := e.store.ListFlowNodeInstances(ctx, proc.Id)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.Id == branch.Id || n.Terminal {
				continue
			}
			if err := e.machine.Abort(ctx, n.Id); err != nil {
				return err
			}
		}
	}
	return e.machine.StartNode(ctx, branch.Id)
}

// TimerCleanupListener deletes the persistent trigger record after a one-shot
// timer fired successfully. Cyclic triggers keep their record for the next
// firing; which applies is read off the job's declared trigger kind, never
// guessed from the timer itself.
type TimerCleanupListener struct {
	store persistence.EventStore
}

func NewTimerCleanupListener(store persistence.EventStore) *TimerCleanupListener {
	return &TimerCleanupListener{store: store}
}

func (l *TimerCleanupListener) BeforeExecute(job scheduler.Job) {}

func (l *TimerCleanupListener) AfterExecute(job scheduler.Job, err error) {
	if err != nil || job.Kind != scheduler.JobKindTimer || job.Trigger == scheduler.TriggerCyclic {
		return
	}
	if job.Timer == nil || job.Timer.FlowNodeInstanceId == 0 {
		return
	}
	ctx := context.Background()
	trigger, err := l.store.FindTimerTrigger(ctx, job.Timer.FlowNodeInstanceId)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			return
		}
		logger.Warn("error looking up timer trigger for cleanup",
			zap.Int64("flowNodeInstanceId", job.Timer.FlowNodeInstanceId), zap.Error(err))
		return
	}
	if trigger.JobTriggerName != job.Name {
		return
	}
	if err := l.store.DeleteTimerTrigger(ctx, trigger); err != nil {
		logger.Warn("error deleting fired timer trigger",
			zap.Int64("triggerId", trigger.Id), zap.Error(err))
	}
}
