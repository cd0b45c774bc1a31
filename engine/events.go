package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/procflow/procflow/definition"
	"github.com/procflow/procflow/logger"
	"github.com/procflow/procflow/model"
	"github.com/procflow/procflow/persistence"
	"github.com/procflow/procflow/scheduler"
	"go.uber.org/zap"
)

// ThrowMessage persists an emitted message and requests an immediate
// correlation cycle so a waiting catch side fires without waiting for the
// next tick.
func (e *Engine) ThrowMessage(ctx context.Context, msg *model.MessageInstance) error {
	if err := msg.Correlations.Validate(); err != nil {
		return err
	}
	if err := e.store.SaveMessageInstance(ctx, msg); err != nil {
		return err
	}
	logger.Debug("message thrown",
		zap.String("message", msg.MessageName),
		zap.String("targetProcess", msg.TargetProcess))
	if e.correlations != nil {
		e.correlations.RequestCycle()
	}
	return nil
}

// ThrowSignal broadcasts: every registered waiter gets its own work unit, no
// uniqueness reduction applies.
func (e *Engine) ThrowSignal(ctx context.Context, signalName string) error {
	events, err := e.store.FindWaitingSignalEvents(ctx, signalName)
	if err != nil {
		return err
	}
	for _, event := range events {
		if err := e.works.SubmitSignal(ctx, event); err != nil {
			return err
		}
	}
	logger.Debug("signal thrown",
		zap.String("signal", signalName), zap.Int("waiters", len(events)))
	return nil
}

// TriggerMessageCatchEvent is the catch primitive message-couple work invokes.
// A start-event waiter spawns a new process instance entered at the catching
// node; any other waiter resumes its existing flow node instance. An
// interrupting boundary event aborts the activity it is attached to.
func (e *Engine) TriggerMessageCatchEvent(ctx context.Context, event *model.WaitingMessageEvent, msg *model.MessageInstance) error {
	if event.EventType == model.EventTypeStart {
		def, err := e.definitions.GetById(event.ProcessDefinitionId)
		if err != nil {
			return err
		}
		data := map[string]any{}
		for _, key := range msg.Correlations {
			data[key.Name] = key.Value
		}
		_, err = e.startInstance(ctx, def, []int64{event.FlowNodeDefinitionId}, data, 0, 0)
		return err
	}
	if event.EventType == model.EventTypeBoundary && event.Interrupting {
		return e.triggerInterruptingBoundary(ctx, event.FlowNodeInstanceId)
	}
	return e.machine.TriggerCatchEvent(ctx, event.FlowNodeInstanceId)
}

// TriggerSignalCatchEvent fires one waiter of a signal broadcast. The
// registration is removed first so a redelivered work unit finds nothing and
// completes quietly.
func (e *Engine) TriggerSignalCatchEvent(ctx context.Context, event *model.WaitingSignalEvent) error {
	if err := e.store.DeleteWaitingSignalEvent(ctx, event.Id); err != nil {
		return err
	}
	return e.machine.TriggerCatchEvent(ctx, event.FlowNodeInstanceId)
}

func (e *Engine) triggerInterruptingBoundary(ctx context.Context, boundaryInstanceId int64) error {
	boundary, err := e.store.GetFlowNodeInstance(ctx, boundaryInstanceId)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	if boundary.ParentActivityInstanceId != 0 {
		if err := e.machine.Abort(ctx, boundary.ParentActivityInstanceId); err != nil {
			return err
		}
	}
	return e.machine.TriggerCatchEvent(ctx, boundaryInstanceId)
}

func (e *Engine) RegisterMessageWait(ctx context.Context, event *model.WaitingMessageEvent) error {
	return e.store.SaveWaitingEvent(ctx, event)
}

func (e *Engine) RegisterSignalWait(ctx context.Context, event *model.WaitingSignalEvent) error {
	return e.store.SaveWaitingSignalEvent(ctx, event)
}

// RegisterTimerWait schedules the timer of a waiting catch node and persists
// its trigger record.
func (e *Engine) RegisterTimerWait(ctx context.Context, node *definition.FlowNodeDefinition, inst *model.FlowNodeInstance) error {
	cfg := scheduler.TimerJobConfig{
		ProcessDefinitionId:     inst.ProcessDefinitionId,
		FlowNodeDefinitionId:    node.Id,
		FlowNodeInstanceId:      inst.Id,
		ContainerType:           model.ContainerFlowNode,
		EventType:               eventTypeOf(node),
		Interrupting:            node.Interrupting,
		ParentProcessInstanceId: inst.ProcessInstanceId,
		RootProcessInstanceId:   inst.RootProcessInstanceId,
	}
	return e.scheduleTimer(ctx, node, inst, cfg)
}

// scheduleTimer binds the job, saves the trigger record when a flow node owns
// it, and schedules per the timer kind: a delay for durations, a point in
// time for dates, a cron series for cycles.
func (e *Engine) scheduleTimer(ctx context.Context, node *definition.FlowNodeDefinition, inst *model.FlowNodeInstance, cfg scheduler.TimerJobConfig) error {
	if node.Timer == nil {
		return fmt.Errorf("flow node %s has no timer definition", node.Name)
	}
	jobName := fmt.Sprintf("timer-%d-%s", node.Id, uuid.NewString())
	job := scheduler.Job{
		Name:  jobName,
		Kind:  scheduler.JobKindTimer,
		Timer: &cfg,
	}
	var executionDate int64
	var schedule func() error
	switch node.Timer.Kind {
	case definition.TimerDuration:
		var data map[string]any
		if inst != nil {
			if proc, err := e.store.GetProcessInstance(ctx, inst.ProcessInstanceId); err == nil {
				data = proc.Data
			}
		}
		d, err := e.eval.EvaluateDuration(node.Timer.Expression, data)
		if err != nil {
			return fmt.Errorf("timer duration of %s: %w", node.Name, err)
		}
		executionDate = time.Now().Add(d).UnixMilli()
		schedule = func() error { return e.jobs.ScheduleOnce(job, d) }
	case definition.TimerDate:
		at, err := time.Parse(time.RFC3339, node.Timer.Expression)
		if err != nil {
			return fmt.Errorf("timer date of %s: %w", node.Name, err)
		}
		executionDate = at.UnixMilli()
		schedule = func() error { return e.jobs.ScheduleAt(job, at) }
	case definition.TimerCycle:
		schedule = func() error { return e.jobs.ScheduleCron(job, node.Timer.Expression) }
	default:
		return fmt.Errorf("unknown timer kind %q on %s", node.Timer.Kind, node.Name)
	}
	if inst != nil {
		trigger := &model.TimerEventTrigger{
			FlowNodeInstanceId: inst.Id,
			EventInstanceId:    inst.Id,
			JobTriggerName:     jobName,
			ExecutionDate:      executionDate,
		}
		if err := e.store.SaveTimerTrigger(ctx, trigger); err != nil {
			return err
		}
	}
	return schedule()
}

// RemoveWaits drops every registered catch side of a flow node: message and
// signal waits, plus its timer trigger and the scheduled job behind it.
func (e *Engine) RemoveWaits(ctx context.Context, flowNodeInstanceId int64) error {
	if err := e.store.DeleteWaitingEventsForFlowNode(ctx, flowNodeInstanceId); err != nil {
		return err
	}
	if err := e.store.DeleteWaitingSignalEventsForFlowNode(ctx, flowNodeInstanceId); err != nil {
		return err
	}
	trigger, err := e.store.FindTimerTrigger(ctx, flowNodeInstanceId)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	if e.jobs != nil {
		e.jobs.Cancel(trigger.JobTriggerName)
	}
	return e.store.DeleteTimerTrigger(ctx, trigger)
}

func eventTypeOf(node *definition.FlowNodeDefinition) model.EventType {
	switch node.Kind {
	case model.KindStartEvent:
		return model.EventTypeStart
	case model.KindBoundaryEvent:
		return model.EventTypeBoundary
	default:
		return model.EventTypeIntermediateCatch
	}
}
