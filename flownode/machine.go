package flownode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/procflow/procflow/definition"
	"github.com/procflow/procflow/expr"
	"github.com/procflow/procflow/logger"
	"github.com/procflow/procflow/model"
	"github.com/procflow/procflow/persistence"
	"go.uber.org/zap"
)

// StateMachine drives one flow node instance through its lifecycle. All
// coordination runs through guarded store updates: the stateExecuting flag is
// the re-entrancy guard, state transitions are compare-and-set on the current
// state id, and a failed guard means another node took over, never an error.
type StateMachine struct {
	store       persistence.EventStore
	definitions *definition.Service
	connectors  ConnectorRunner
	behaviors   map[model.FlowNodeKind]Behavior
	fallback    Behavior
	d           *deps
}

func NewStateMachine(
	store persistence.EventStore,
	definitions *definition.Service,
	eval *expr.Evaluator,
	waits WaitRegistry,
	processes ProcessHandler,
	thrower Thrower,
	connectors ConnectorRunner,
) *StateMachine {
	d := &deps{
		store:     store,
		eval:      eval,
		waits:     waits,
		processes: processes,
		thrower:   thrower,
	}
	return &StateMachine{
		store:       store,
		definitions: definitions,
		connectors:  connectors,
		behaviors:   newBehaviors(d),
		fallback:    &baseBehavior{d: d},
		d:           d,
	}
}

// StartNode runs the onEnter phase of a flow node instance: Initializing (or
// InitializingWithBoundaryEvents), the entry hooks, connectors, then either
// Waiting or straight through Executing to completion.
func (m *StateMachine) StartNode(ctx context.Context, flowNodeInstanceId int64) error {
	ec, err := m.loadContext(ctx, flowNodeInstanceId)
	if err != nil {
		return err
	}
	acquired, err := m.acquire(ctx, ec.Instance)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Debug("flow node already executing elsewhere", zap.Int64("id", flowNodeInstanceId))
		return nil
	}
	defer m.release(ctx, ec.Instance)

	initState := StateInitializing
	if len(ec.Node.BoundaryEventIds) > 0 {
		initState = StateInitializingBoundary
	}
	if ok, err := m.enterState(ctx, ec, initState); err != nil || !ok {
		return err
	}
	b := m.behavior(ec.Instance.Kind)
	if err := b.BeforeOnEnter(ctx, ec); err != nil {
		return StateError{State: initState, FlowNodeInstanceId: ec.Instance.Id, Err: err}
	}
	if m.connectors != nil {
		if err := m.connectors.RunOnEnterConnectors(ctx, ec.Node, ec.Instance); err != nil {
			return StateError{State: initState, FlowNodeInstanceId: ec.Instance.Id, Err: err}
		}
	}
	if err := b.AfterConnectors(ctx, ec); err != nil {
		return StateError{State: initState, FlowNodeInstanceId: ec.Instance.Id, Err: err}
	}
	waits := b.Waits(ec.Node)
	if ec.Instance.Kind == model.KindMultiInstance && ec.Instance.TokenCount == 0 {
		// Zero loop cardinality, or a child instance running the inner
		// activity; neither has children to wait for.
		waits = false
	}
	if waits {
		// The enter-to-finish hook runs before parking: a call activity
		// creates its child here, then waits for it.
		if err := b.OnEnterToOnFinish(ctx, ec); err != nil {
			return StateError{State: initState, FlowNodeInstanceId: ec.Instance.Id, Err: err}
		}
		if ok, err := m.enterState(ctx, ec, StateWaiting); err != nil || !ok {
			return err
		}
		return m.completeIfSettled(ctx, ec, b)
	}
	if ok, err := m.enterState(ctx, ec, StateExecuting); err != nil || !ok {
		return err
	}
	if should, err := b.ShouldExecuteState(ctx, ec, StateExecuting); err != nil {
		return StateError{State: StateExecuting, FlowNodeInstanceId: ec.Instance.Id, Err: err}
	} else if !should {
		return m.terminate(ctx, ec, StateCompleted)
	}
	if err := b.OnEnterToOnFinish(ctx, ec); err != nil {
		return StateError{State: StateExecuting, FlowNodeInstanceId: ec.Instance.Id, Err: err}
	}
	return m.finish(ctx, ec, b)
}

// TriggerCatchEvent resumes a waiting flow node after its message, signal or
// timer arrived. A node that is no longer waiting is a normal race outcome.
func (m *StateMachine) TriggerCatchEvent(ctx context.Context, flowNodeInstanceId int64) error {
	ec, err := m.loadContext(ctx, flowNodeInstanceId)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			// Archived already; the event lost the race against completion.
			logger.Debug("catch event for archived flow node", zap.Int64("id", flowNodeInstanceId))
			return nil
		}
		return err
	}
	if ec.Instance.Terminal {
		logger.Debug("catch event for finished flow node", zap.Int64("id", flowNodeInstanceId))
		return nil
	}
	acquired, err := m.acquire(ctx, ec.Instance)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer m.release(ctx, ec.Instance)
	if StateId(ec.Instance.StateId) != StateWaiting {
		logger.Debug("catch event for flow node not waiting",
			zap.Int64("id", flowNodeInstanceId),
			zap.String("state", StateId(ec.Instance.StateId).Name()))
		return nil
	}
	if ok, err := m.enterState(ctx, ec, StateExecuting); err != nil || !ok {
		return err
	}
	return m.finish(ctx, ec, m.behavior(ec.Instance.Kind))
}

// Complete finishes a node that waited for an external completion, e.g. a
// user task or the call activity whose child process ended.
func (m *StateMachine) Complete(ctx context.Context, flowNodeInstanceId int64) error {
	return m.TriggerCatchEvent(ctx, flowNodeInstanceId)
}

// Cancel moves the node through cancelling to cancelled.
func (m *StateMachine) Cancel(ctx context.Context, flowNodeInstanceId int64) error {
	return m.interrupt(ctx, flowNodeInstanceId, StateCancelling, StateCancelled)
}

// Abort moves the node through aborting to aborted.
func (m *StateMachine) Abort(ctx context.Context, flowNodeInstanceId int64) error {
	return m.interrupt(ctx, flowNodeInstanceId, StateAborting, StateAborted)
}

func (m *StateMachine) interrupt(ctx context.Context, flowNodeInstanceId int64, via StateId, final StateId) error {
	ec, err := m.loadContext(ctx, flowNodeInstanceId)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	if ec.Instance.Terminal {
		return nil
	}
	acquired, err := m.acquire(ctx, ec.Instance)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer m.release(ctx, ec.Instance)

	b := m.behavior(ec.Instance.Kind)
	should, err := b.ShouldExecuteState(ctx, ec, via)
	if err != nil {
		return StateError{State: via, FlowNodeInstanceId: ec.Instance.Id, Err: err}
	}
	if should {
		if ok, err := m.enterState(ctx, ec, via); err != nil || !ok {
			return err
		}
	}
	return m.terminate(ctx, ec, final)
}

// completeIfSettled resumes a token-tracking node whose children all finished
// while the node was still entering. The completion signal raced against the
// re-entrancy guard and was dropped; the token count remembers it.
func (m *StateMachine) completeIfSettled(ctx context.Context, ec *ExecutionContext, b Behavior) error {
	switch ec.Instance.Kind {
	case model.KindCallActivity, model.KindMultiInstance, model.KindSubProcess:
	default:
		return nil
	}
	inst, err := m.store.GetFlowNodeInstance(ctx, ec.Instance.Id)
	if err != nil {
		return err
	}
	if inst.TokenCount != 0 {
		return nil
	}
	ec.Instance.TokenCount = 0
	if ok, err := m.enterState(ctx, ec, StateExecuting); err != nil || !ok {
		return err
	}
	return m.finish(ctx, ec, b)
}

// finish runs the onFinish phase: Completing, the finish connectors and hook,
// then the terminal completed state with archival and parent notification.
func (m *StateMachine) finish(ctx context.Context, ec *ExecutionContext, b Behavior) error {
	if ok, err := m.enterState(ctx, ec, StateCompleting); err != nil || !ok {
		return err
	}
	if m.connectors != nil {
		if err := m.connectors.RunOnFinishConnectors(ctx, ec.Node, ec.Instance); err != nil {
			return StateError{State: StateCompleting, FlowNodeInstanceId: ec.Instance.Id, Err: err}
		}
	}
	if err := b.AfterOnFinish(ctx, ec); err != nil {
		return StateError{State: StateCompleting, FlowNodeInstanceId: ec.Instance.Id, Err: err}
	}
	return m.terminate(ctx, ec, StateCompleted)
}

// terminate enters a terminal state, removes the node's waiting events,
// archives the instance and notifies flow completion.
func (m *StateMachine) terminate(ctx context.Context, ec *ExecutionContext, final StateId) error {
	if ok, err := m.enterState(ctx, ec, final); err != nil || !ok {
		return err
	}
	if err := m.d.waits.RemoveWaits(ctx, ec.Instance.Id); err != nil {
		return StateError{State: final, FlowNodeInstanceId: ec.Instance.Id, Err: err}
	}
	if err := m.store.ArchiveFlowNodeInstance(ctx, ec.Instance); err != nil {
		return StateError{State: final, FlowNodeInstanceId: ec.Instance.Id, Err: err}
	}
	if err := m.d.processes.NotifyFlowCompletion(ctx, ec.Instance); err != nil {
		return StateError{State: final, FlowNodeInstanceId: ec.Instance.Id, Err: err}
	}
	logger.Info("flow node finished",
		zap.Int64("id", ec.Instance.Id),
		zap.String("name", ec.Instance.Name),
		zap.String("state", final.Name()))
	return nil
}

func (m *StateMachine) loadContext(ctx context.Context, flowNodeInstanceId int64) (*ExecutionContext, error) {
	inst, err := m.store.GetFlowNodeInstance(ctx, flowNodeInstanceId)
	if err != nil {
		return nil, err
	}
	proc, node, err := m.definitions.GetFlowNode(inst.ProcessDefinitionId, inst.FlowNodeDefinitionId)
	if err != nil {
		return nil, fmt.Errorf("loading definition for flow node %d: %w", flowNodeInstanceId, err)
	}
	data := map[string]any{}
	procInst, err := m.store.GetProcessInstance(ctx, inst.ProcessInstanceId)
	if err == nil && procInst.Data != nil {
		data = procInst.Data
	}
	return &ExecutionContext{Process: proc, Node: node, Instance: inst, Data: data}, nil
}

// enterState is a compare-and-set transition from the instance's current
// state. A lost guard means another node already moved it; the caller stops
// without error.
func (m *StateMachine) enterState(ctx context.Context, ec *ExecutionContext, to StateId) (bool, error) {
	inst := ec.Instance
	now := time.Now().UnixMilli()
	fields := persistence.FieldUpdates{
		persistence.FieldStateId:          int(to),
		persistence.FieldStateName:        to.Name(),
		persistence.FieldPreviousStateId:  inst.StateId,
		persistence.FieldReachedStateDate: now,
		persistence.FieldTerminal:         to.Terminal(),
	}
	guard := persistence.FieldUpdates{persistence.FieldStateId: inst.StateId}
	applied, err := m.store.UpdateFlowNodeInstance(ctx, inst.Id, fields, guard)
	if err != nil {
		return false, StateError{State: to, FlowNodeInstanceId: inst.Id, Err: err}
	}
	if !applied {
		logger.Debug("lost state transition race",
			zap.Int64("id", inst.Id), zap.String("to", to.Name()))
		return false, nil
	}
	inst.PreviousStateId = inst.StateId
	inst.StateId = int(to)
	inst.StateName = to.Name()
	inst.ReachedStateDate = now
	inst.Terminal = to.Terminal()
	return true, nil
}

func (m *StateMachine) acquire(ctx context.Context, inst *model.FlowNodeInstance) (bool, error) {
	applied, err := m.store.UpdateFlowNodeInstance(ctx, inst.Id,
		persistence.FieldUpdates{persistence.FieldStateExecuting: true},
		persistence.FieldUpdates{persistence.FieldStateExecuting: false})
	if err != nil {
		return false, err
	}
	if applied {
		inst.StateExecuting = true
	}
	return applied, nil
}

func (m *StateMachine) release(ctx context.Context, inst *model.FlowNodeInstance) {
	if inst.Terminal {
		// The instance was archived; nothing to release.
		return
	}
	if _, err := m.store.UpdateFlowNodeInstance(ctx, inst.Id,
		persistence.FieldUpdates{persistence.FieldStateExecuting: false}, nil); err != nil {
		logger.Warn("error releasing execution guard", zap.Int64("id", inst.Id), zap.Error(err))
	}
}

func (m *StateMachine) behavior(kind model.FlowNodeKind) Behavior {
	if b, ok := m.behaviors[kind]; ok {
		return b
	}
	return m.fallback
}
