package flownode

import (
	"context"
	"errors"
	"fmt"

	"github.com/procflow/procflow/definition"
	"github.com/procflow/procflow/logger"
	"github.com/procflow/procflow/model"
	"github.com/procflow/procflow/persistence"
	"go.uber.org/zap"
)

func newBehaviors(d *deps) map[model.FlowNodeKind]Behavior {
	base := &baseBehavior{d: d}
	catch := &catchBehavior{baseBehavior: base}
	throw := &throwBehavior{baseBehavior: base}
	return map[model.FlowNodeKind]Behavior{
		model.KindAutomaticTask:          &automaticTaskBehavior{baseBehavior: base},
		model.KindUserTask:               &userTaskBehavior{baseBehavior: base},
		model.KindManualTask:             &manualTaskBehavior{baseBehavior: base},
		model.KindReceiveTask:            catch,
		model.KindSendTask:               throw,
		model.KindCallActivity:           &callActivityBehavior{baseBehavior: base},
		model.KindSubProcess:             &subProcessBehavior{baseBehavior: base},
		model.KindMultiInstance:          &multiInstanceBehavior{baseBehavior: base},
		model.KindLoop:                   &loopBehavior{baseBehavior: base},
		model.KindGateway:                base,
		model.KindStartEvent:             base,
		model.KindEndEvent:               base,
		model.KindIntermediateCatchEvent: catch,
		model.KindIntermediateThrowEvent: throw,
		model.KindBoundaryEvent:          &boundaryEventBehavior{catchBehavior: catch},
	}
}

// automaticTaskBehavior evaluates the node's script against the process data
// between onEnter and onFinish, merging a map result back into the data.
type automaticTaskBehavior struct {
	*baseBehavior
}

func (b *automaticTaskBehavior) OnEnterToOnFinish(ctx context.Context, ec *ExecutionContext) error {
	if err := b.runScript(ctx, ec); err != nil {
		return err
	}
	return b.baseBehavior.OnEnterToOnFinish(ctx, ec)
}

// runScript evaluates the node's script against the process data. A map
// result is merged back into the data and persisted.
func (b *baseBehavior) runScript(ctx context.Context, ec *ExecutionContext) error {
	if ec.Node.ScriptExpr == "" {
		return nil
	}
	result, err := b.d.eval.EvaluateScript(ec.Node.ScriptExpr, ec.Data)
	if err != nil {
		return fmt.Errorf("script of %s failed: %w", ec.Node.Name, err)
	}
	out, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	proc, err := b.d.store.GetProcessInstance(ctx, ec.Instance.ProcessInstanceId)
	if err != nil {
		return err
	}
	if proc.Data == nil {
		proc.Data = map[string]any{}
	}
	for k, v := range out {
		proc.Data[k] = v
		ec.Data[k] = v
	}
	return b.d.store.SaveProcessInstance(ctx, proc)
}

// userTaskBehavior resolves the performing actor before entry and then waits
// for an external completion.
type userTaskBehavior struct {
	*baseBehavior
}

func (b *userTaskBehavior) BeforeOnEnter(ctx context.Context, ec *ExecutionContext) error {
	if ec.Node.ActorName != "" {
		actor, err := b.d.eval.EvaluateInt(ec.Node.ActorName, ec.Data)
		if err != nil {
			return fmt.Errorf("actor mapping of %s failed: %w", ec.Node.Name, err)
		}
		ec.Instance.ExecutedBy = int64(actor)
	}
	return nil
}

func (b *userTaskBehavior) Waits(node *definition.FlowNodeDefinition) bool {
	return true
}

type manualTaskBehavior struct {
	*baseBehavior
}

func (b *manualTaskBehavior) Waits(node *definition.FlowNodeDefinition) bool {
	return true
}

// catchBehavior covers receive tasks and intermediate catch events: message
// and signal waits are registered in BeforeOnEnter, timer waits after the
// connectors because connector execution may change the timer's inputs.
type catchBehavior struct {
	*baseBehavior
}

func (b *catchBehavior) BeforeOnEnter(ctx context.Context, ec *ExecutionContext) error {
	return b.registerCatchEvents(ctx, ec, model.EventTypeIntermediateCatch)
}

func (b *catchBehavior) AfterConnectors(ctx context.Context, ec *ExecutionContext) error {
	if err := b.baseBehavior.AfterConnectors(ctx, ec); err != nil {
		return err
	}
	if ec.Node.Timer != nil {
		return b.d.waits.RegisterTimerWait(ctx, ec.Node, ec.Instance)
	}
	return nil
}

func (b *catchBehavior) Waits(node *definition.FlowNodeDefinition) bool {
	return true
}

// boundaryEventBehavior is a catch whose waiting events carry the boundary
// event type and the interrupting flag of the definition.
type boundaryEventBehavior struct {
	*catchBehavior
}

func (b *boundaryEventBehavior) BeforeOnEnter(ctx context.Context, ec *ExecutionContext) error {
	return b.registerCatchEvents(ctx, ec, model.EventTypeBoundary)
}

// throwBehavior covers send tasks and intermediate throw events. CalledProcess
// names the target process of a thrown message.
type throwBehavior struct {
	*baseBehavior
}

func (b *throwBehavior) OnEnterToOnFinish(ctx context.Context, ec *ExecutionContext) error {
	if ec.Node.MessageName != "" {
		msg := &model.MessageInstance{
			MessageName:   ec.Node.MessageName,
			TargetProcess: ec.Node.CalledProcess,
			Correlations:  b.evaluateCorrelations(ec),
		}
		if err := b.d.thrower.ThrowMessage(ctx, msg); err != nil {
			return err
		}
	}
	if ec.Node.SignalName != "" {
		if err := b.d.thrower.ThrowSignal(ctx, ec.Node.SignalName); err != nil {
			return err
		}
	}
	return b.baseBehavior.OnEnterToOnFinish(ctx, ec)
}

// callActivityBehavior starts the called process during onEnter and waits for
// its completion. TokenCount tracks the still-running child.
type callActivityBehavior struct {
	*baseBehavior
}

func (b *callActivityBehavior) OnEnterToOnFinish(ctx context.Context, ec *ExecutionContext) error {
	// The token is persisted before the child starts: a child that runs to
	// completion synchronously releases it during StartCalledProcess.
	ec.Instance.TokenCount = 1
	if _, err := b.d.store.UpdateFlowNodeInstance(ctx, ec.Instance.Id,
		persistence.FieldUpdates{persistence.FieldTokenCount: 1}, nil); err != nil {
		return err
	}
	child, err := b.d.processes.StartCalledProcess(ctx, ec.Node.CalledProcess, ec.Instance)
	if err != nil {
		return fmt.Errorf("starting called process %s: %w", ec.Node.CalledProcess, err)
	}
	logger.Debug("started called process",
		zap.Int64("childProcessInstanceId", child.Id),
		zap.Int64("callerId", ec.Instance.Id))
	return b.baseBehavior.OnEnterToOnFinish(ctx, ec)
}

func (b *callActivityBehavior) ShouldExecuteState(ctx context.Context, ec *ExecutionContext, state StateId) (bool, error) {
	if state != StateCancelling && state != StateAborting {
		return true, nil
	}
	child, err := b.d.processes.FindChildProcessInstance(ctx, ec.Instance.Id)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			logger.Warn("called process instance already gone",
				zap.Int64("callerId", ec.Instance.Id))
			return false, nil
		}
		return false, err
	}
	if ec.Instance.TokenCount == 0 {
		// The child already finished; nothing left to cancel, only to
		// clean up.
		if err := b.d.processes.ArchiveAndDeleteProcessInstance(ctx, child.Id); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := b.d.processes.InterruptProcessInstance(ctx, child.Id, ec.Instance.Id); err != nil {
		return false, err
	}
	return true, nil
}

func (b *callActivityBehavior) Waits(node *definition.FlowNodeDefinition) bool {
	return true
}

// subProcessBehavior opens an embedded scope: the contained entry nodes run
// as children of this instance and the last token coming back completes it.
type subProcessBehavior struct {
	*baseBehavior
}

func (b *subProcessBehavior) OnEnterToOnFinish(ctx context.Context, ec *ExecutionContext) error {
	entries := ec.Node.ContainedNodeIds
	if len(entries) == 0 {
		return fmt.Errorf("sub process %s contains no flow nodes", ec.Node.Name)
	}
	// Tokens are persisted before the inner nodes start: an inner flow that
	// runs to completion synchronously releases them along the way.
	ec.Instance.TokenCount = len(entries)
	if _, err := b.d.store.UpdateFlowNodeInstance(ctx, ec.Instance.Id,
		persistence.FieldUpdates{persistence.FieldTokenCount: len(entries)}, nil); err != nil {
		return err
	}
	children := make([]*model.FlowNodeInstance, 0, len(entries))
	for _, id := range entries {
		inner, err := ec.Process.FlowNode(id)
		if err != nil {
			return err
		}
		children = append(children, &model.FlowNodeInstance{
			FlowNodeDefinitionId:     inner.Id,
			Name:                     inner.Name,
			Kind:                     inner.Kind,
			ProcessDefinitionId:      ec.Instance.ProcessDefinitionId,
			ProcessInstanceId:        ec.Instance.ProcessInstanceId,
			RootProcessInstanceId:    ec.Instance.RootProcessInstanceId,
			ParentActivityInstanceId: ec.Instance.Id,
			StateId:                  int(StateInitializing),
			StateName:                StateInitializing.Name(),
		})
	}
	if err := b.d.store.SaveFlowNodeInstances(ctx, children); err != nil {
		return err
	}
	for _, child := range children {
		if err := b.d.processes.StartFlowNode(ctx, child.Id); err != nil {
			return err
		}
	}
	return b.baseBehavior.OnEnterToOnFinish(ctx, ec)
}

func (b *subProcessBehavior) ShouldExecuteState(ctx context.Context, ec *ExecutionContext, state StateId) (bool, error) {
	if state != StateCancelling && state != StateAborting {
		return true, nil
	}
	nodes, err := b.d.store.ListFlowNodeInstances(ctx, ec.Instance.ProcessInstanceId)
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		if n.ParentActivityInstanceId != ec.Instance.Id || n.Terminal {
			continue
		}
		if err := b.d.processes.AbortFlowNode(ctx, n.Id); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (b *subProcessBehavior) Waits(node *definition.FlowNodeDefinition) bool {
	return true
}

// multiInstanceBehavior evaluates the loop cardinality before entry. Zero
// instances short-circuits to completion; otherwise exactly N children are
// created before the node starts waiting.
type multiInstanceBehavior struct {
	*baseBehavior
}

func (b *multiInstanceBehavior) BeforeOnEnter(ctx context.Context, ec *ExecutionContext) error {
	if ec.Instance.LoopCounter != 0 {
		// A child instance runs the inner activity, it spawns nothing.
		return nil
	}
	if ec.Node.Loop == nil || ec.Node.Loop.CardinalityExpr == "" {
		return fmt.Errorf("multi instance %s has no loop cardinality", ec.Node.Name)
	}
	n, err := b.d.eval.EvaluateInt(ec.Node.Loop.CardinalityExpr, ec.Data)
	if err != nil {
		return fmt.Errorf("loop cardinality of %s failed: %w", ec.Node.Name, err)
	}
	if n < 0 {
		return fmt.Errorf("loop cardinality of %s evaluated to %d", ec.Node.Name, n)
	}
	ec.Instance.TokenCount = n
	if n == 0 {
		return nil
	}
	children := make([]*model.FlowNodeInstance, 0, n)
	for i := 0; i < n; i++ {
		children = append(children, &model.FlowNodeInstance{
			FlowNodeDefinitionId:     ec.Node.Id,
			Name:                     ec.Node.Name,
			Kind:                     ec.Instance.Kind,
			ProcessDefinitionId:      ec.Instance.ProcessDefinitionId,
			ProcessInstanceId:        ec.Instance.ProcessInstanceId,
			RootProcessInstanceId:    ec.Instance.RootProcessInstanceId,
			ParentActivityInstanceId: ec.Instance.Id,
			StateId:                  int(StateInitializing),
			StateName:                StateInitializing.Name(),
			LoopCounter:              i + 1,
		})
	}
	if err := b.d.store.SaveFlowNodeInstances(ctx, children); err != nil {
		return err
	}
	if _, err := b.d.store.UpdateFlowNodeInstance(ctx, ec.Instance.Id,
		persistence.FieldUpdates{persistence.FieldTokenCount: n}, nil); err != nil {
		return err
	}
	return nil
}

// OnEnterToOnFinish starts the children of a parent instance; a child runs
// the inner activity's script itself.
func (b *multiInstanceBehavior) OnEnterToOnFinish(ctx context.Context, ec *ExecutionContext) error {
	if ec.Instance.LoopCounter != 0 {
		if err := b.runScript(ctx, ec); err != nil {
			return err
		}
		return b.baseBehavior.OnEnterToOnFinish(ctx, ec)
	}
	nodes, err := b.d.store.ListFlowNodeInstances(ctx, ec.Instance.ProcessInstanceId)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.ParentActivityInstanceId != ec.Instance.Id || n.Terminal {
			continue
		}
		if err := b.d.processes.StartFlowNode(ctx, n.Id); err != nil {
			return err
		}
	}
	return b.baseBehavior.OnEnterToOnFinish(ctx, ec)
}

func (b *multiInstanceBehavior) Waits(node *definition.FlowNodeDefinition) bool {
	return true
}

// loopBehavior runs the body while the loop condition holds. The condition
// is checked before the first iteration and re-checked against the data each
// body run produced; the iteration count is persisted as it advances.
type loopBehavior struct {
	*baseBehavior
}

func (b *loopBehavior) ShouldExecuteState(ctx context.Context, ec *ExecutionContext, state StateId) (bool, error) {
	if state != StateExecuting || ec.Node.Loop == nil || ec.Node.Loop.LoopConditionExpr == "" {
		return true, nil
	}
	return b.conditionHolds(ec)
}

func (b *loopBehavior) OnEnterToOnFinish(ctx context.Context, ec *ExecutionContext) error {
	for {
		if err := b.runScript(ctx, ec); err != nil {
			return err
		}
		ec.Instance.LoopCounter++
		if _, err := b.d.store.UpdateFlowNodeInstance(ctx, ec.Instance.Id,
			persistence.FieldUpdates{persistence.FieldLoopCounter: ec.Instance.LoopCounter}, nil); err != nil {
			return err
		}
		if ec.Node.Loop == nil || ec.Node.Loop.LoopConditionExpr == "" {
			break
		}
		cont, err := b.conditionHolds(ec)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return b.baseBehavior.OnEnterToOnFinish(ctx, ec)
}

func (b *loopBehavior) conditionHolds(ec *ExecutionContext) (bool, error) {
	cont, err := b.d.eval.EvaluateBool(ec.Node.Loop.LoopConditionExpr, ec.Data)
	if err != nil {
		return false, fmt.Errorf("loop condition of %s failed: %w", ec.Node.Name, err)
	}
	return cont, nil
}
