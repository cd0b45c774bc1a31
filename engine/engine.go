package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/procflow/procflow/correlation"
	"github.com/procflow/procflow/definition"
	"github.com/procflow/procflow/expr"
	"github.com/procflow/procflow/flownode"
	"github.com/procflow/procflow/logger"
	"github.com/procflow/procflow/model"
	"github.com/procflow/procflow/persistence"
	"github.com/procflow/procflow/scheduler"
	"github.com/procflow/procflow/work"
	"go.uber.org/zap"
)

// Engine is the execution layer tying the state machine, the correlation
// engine, the work pool and the job scheduler together. It implements the
// state machine's collaborator surfaces and the work pool's catch trigger.
type Engine struct {
	store        persistence.EventStore
	definitions  *definition.Service
	eval         *expr.Evaluator
	works        *work.Scheduler
	machine      *flownode.StateMachine
	jobs         *scheduler.Scheduler
	correlations *correlation.Engine
	started      atomic.Bool
}

func NewEngine(store persistence.EventStore, definitions *definition.Service, eval *expr.Evaluator, works *work.Scheduler) *Engine {
	e := &Engine{
		store:       store,
		definitions: definitions,
		eval:        eval,
		works:       works,
	}
	e.machine = flownode.NewStateMachine(store, definitions, eval, e, e, e, nil)
	return e
}

// Bind wires the collaborators that themselves need the engine at
// construction time.
func (e *Engine) Bind(jobs *scheduler.Scheduler, correlations *correlation.Engine) {
	e.jobs = jobs
	e.correlations = correlations
}

func (e *Engine) Name() string {
	return "execution-engine"
}

func (e *Engine) Start() error {
	e.started.Store(true)
	return nil
}

func (e *Engine) Stop() error {
	e.started.Store(false)
	return nil
}

func (e *Engine) StateMachine() *flownode.StateMachine {
	return e.machine
}

// DeployProcess registers the definition and the definition-level waits of
// its start nodes: message start events become start-event waiting events,
// timer start events become scheduled timer jobs.
func (e *Engine) DeployProcess(ctx context.Context, def *definition.ProcessDefinition) error {
	if err := e.definitions.Deploy(def); err != nil {
		return err
	}
	for _, startId := range def.StartNodeIds {
		node, err := def.FlowNode(startId)
		if err != nil {
			return err
		}
		if node.MessageName != "" {
			event := &model.WaitingMessageEvent{
				EventType:            model.EventTypeStart,
				MessageName:          node.MessageName,
				ProcessName:          def.Name,
				FlowNodeName:         node.Name,
				ProcessDefinitionId:  def.Id,
				FlowNodeDefinitionId: node.Id,
				Progress:             model.ProgressFree,
				Active:               true,
			}
			if err := e.store.SaveWaitingEvent(ctx, event); err != nil {
				return err
			}
		}
		if node.Timer != nil {
			cfg := scheduler.TimerJobConfig{
				ProcessDefinitionId:  def.Id,
				FlowNodeDefinitionId: node.Id,
				ContainerType:        model.ContainerProcess,
				EventType:            model.EventTypeStart,
			}
			if err := e.scheduleTimer(ctx, node, nil, cfg); err != nil {
				return err
			}
		}
	}
	logger.Info("process deployed", zap.String("process", def.Name), zap.Int64("definitionId", def.Id))
	return nil
}

// StartProcess starts a new instance of the named process from its start
// nodes.
func (e *Engine) StartProcess(ctx context.Context, processName string, data map[string]any) (*model.ProcessInstance, error) {
	def, err := e.definitions.Get(processName)
	if err != nil {
		return nil, err
	}
	return e.startInstance(ctx, def, def.StartNodeIds, data, 0, 0)
}

// startInstance creates a process instance and starts the given entry nodes.
// callerId links a call activity's child; rootId carries the root of the
// instance tree.
func (e *Engine) startInstance(ctx context.Context, def *definition.ProcessDefinition, entryNodeIds []int64, data map[string]any, callerId int64, rootId int64) (*model.ProcessInstance, error) {
	inst := &model.ProcessInstance{
		Name:                  def.Name,
		ProcessDefinitionId:   def.Id,
		RootProcessInstanceId: rootId,
		CallerId:              callerId,
		State:                 model.ProcessStateStarted,
		StartDate:             time.Now().UnixMilli(),
		Data:                  data,
	}
	if err := e.store.SaveProcessInstance(ctx, inst); err != nil {
		return nil, err
	}
	for _, espId := range def.EventSubProcessIds {
		node, err := def.FlowNode(espId)
		if err != nil {
			return nil, err
		}
		cfg := scheduler.TimerJobConfig{
			ProcessDefinitionId:     def.Id,
			FlowNodeDefinitionId:    node.Id,
			ContainerType:           model.ContainerProcess,
			EventType:               model.EventTypeEventSubProcess,
			Interrupting:            node.Interrupting,
			ParentProcessInstanceId: inst.Id,
			RootProcessInstanceId:   inst.RootProcessInstanceId,
		}
		if err := e.scheduleTimer(ctx, node, nil, cfg); err != nil {
			return nil, err
		}
	}
	for _, nodeId := range entryNodeIds {
		node, err := def.FlowNode(nodeId)
		if err != nil {
			return nil, err
		}
		if err := e.startFlowNode(ctx, def, node, inst, 0); err != nil {
			return nil, err
		}
	}
	logger.Info("process instance started",
		zap.String("process", def.Name), zap.Int64("id", inst.Id))
	return inst, nil
}

// startFlowNode creates a flow node instance and runs it through its entry
// phase.
func (e *Engine) startFlowNode(ctx context.Context, def *definition.ProcessDefinition, node *definition.FlowNodeDefinition, proc *model.ProcessInstance, parentActivityId int64) error {
	inst, err := e.createFlowNode(ctx, def, node, proc, parentActivityId)
	if err != nil {
		return err
	}
	return e.machine.StartNode(ctx, inst.Id)
}

// createFlowNode persists a fresh flow node instance and spawns instances
// for any attached boundary events, without entering the node yet.
func (e *Engine) createFlowNode(ctx context.Context, def *definition.ProcessDefinition, node *definition.FlowNodeDefinition, proc *model.ProcessInstance, parentActivityId int64) (*model.FlowNodeInstance, error) {
	inst := &model.FlowNodeInstance{
		FlowNodeDefinitionId:     node.Id,
		Name:                     node.Name,
		Kind:                     node.Kind,
		ProcessDefinitionId:      def.Id,
		ProcessInstanceId:        proc.Id,
		RootProcessInstanceId:    proc.RootProcessInstanceId,
		ParentActivityInstanceId: parentActivityId,
		StateId:                  int(flownode.StateInitializing),
		StateName:                flownode.StateInitializing.Name(),
		ReachedStateDate:         time.Now().UnixMilli(),
	}
	if err := e.store.SaveFlowNodeInstance(ctx, inst); err != nil {
		return nil, err
	}
	for _, boundaryId := range node.BoundaryEventIds {
		boundary, err := def.FlowNode(boundaryId)
		if err != nil {
			return nil, err
		}
		if err := e.startFlowNode(ctx, def, boundary, proc, inst.Id); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// NotifyFlowCompletion advances the flow after a node finished: outgoing
// nodes start, boundary observers of a finished activity are cancelled,
// multi-instance parents see their token counts drop, and a process with no
// live nodes left completes.
func (e *Engine) NotifyFlowCompletion(ctx context.Context, inst *model.FlowNodeInstance) error {
	def, node, err := e.definitions.GetFlowNode(inst.ProcessDefinitionId, inst.FlowNodeDefinitionId)
	if err != nil {
		return err
	}
	proc, err := e.store.GetProcessInstance(ctx, inst.ProcessInstanceId)
	if err != nil {
		return err
	}
	if len(node.BoundaryEventIds) > 0 {
		if err := e.cancelBoundaryObservers(ctx, inst); err != nil {
			return err
		}
	}
	// Cancelled and aborted nodes do not continue the sequence flow and keep
	// their parent's token untouched; the interrupting side drives what
	// happens next.
	if inst.StateId != int(flownode.StateCompleted) {
		return e.completeProcessIfDone(ctx, proc)
	}
	if inst.ParentActivityInstanceId != 0 && node.Kind != model.KindBoundaryEvent {
		// A multi-instance child (nonzero loop counter) and an inner node
		// with no successor hand their token back to the parent activity.
		if inst.LoopCounter != 0 || len(node.Outgoing) == 0 {
			return e.releaseParentToken(ctx, inst.ParentActivityInstanceId)
		}
		// Inner sequence flow of an embedded sub-process: the token moves to
		// the successors. Extra branches need their own tokens before any
		// successor starts.
		if len(node.Outgoing) > 1 {
			if err := e.addParentTokens(ctx, inst.ParentActivityInstanceId, len(node.Outgoing)-1); err != nil {
				return err
			}
		}
		for _, nextId := range node.Outgoing {
			next, err := def.FlowNode(nextId)
			if err != nil {
				return err
			}
			if err := e.startFlowNode(ctx, def, next, proc, inst.ParentActivityInstanceId); err != nil {
				return err
			}
		}
		return nil
	}
	for _, nextId := range node.Outgoing {
		next, err := def.FlowNode(nextId)
		if err != nil {
			return err
		}
		if err := e.startFlowNode(ctx, def, next, proc, 0); err != nil {
			return err
		}
	}
	if len(node.Outgoing) == 0 {
		return e.completeProcessIfDone(ctx, proc)
	}
	return nil
}

// cancelBoundaryObservers stops the boundary event instances still watching a
// finished activity.
func (e *Engine) cancelBoundaryObservers(ctx context.Context, activity *model.FlowNodeInstance) error {
	nodes, err := e.store.ListFlowNodeInstances(ctx, activity.ProcessInstanceId)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.Kind == model.KindBoundaryEvent && n.ParentActivityInstanceId == activity.Id && !n.Terminal {
			if err := e.machine.Cancel(ctx, n.Id); err != nil {
				return err
			}
		}
	}
	return nil
}

// releaseParentToken decrements the parent activity's token count with a
// guarded write and completes the parent once the last child finished.
func (e *Engine) releaseParentToken(ctx context.Context, parentId int64) error {
	for attempt := 0; attempt < 5; attempt++ {
		parent, err := e.store.GetFlowNodeInstance(ctx, parentId)
		if err != nil {
			var notFound persistence.NotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return err
		}
		if parent.TokenCount <= 0 {
			return nil
		}
		applied, err := e.store.UpdateFlowNodeInstance(ctx, parentId,
			persistence.FieldUpdates{persistence.FieldTokenCount: parent.TokenCount - 1},
			persistence.FieldUpdates{persistence.FieldTokenCount: parent.TokenCount})
		if err != nil {
			return err
		}
		if !applied {
			continue
		}
		if parent.TokenCount-1 == 0 {
			return e.machine.Complete(ctx, parentId)
		}
		return nil
	}
	return fmt.Errorf("token release on flow node %d kept losing races", parentId)
}

// addParentTokens raises the parent activity's token count with a guarded
// write, e.g. when an inner flow forks into parallel branches.
func (e *Engine) addParentTokens(ctx context.Context, parentId int64, delta int) error {
	for attempt := 0; attempt < 5; attempt++ {
		parent, err := e.store.GetFlowNodeInstance(ctx, parentId)
		if err != nil {
			return err
		}
		applied, err := e.store.UpdateFlowNodeInstance(ctx, parentId,
			persistence.FieldUpdates{persistence.FieldTokenCount: parent.TokenCount + delta},
			persistence.FieldUpdates{persistence.FieldTokenCount: parent.TokenCount})
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}
	return fmt.Errorf("token grant on flow node %d kept losing races", parentId)
}

// completeProcessIfDone finishes the process once no live flow node remains.
func (e *Engine) completeProcessIfDone(ctx context.Context, proc *model.ProcessInstance) error {
	if proc.State == model.ProcessStateInterrupted {
		// The interrupting side owns the instance now and archives it when
		// the surrounding activity terminates.
		return nil
	}
	nodes, err := e.store.ListFlowNodeInstances(ctx, proc.Id)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if !n.Terminal {
			return nil
		}
	}
	now := time.Now().UnixMilli()
	applied, err := e.store.UpdateProcessInstance(ctx, proc.Id,
		persistence.FieldUpdates{
			persistence.FieldProcessState: model.ProcessStateCompleted,
			persistence.FieldEndDate:      now,
		},
		persistence.FieldUpdates{persistence.FieldProcessState: proc.State})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	proc.State = model.ProcessStateCompleted
	proc.EndDate = now
	if err := e.store.ArchiveProcessInstance(ctx, proc); err != nil {
		return err
	}
	logger.Info("process instance completed", zap.Int64("id", proc.Id), zap.String("process", proc.Name))
	if proc.CallerId != 0 {
		return e.completeCaller(ctx, proc.CallerId)
	}
	return nil
}

// completeCaller resumes the call activity whose child process just finished.
func (e *Engine) completeCaller(ctx context.Context, callerId int64) error {
	if _, err := e.store.UpdateFlowNodeInstance(ctx, callerId,
		persistence.FieldUpdates{persistence.FieldTokenCount: 0}, nil); err != nil {
		return err
	}
	return e.machine.Complete(ctx, callerId)
}

// StartCalledProcess starts the child process of a call activity.
func (e *Engine) StartCalledProcess(ctx context.Context, processName string, caller *model.FlowNodeInstance) (*model.ProcessInstance, error) {
	def, err := e.definitions.Get(processName)
	if err != nil {
		return nil, err
	}
	parent, err := e.store.GetProcessInstance(ctx, caller.ProcessInstanceId)
	if err != nil {
		return nil, err
	}
	return e.startInstance(ctx, def, def.StartNodeIds, parent.Data, caller.Id, caller.RootProcessInstanceId)
}

func (e *Engine) FindChildProcessInstance(ctx context.Context, callerId int64) (*model.ProcessInstance, error) {
	return e.store.FindChildProcessInstance(ctx, callerId)
}

// StartFlowNode runs the entry phase of an already created flow node
// instance, e.g. a multi-instance child or an inner sub-process node.
func (e *Engine) StartFlowNode(ctx context.Context, flowNodeInstanceId int64) error {
	return e.machine.StartNode(ctx, flowNodeInstanceId)
}

// AbortFlowNode aborts one flow node instance, e.g. the inner nodes of a
// cancelled sub-process.
func (e *Engine) AbortFlowNode(ctx context.Context, flowNodeInstanceId int64) error {
	return e.machine.Abort(ctx, flowNodeInstanceId)
}

// InterruptProcessInstance marks the instance interrupted and aborts its live
// flow nodes.
func (e *Engine) InterruptProcessInstance(ctx context.Context, processInstanceId int64, interruptingEventId int64) error {
	if _, err := e.store.UpdateProcessInstance(ctx, processInstanceId,
		persistence.FieldUpdates{
			persistence.FieldProcessState:      model.ProcessStateInterrupted,
			persistence.FieldInterruptingEvent: interruptingEventId,
		}, nil); err != nil {
		return err
	}
	nodes, err := e.store.ListFlowNodeInstances(ctx, processInstanceId)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.Terminal {
			continue
		}
		if err := e.machine.Abort(ctx, n.Id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) ArchiveAndDeleteProcessInstance(ctx context.Context, processInstanceId int64) error {
	proc, err := e.store.GetProcessInstance(ctx, processInstanceId)
	if err != nil {
		var notFound persistence.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	if err := e.store.ArchiveProcessInstance(ctx, proc); err != nil {
		return err
	}
	return e.store.DeleteProcessInstance(ctx, processInstanceId)
}

// ExecuteJob dispatches a fired job by its kind.
func (e *Engine) ExecuteJob(ctx context.Context, job scheduler.Job) error {
	switch job.Kind {
	case scheduler.JobKindCorrelation:
		e.correlations.RequestCycle()
		return nil
	case scheduler.JobKindTimer:
		return e.FireTimer(ctx, *job.Timer)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
