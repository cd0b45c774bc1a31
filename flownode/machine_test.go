package flownode

import (
	"context"
	"database/sql"
	"testing"

	"github.com/procflow/procflow/definition"
	"github.com/procflow/procflow/expr"
	"github.com/procflow/procflow/model"
	"github.com/procflow/procflow/persistence"
	"github.com/procflow/procflow/persistence/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// fakeCollaborators implements the engine-side surfaces with recording
// behavior backed by the real store.
type fakeCollaborators struct {
	store *sqlite.Store

	interrupted     []int64
	archivedDeleted []int64
	completed       []int64
	timerWaits      []int64
	startedNodes    []int64
	abortedNodes    []int64
}

func (f *fakeCollaborators) RegisterMessageWait(ctx context.Context, event *model.WaitingMessageEvent) error {
	return f.store.SaveWaitingEvent(ctx, event)
}

func (f *fakeCollaborators) RegisterSignalWait(ctx context.Context, event *model.WaitingSignalEvent) error {
	return f.store.SaveWaitingSignalEvent(ctx, event)
}

func (f *fakeCollaborators) RegisterTimerWait(ctx context.Context, node *definition.FlowNodeDefinition, inst *model.FlowNodeInstance) error {
	f.timerWaits = append(f.timerWaits, inst.Id)
	return nil
}

func (f *fakeCollaborators) RemoveWaits(ctx context.Context, flowNodeInstanceId int64) error {
	if err := f.store.DeleteWaitingEventsForFlowNode(ctx, flowNodeInstanceId); err != nil {
		return err
	}
	return f.store.DeleteWaitingSignalEventsForFlowNode(ctx, flowNodeInstanceId)
}

func (f *fakeCollaborators) StartCalledProcess(ctx context.Context, processName string, caller *model.FlowNodeInstance) (*model.ProcessInstance, error) {
	child := &model.ProcessInstance{
		Name:                processName,
		ProcessDefinitionId: 99,
		CallerId:            caller.Id,
		State:               model.ProcessStateStarted,
	}
	if err := f.store.SaveProcessInstance(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

func (f *fakeCollaborators) StartFlowNode(ctx context.Context, flowNodeInstanceId int64) error {
	f.startedNodes = append(f.startedNodes, flowNodeInstanceId)
	return nil
}

func (f *fakeCollaborators) AbortFlowNode(ctx context.Context, flowNodeInstanceId int64) error {
	f.abortedNodes = append(f.abortedNodes, flowNodeInstanceId)
	return nil
}

func (f *fakeCollaborators) FindChildProcessInstance(ctx context.Context, callerId int64) (*model.ProcessInstance, error) {
	return f.store.FindChildProcessInstance(ctx, callerId)
}

func (f *fakeCollaborators) InterruptProcessInstance(ctx context.Context, processInstanceId int64, interruptingEventId int64) error {
	f.interrupted = append(f.interrupted, processInstanceId)
	return nil
}

func (f *fakeCollaborators) ArchiveAndDeleteProcessInstance(ctx context.Context, processInstanceId int64) error {
	f.archivedDeleted = append(f.archivedDeleted, processInstanceId)
	return f.store.DeleteProcessInstance(ctx, processInstanceId)
}

func (f *fakeCollaborators) NotifyFlowCompletion(ctx context.Context, inst *model.FlowNodeInstance) error {
	f.completed = append(f.completed, inst.Id)
	return nil
}

func (f *fakeCollaborators) ThrowMessage(ctx context.Context, msg *model.MessageInstance) error {
	return f.store.SaveMessageInstance(ctx, msg)
}

func (f *fakeCollaborators) ThrowSignal(ctx context.Context, signalName string) error {
	return nil
}

type fixture struct {
	store   *sqlite.Store
	fake    *fakeCollaborators
	machine *StateMachine
	defs    *definition.Service
	proc    *model.ProcessInstance
}

func newFixture(t *testing.T, def *definition.ProcessDefinition) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := sqlite.NewStore(db)
	require.NoError(t, err)

	defs := definition.NewService(definition.NewMemoryStorage())
	require.NoError(t, defs.Deploy(def))

	fake := &fakeCollaborators{store: store}
	machine := NewStateMachine(store, defs, expr.NewEvaluator(), fake, fake, fake, nil)

	proc := &model.ProcessInstance{
		Name:                def.Name,
		ProcessDefinitionId: def.Id,
		State:               model.ProcessStateStarted,
		Data:                map[string]any{"count": 2, "i": 0},
	}
	require.NoError(t, store.SaveProcessInstance(context.Background(), proc))

	return &fixture{store: store, fake: fake, machine: machine, defs: defs, proc: proc}
}

func (f *fixture) newNode(t *testing.T, nodeDefId int64, kind model.FlowNodeKind) *model.FlowNodeInstance {
	t.Helper()
	inst := &model.FlowNodeInstance{
		FlowNodeDefinitionId: nodeDefId,
		Name:                 "node",
		Kind:                 kind,
		ProcessDefinitionId:  f.proc.ProcessDefinitionId,
		ProcessInstanceId:    f.proc.Id,
		StateId:              int(StateInitializing),
		StateName:            StateInitializing.Name(),
	}
	require.NoError(t, f.store.SaveFlowNodeInstance(context.Background(), inst))
	return inst
}

func simpleDefinition(nodes ...*definition.FlowNodeDefinition) *definition.ProcessDefinition {
	def := &definition.ProcessDefinition{
		Id:        1,
		Name:      "testProcess",
		FlowNodes: map[int64]*definition.FlowNodeDefinition{},
	}
	for _, n := range nodes {
		def.FlowNodes[n.Id] = n
	}
	return def
}

func TestAutomaticTaskRunsToCompletion(t *testing.T) {
	def := simpleDefinition(&definition.FlowNodeDefinition{
		Id: 1, Name: "auto", Kind: model.KindAutomaticTask,
	})
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindAutomaticTask)

	require.NoError(t, f.machine.StartNode(context.Background(), inst.Id))

	assert.Equal(t, []int64{inst.Id}, f.fake.completed)
	// Terminal nodes are archived, not kept live.
	live, err := f.store.ListFlowNodeInstances(context.Background(), f.proc.Id)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestCatchNodeRegistersWaitAndParks(t *testing.T) {
	def := simpleDefinition(&definition.FlowNodeDefinition{
		Id: 1, Name: "catch", Kind: model.KindIntermediateCatchEvent,
		MessageName: "wakeUp",
	})
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindIntermediateCatchEvent)
	ctx := context.Background()

	require.NoError(t, f.machine.StartNode(ctx, inst.Id))

	got, err := f.store.GetFlowNodeInstance(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, int(StateWaiting), got.StateId)
	assert.Empty(t, f.fake.completed)

	couldMatch, err := f.store.FindCandidateCouples(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, couldMatch)

	msg := &model.MessageInstance{MessageName: "wakeUp", TargetProcess: "testProcess"}
	require.NoError(t, f.store.SaveMessageInstance(ctx, msg))
	couples, err := f.store.FindCandidateCouples(ctx, 10)
	require.NoError(t, err)
	require.Len(t, couples, 1)

	require.NoError(t, f.machine.TriggerCatchEvent(ctx, inst.Id))
	assert.Equal(t, []int64{inst.Id}, f.fake.completed)

	// Completion removed the registration.
	couples, err = f.store.FindCandidateCouples(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, couples)
}

func TestCatchEventOnFinishedNodeIsANoop(t *testing.T) {
	def := simpleDefinition(&definition.FlowNodeDefinition{
		Id: 1, Name: "auto", Kind: model.KindAutomaticTask,
	})
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindAutomaticTask)
	ctx := context.Background()

	require.NoError(t, f.machine.StartNode(ctx, inst.Id))
	require.Len(t, f.fake.completed, 1)

	require.NoError(t, f.machine.TriggerCatchEvent(ctx, inst.Id))
	assert.Len(t, f.fake.completed, 1, "a finished node must not complete again")
}

func TestReentrancyGuardSkipsConcurrentStart(t *testing.T) {
	def := simpleDefinition(&definition.FlowNodeDefinition{
		Id: 1, Name: "auto", Kind: model.KindAutomaticTask,
	})
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindAutomaticTask)
	ctx := context.Background()

	// Another node claims execution first.
	applied, err := f.store.UpdateFlowNodeInstance(ctx, inst.Id,
		persistence.FieldUpdates{persistence.FieldStateExecuting: true},
		persistence.FieldUpdates{persistence.FieldStateExecuting: false})
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, f.machine.StartNode(ctx, inst.Id))
	assert.Empty(t, f.fake.completed, "guarded instance must not execute")
}

func TestCancellingCallActivityWithFinishedChild(t *testing.T) {
	def := simpleDefinition(&definition.FlowNodeDefinition{
		Id: 1, Name: "call", Kind: model.KindCallActivity, CalledProcess: "sub",
	})
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindCallActivity)
	ctx := context.Background()

	child, err := f.fake.StartCalledProcess(ctx, "sub", inst)
	require.NoError(t, err)

	// tokenCount = 0: the child already finished.
	require.NoError(t, f.machine.Cancel(ctx, inst.Id))

	assert.Equal(t, []int64{child.Id}, f.fake.archivedDeleted, "finished child is archived and deleted exactly once")
	assert.Empty(t, f.fake.interrupted)
}

func TestCancellingCallActivityWithRunningChild(t *testing.T) {
	def := simpleDefinition(&definition.FlowNodeDefinition{
		Id: 1, Name: "call", Kind: model.KindCallActivity, CalledProcess: "sub",
	})
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindCallActivity)
	ctx := context.Background()

	child, err := f.fake.StartCalledProcess(ctx, "sub", inst)
	require.NoError(t, err)

	_, err = f.store.UpdateFlowNodeInstance(ctx, inst.Id, persistence.FieldUpdates{persistence.FieldTokenCount: 1}, nil)
	require.NoError(t, err)

	require.NoError(t, f.machine.Cancel(ctx, inst.Id))

	assert.Equal(t, []int64{child.Id}, f.fake.interrupted, "running child is interrupted")
	assert.Empty(t, f.fake.archivedDeleted)
}

func TestCancellingCallActivityToleratesMissingChild(t *testing.T) {
	def := simpleDefinition(&definition.FlowNodeDefinition{
		Id: 1, Name: "call", Kind: model.KindCallActivity, CalledProcess: "sub",
	})
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindCallActivity)

	// No child exists at all: cancellation still succeeds.
	require.NoError(t, f.machine.Cancel(context.Background(), inst.Id))
	assert.Empty(t, f.fake.interrupted)
	assert.Empty(t, f.fake.archivedDeleted)
}

func TestMultiInstanceZeroCardinalityCompletesDirectly(t *testing.T) {
	def := simpleDefinition(&definition.FlowNodeDefinition{
		Id: 1, Name: "multi", Kind: model.KindMultiInstance,
		Loop: &definition.LoopCharacteristics{CardinalityExpr: "0"},
	})
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindMultiInstance)
	ctx := context.Background()

	require.NoError(t, f.machine.StartNode(ctx, inst.Id))

	assert.Equal(t, []int64{inst.Id}, f.fake.completed, "zero instances proceeds straight to completion")
	live, err := f.store.ListFlowNodeInstances(ctx, f.proc.Id)
	require.NoError(t, err)
	assert.Empty(t, live, "no children were created")
}

func TestMultiInstanceSpawnsExactlyNChildren(t *testing.T) {
	def := simpleDefinition(&definition.FlowNodeDefinition{
		Id: 1, Name: "multi", Kind: model.KindMultiInstance,
		Loop: &definition.LoopCharacteristics{CardinalityExpr: "$.count + 1"},
	})
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindMultiInstance)
	ctx := context.Background()

	require.NoError(t, f.machine.StartNode(ctx, inst.Id))

	got, err := f.store.GetFlowNodeInstance(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, int(StateWaiting), got.StateId)
	assert.Equal(t, 3, got.TokenCount)

	live, err := f.store.ListFlowNodeInstances(ctx, f.proc.Id)
	require.NoError(t, err)
	children := 0
	for _, n := range live {
		if n.ParentActivityInstanceId == inst.Id {
			children++
			assert.NotZero(t, n.LoopCounter)
		}
	}
	assert.Equal(t, 3, children)
	assert.Len(t, f.fake.startedNodes, 3, "every child was handed off for execution")
}

func TestLoopRunsBodyWhileConditionHolds(t *testing.T) {
	def := simpleDefinition(&definition.FlowNodeDefinition{
		Id: 1, Name: "loop", Kind: model.KindLoop,
		ScriptExpr: "({i: $.i + 1})",
		Loop:       &definition.LoopCharacteristics{LoopConditionExpr: "$.i < 3"},
	})
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindLoop)
	ctx := context.Background()

	require.NoError(t, f.machine.StartNode(ctx, inst.Id))

	assert.Equal(t, []int64{inst.Id}, f.fake.completed)
	proc, err := f.store.GetProcessInstance(ctx, f.proc.Id)
	require.NoError(t, err)
	assert.EqualValues(t, 3, proc.Data["i"], "body ran until the condition turned false")
}

func TestLoopWithFalseConditionNeverRunsBody(t *testing.T) {
	def := simpleDefinition(&definition.FlowNodeDefinition{
		Id: 1, Name: "loop", Kind: model.KindLoop,
		ScriptExpr: "({i: $.i + 1})",
		Loop:       &definition.LoopCharacteristics{LoopConditionExpr: "$.i < 0"},
	})
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindLoop)
	ctx := context.Background()

	require.NoError(t, f.machine.StartNode(ctx, inst.Id))

	assert.Equal(t, []int64{inst.Id}, f.fake.completed)
	proc, err := f.store.GetProcessInstance(ctx, f.proc.Id)
	require.NoError(t, err)
	assert.EqualValues(t, 0, proc.Data["i"], "data is untouched when the condition starts out false")
}

func TestLoopWithoutConditionRunsBodyOnce(t *testing.T) {
	def := simpleDefinition(&definition.FlowNodeDefinition{
		Id: 1, Name: "loop", Kind: model.KindLoop,
		ScriptExpr: "({i: $.i + 1})",
	})
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindLoop)
	ctx := context.Background()

	require.NoError(t, f.machine.StartNode(ctx, inst.Id))

	assert.Equal(t, []int64{inst.Id}, f.fake.completed)
	proc, err := f.store.GetProcessInstance(ctx, f.proc.Id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, proc.Data["i"])
}

func TestSubProcessSpawnsContainedNodesAndParks(t *testing.T) {
	def := simpleDefinition(
		&definition.FlowNodeDefinition{
			Id: 1, Name: "scope", Kind: model.KindSubProcess,
			ContainedNodeIds: []int64{2},
		},
		&definition.FlowNodeDefinition{Id: 2, Name: "inner", Kind: model.KindAutomaticTask},
	)
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindSubProcess)
	ctx := context.Background()

	require.NoError(t, f.machine.StartNode(ctx, inst.Id))

	got, err := f.store.GetFlowNodeInstance(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, int(StateWaiting), got.StateId)
	assert.Equal(t, 1, got.TokenCount, "one token per entry node")

	live, err := f.store.ListFlowNodeInstances(ctx, f.proc.Id)
	require.NoError(t, err)
	var child *model.FlowNodeInstance
	for _, n := range live {
		if n.ParentActivityInstanceId == inst.Id {
			child = n
		}
	}
	require.NotNil(t, child, "entry node was created inside the scope")
	assert.Equal(t, model.KindAutomaticTask, child.Kind)
	assert.Equal(t, []int64{child.Id}, f.fake.startedNodes)
}

func TestCancellingSubProcessAbortsInnerNodes(t *testing.T) {
	def := simpleDefinition(
		&definition.FlowNodeDefinition{
			Id: 1, Name: "scope", Kind: model.KindSubProcess,
			ContainedNodeIds: []int64{2},
		},
		&definition.FlowNodeDefinition{Id: 2, Name: "inner", Kind: model.KindReceiveTask, MessageName: "never"},
	)
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindSubProcess)
	ctx := context.Background()

	require.NoError(t, f.machine.StartNode(ctx, inst.Id))

	live, err := f.store.ListFlowNodeInstances(ctx, f.proc.Id)
	require.NoError(t, err)
	var child *model.FlowNodeInstance
	for _, n := range live {
		if n.ParentActivityInstanceId == inst.Id {
			child = n
		}
	}
	require.NotNil(t, child)

	require.NoError(t, f.machine.Cancel(ctx, inst.Id))
	assert.Equal(t, []int64{child.Id}, f.fake.abortedNodes, "live inner node is torn down with the scope")
}

func TestAbortedNodeIsArchivedWithWaitsRemoved(t *testing.T) {
	def := simpleDefinition(&definition.FlowNodeDefinition{
		Id: 1, Name: "catch", Kind: model.KindReceiveTask, MessageName: "never",
	})
	f := newFixture(t, def)
	inst := f.newNode(t, 1, model.KindReceiveTask)
	ctx := context.Background()

	require.NoError(t, f.machine.StartNode(ctx, inst.Id))
	require.NoError(t, f.machine.Abort(ctx, inst.Id))

	msg := &model.MessageInstance{MessageName: "never", TargetProcess: "testProcess"}
	require.NoError(t, f.store.SaveMessageInstance(ctx, msg))
	couples, err := f.store.FindCandidateCouples(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, couples, "aborted node left no waiting events behind")
}
