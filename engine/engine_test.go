package engine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/procflow/procflow/definition"
	"github.com/procflow/procflow/expr"
	"github.com/procflow/procflow/model"
	"github.com/procflow/procflow/persistence/memory"
	"github.com/procflow/procflow/persistence/sqlite"
	"github.com/procflow/procflow/scheduler"
	"github.com/procflow/procflow/work"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type engineFixture struct {
	store *sqlite.Store
	queue *memory.WorkQueue
	eng   *Engine
	jobs  *scheduler.Scheduler
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := sqlite.NewStore(db)
	require.NoError(t, err)

	queue := memory.NewWorkQueue(64)
	eng := NewEngine(store, definition.NewService(definition.NewMemoryStorage()), expr.NewEvaluator(), work.NewScheduler(queue))
	jobs := scheduler.New(eng, 64, time.Second)
	jobs.AddListener(NewTimerCleanupListener(store))
	require.NoError(t, jobs.Start())
	t.Cleanup(func() { jobs.Stop() })
	eng.Bind(jobs, nil)
	require.NoError(t, eng.Start())
	t.Cleanup(func() { eng.Stop() })

	return &engineFixture{store: store, queue: queue, eng: eng, jobs: jobs}
}

func (f *engineFixture) deploy(t *testing.T, def *definition.ProcessDefinition) {
	t.Helper()
	require.NoError(t, f.eng.DeployProcess(context.Background(), def))
}

func TestSequenceFlowCompletesProcess(t *testing.T) {
	f := newEngineFixture(t)
	f.deploy(t, &definition.ProcessDefinition{
		Id:           1,
		Name:         "order",
		StartNodeIds: []int64{1},
		FlowNodes: map[int64]*definition.FlowNodeDefinition{
			1: {Id: 1, Name: "start", Kind: model.KindStartEvent, Outgoing: []int64{2}},
			2: {Id: 2, Name: "price", Kind: model.KindAutomaticTask, ScriptExpr: "({total: $.amount * 2})", Outgoing: []int64{3}},
			3: {Id: 3, Name: "end", Kind: model.KindEndEvent},
		},
	})
	ctx := context.Background()

	inst, err := f.eng.StartProcess(ctx, "order", map[string]any{"amount": 21})
	require.NoError(t, err)

	proc, err := f.store.GetProcessInstance(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessStateCompleted, proc.State)
	assert.NotZero(t, proc.EndDate)
	assert.EqualValues(t, 42, proc.Data["total"])

	live, err := f.store.ListFlowNodeInstances(ctx, inst.Id)
	require.NoError(t, err)
	assert.Empty(t, live, "finished nodes are archived out of the live table")
}

func TestCallActivityRunsChildToCompletion(t *testing.T) {
	f := newEngineFixture(t)
	f.deploy(t, &definition.ProcessDefinition{
		Id:           1,
		Name:         "sub",
		StartNodeIds: []int64{1},
		FlowNodes: map[int64]*definition.FlowNodeDefinition{
			1: {Id: 1, Name: "work", Kind: model.KindAutomaticTask},
		},
	})
	f.deploy(t, &definition.ProcessDefinition{
		Id:           2,
		Name:         "parent",
		StartNodeIds: []int64{1},
		FlowNodes: map[int64]*definition.FlowNodeDefinition{
			1: {Id: 1, Name: "call", Kind: model.KindCallActivity, CalledProcess: "sub", Outgoing: []int64{2}},
			2: {Id: 2, Name: "end", Kind: model.KindEndEvent},
		},
	})
	ctx := context.Background()

	inst, err := f.eng.StartProcess(ctx, "parent", nil)
	require.NoError(t, err)

	proc, err := f.store.GetProcessInstance(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessStateCompleted, proc.State,
		"the synchronously finished child resumed the call activity")

	// The call activity is the first flow node instance created.
	child, err := f.store.FindChildProcessInstance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessStateCompleted, child.State)
	assert.Equal(t, inst.Id, child.RootProcessInstanceId)
}

func TestMultiInstanceRunsChildrenAndContinues(t *testing.T) {
	f := newEngineFixture(t)
	f.deploy(t, &definition.ProcessDefinition{
		Id:           1,
		Name:         "batch",
		StartNodeIds: []int64{1},
		FlowNodes: map[int64]*definition.FlowNodeDefinition{
			1: {Id: 1, Name: "fanout", Kind: model.KindMultiInstance,
				Loop: &definition.LoopCharacteristics{CardinalityExpr: "3"}, Outgoing: []int64{2}},
			2: {Id: 2, Name: "end", Kind: model.KindEndEvent},
		},
	})
	ctx := context.Background()

	inst, err := f.eng.StartProcess(ctx, "batch", nil)
	require.NoError(t, err)

	proc, err := f.store.GetProcessInstance(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessStateCompleted, proc.State,
		"all children ran and the parent continued the flow")
}

func TestSubProcessRunsInnerFlowAndContinues(t *testing.T) {
	f := newEngineFixture(t)
	f.deploy(t, &definition.ProcessDefinition{
		Id:           1,
		Name:         "review",
		StartNodeIds: []int64{1},
		FlowNodes: map[int64]*definition.FlowNodeDefinition{
			1: {Id: 1, Name: "start", Kind: model.KindStartEvent, Outgoing: []int64{2}},
			2: {Id: 2, Name: "checks", Kind: model.KindSubProcess, ContainedNodeIds: []int64{3}, Outgoing: []int64{5}},
			3: {Id: 3, Name: "inspect", Kind: model.KindAutomaticTask, ScriptExpr: "({checked: true})", Outgoing: []int64{4}},
			4: {Id: 4, Name: "record", Kind: model.KindAutomaticTask},
			5: {Id: 5, Name: "end", Kind: model.KindEndEvent},
		},
	})
	ctx := context.Background()

	inst, err := f.eng.StartProcess(ctx, "review", nil)
	require.NoError(t, err)

	proc, err := f.store.GetProcessInstance(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessStateCompleted, proc.State,
		"the inner flow ran to its end and released the scope")
	assert.Equal(t, true, proc.Data["checked"])

	live, err := f.store.ListFlowNodeInstances(ctx, inst.Id)
	require.NoError(t, err)
	assert.Empty(t, live, "the scope and its inner nodes are archived")
}

func TestMessageStartEventSpawnsInstance(t *testing.T) {
	f := newEngineFixture(t)
	f.deploy(t, &definition.ProcessDefinition{
		Id:           1,
		Name:         "onboarding",
		StartNodeIds: []int64{1},
		FlowNodes: map[int64]*definition.FlowNodeDefinition{
			1: {Id: 1, Name: "start", Kind: model.KindStartEvent, MessageName: "signup", Outgoing: []int64{2}},
			2: {Id: 2, Name: "create", Kind: model.KindAutomaticTask},
		},
	})
	ctx := context.Background()

	// DeployProcess registered a start-event wait not bound to any instance.
	couplesBefore, err := f.store.FindCandidateCouples(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, couplesBefore)

	msg := &model.MessageInstance{MessageName: "signup", TargetProcess: "onboarding"}
	require.NoError(t, f.eng.ThrowMessage(ctx, msg))

	couples, err := f.store.FindCandidateCouples(ctx, 10)
	require.NoError(t, err)
	require.Len(t, couples, 1)
	assert.Equal(t, model.EventTypeStart, couples[0].WaitingEventType)

	event, err := f.store.GetWaitingEvent(ctx, couples[0].WaitingMessageId)
	require.NoError(t, err)
	require.NoError(t, f.eng.TriggerMessageCatchEvent(ctx, event, msg))

	spawned, err := f.store.FindChildProcessInstance(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "onboarding", spawned.Name)
	assert.Equal(t, model.ProcessStateCompleted, spawned.State)

	// The start-event wait survives for the next message.
	event, err = f.store.GetWaitingEvent(ctx, couples[0].WaitingMessageId)
	require.NoError(t, err)
	assert.Equal(t, model.ProgressFree, event.Progress)
}

func TestThrowSignalFansOutToAllWaiters(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, f.store.SaveWaitingSignalEvent(ctx, &model.WaitingSignalEvent{
			SignalName:         "halt",
			EventType:          model.EventTypeIntermediateCatch,
			FlowNodeInstanceId: i,
		}))
	}
	require.NoError(t, f.store.SaveWaitingSignalEvent(ctx, &model.WaitingSignalEvent{
		SignalName:         "other",
		EventType:          model.EventTypeIntermediateCatch,
		FlowNodeInstanceId: 9,
	}))

	require.NoError(t, f.eng.ThrowSignal(ctx, "halt"))
	assert.Equal(t, 3, f.queue.Len(), "one work unit per registered waiter of the thrown signal")
}

func TestInterruptedProcessDoesNotComplete(t *testing.T) {
	f := newEngineFixture(t)
	f.deploy(t, &definition.ProcessDefinition{
		Id:           1,
		Name:         "longrunner",
		StartNodeIds: []int64{1},
		FlowNodes: map[int64]*definition.FlowNodeDefinition{
			1: {Id: 1, Name: "wait", Kind: model.KindReceiveTask, MessageName: "never"},
		},
	})
	ctx := context.Background()

	inst, err := f.eng.StartProcess(ctx, "longrunner", nil)
	require.NoError(t, err)

	require.NoError(t, f.eng.InterruptProcessInstance(ctx, inst.Id, 77))

	proc, err := f.store.GetProcessInstance(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessStateInterrupted, proc.State,
		"aborting the last node must not flip an interrupted process to completed")
	assert.EqualValues(t, 77, proc.InterruptingEventId)

	live, err := f.store.ListFlowNodeInstances(ctx, inst.Id)
	require.NoError(t, err)
	assert.Empty(t, live, "aborted nodes are archived")
}
