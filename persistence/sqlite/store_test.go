package sqlite

import (
	"context"
	"database/sql"
	"testing"

	"github.com/procflow/procflow/model"
	"github.com/procflow/procflow/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func TestFlowNodeInstanceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := &model.FlowNodeInstance{
		FlowNodeDefinitionId: 3,
		Name:                 "approve",
		Kind:                 model.KindUserTask,
		ProcessDefinitionId:  1,
		ProcessInstanceId:    10,
		StateId:              1,
		StateName:            "initializing",
	}
	require.NoError(t, store.SaveFlowNodeInstance(ctx, inst))
	require.NotZero(t, inst.Id)

	got, err := store.GetFlowNodeInstance(ctx, inst.Id)
	require.NoError(t, err)
	assert.Equal(t, "approve", got.Name)
	assert.Equal(t, model.KindUserTask, got.Kind)

	_, err = store.GetFlowNodeInstance(ctx, 9999)
	var notFound persistence.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSaveFlowNodeInstancesAssignsIdsToWholeBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := []*model.FlowNodeInstance{
		{FlowNodeDefinitionId: 3, Name: "a", Kind: model.KindAutomaticTask, ProcessInstanceId: 10, ParentActivityInstanceId: 5, LoopCounter: 1, StateId: 1, StateName: "initializing"},
		{FlowNodeDefinitionId: 3, Name: "b", Kind: model.KindAutomaticTask, ProcessInstanceId: 10, ParentActivityInstanceId: 5, LoopCounter: 2, StateId: 1, StateName: "initializing"},
		{FlowNodeDefinitionId: 3, Name: "c", Kind: model.KindAutomaticTask, ProcessInstanceId: 10, ParentActivityInstanceId: 5, LoopCounter: 3, StateId: 1, StateName: "initializing"},
	}
	require.NoError(t, store.SaveFlowNodeInstances(ctx, batch))

	seen := map[int64]bool{}
	for _, inst := range batch {
		require.NotZero(t, inst.Id)
		assert.False(t, seen[inst.Id], "ids are distinct across the batch")
		seen[inst.Id] = true

		got, err := store.GetFlowNodeInstance(ctx, inst.Id)
		require.NoError(t, err)
		assert.Equal(t, inst.Name, got.Name)
		assert.Equal(t, inst.LoopCounter, got.LoopCounter)
		assert.EqualValues(t, 5, got.ParentActivityInstanceId)
	}

	list, err := store.ListFlowNodeInstances(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestGuardedUpdateReportsLostRace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := &model.FlowNodeInstance{Name: "n", Kind: model.KindAutomaticTask, ProcessInstanceId: 1, StateId: 1, StateName: "initializing"}
	require.NoError(t, store.SaveFlowNodeInstance(ctx, inst))

	applied, err := store.UpdateFlowNodeInstance(ctx, inst.Id,
		persistence.FieldUpdates{persistence.FieldStateExecuting: true},
		persistence.FieldUpdates{persistence.FieldStateExecuting: false})
	require.NoError(t, err)
	assert.True(t, applied)

	// Second claim fails the guard: a lost race, not an error.
	applied, err = store.UpdateFlowNodeInstance(ctx, inst.Id,
		persistence.FieldUpdates{persistence.FieldStateExecuting: true},
		persistence.FieldUpdates{persistence.FieldStateExecuting: false})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestUpdateRejectsUnknownField(t *testing.T) {
	store := newTestStore(t)
	inst := &model.FlowNodeInstance{Name: "n", Kind: model.KindAutomaticTask, ProcessInstanceId: 1, StateId: 1, StateName: "s"}
	require.NoError(t, store.SaveFlowNodeInstance(context.Background(), inst))

	_, err := store.UpdateFlowNodeInstance(context.Background(), inst.Id,
		persistence.FieldUpdates{"no_such_field": 1}, nil)
	require.Error(t, err)
}

func TestArchiveFlowNodeInstanceRemovesLiveRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := &model.FlowNodeInstance{Name: "n", Kind: model.KindAutomaticTask, ProcessInstanceId: 1, StateId: 6, StateName: "completed", Terminal: true}
	require.NoError(t, store.SaveFlowNodeInstance(ctx, inst))
	require.NoError(t, store.ArchiveFlowNodeInstance(ctx, inst))

	_, err := store.GetFlowNodeInstance(ctx, inst.Id)
	var notFound persistence.NotFoundError
	require.ErrorAs(t, err, &notFound)

	list, err := store.ListFlowNodeInstances(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFindChildProcessInstance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	child := &model.ProcessInstance{Name: "child", ProcessDefinitionId: 2, CallerId: 55, State: model.ProcessStateStarted}
	require.NoError(t, store.SaveProcessInstance(ctx, child))

	got, err := store.FindChildProcessInstance(ctx, 55)
	require.NoError(t, err)
	assert.Equal(t, child.Id, got.Id)

	_, err = store.FindChildProcessInstance(ctx, 56)
	var notFound persistence.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestFindCandidateCouplesMatchingRules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	keys := model.CorrelationKeys{{Name: "orderId", Value: "42"}}

	msg := &model.MessageInstance{MessageName: "shipped", TargetProcess: "orders", Correlations: keys}
	require.NoError(t, store.SaveMessageInstance(ctx, msg))

	matching := &model.WaitingMessageEvent{
		EventType: model.EventTypeIntermediateCatch, MessageName: "shipped",
		ProcessName: "orders", Correlations: keys, Active: true,
	}
	require.NoError(t, store.SaveWaitingEvent(ctx, matching))

	wrongKeys := &model.WaitingMessageEvent{
		EventType: model.EventTypeIntermediateCatch, MessageName: "shipped",
		ProcessName: "orders", Correlations: model.CorrelationKeys{{Name: "orderId", Value: "43"}}, Active: true,
	}
	require.NoError(t, store.SaveWaitingEvent(ctx, wrongKeys))

	wrongProcess := &model.WaitingMessageEvent{
		EventType: model.EventTypeIntermediateCatch, MessageName: "shipped",
		ProcessName: "claims", Correlations: keys, Active: true,
	}
	require.NoError(t, store.SaveWaitingEvent(ctx, wrongProcess))

	inactive := &model.WaitingMessageEvent{
		EventType: model.EventTypeIntermediateCatch, MessageName: "shipped",
		ProcessName: "orders", Correlations: keys, Active: false,
	}
	require.NoError(t, store.SaveWaitingEvent(ctx, inactive))

	couples, err := store.FindCandidateCouples(ctx, 10)
	require.NoError(t, err)
	require.Len(t, couples, 1)
	assert.Equal(t, msg.Id, couples[0].MessageInstanceId)
	assert.Equal(t, matching.Id, couples[0].WaitingMessageId)
	assert.Equal(t, model.EventTypeIntermediateCatch, couples[0].WaitingEventType)
}

func TestFindCandidateCouplesTargetFlowNode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg := &model.MessageInstance{MessageName: "go", TargetProcess: "p", TargetFlowNode: "stepB"}
	require.NoError(t, store.SaveMessageInstance(ctx, msg))

	stepA := &model.WaitingMessageEvent{
		EventType: model.EventTypeIntermediateCatch, MessageName: "go",
		ProcessName: "p", FlowNodeName: "stepA", Active: true,
	}
	require.NoError(t, store.SaveWaitingEvent(ctx, stepA))
	stepB := &model.WaitingMessageEvent{
		EventType: model.EventTypeIntermediateCatch, MessageName: "go",
		ProcessName: "p", FlowNodeName: "stepB", Active: true,
	}
	require.NoError(t, store.SaveWaitingEvent(ctx, stepB))

	couples, err := store.FindCandidateCouples(ctx, 10)
	require.NoError(t, err)
	require.Len(t, couples, 1)
	assert.Equal(t, stepB.Id, couples[0].WaitingMessageId)
}

func TestFindCandidateCouplesOldestMessageFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := &model.MessageInstance{MessageName: "m", TargetProcess: "p"}
	require.NoError(t, store.SaveMessageInstance(ctx, older))
	newer := &model.MessageInstance{MessageName: "m", TargetProcess: "p"}
	require.NoError(t, store.SaveMessageInstance(ctx, newer))

	event := &model.WaitingMessageEvent{
		EventType: model.EventTypeStart, MessageName: "m", ProcessName: "p", Active: true,
	}
	require.NoError(t, store.SaveWaitingEvent(ctx, event))

	couples, err := store.FindCandidateCouples(ctx, 10)
	require.NoError(t, err)
	require.Len(t, couples, 2)
	assert.Equal(t, older.Id, couples[0].MessageInstanceId)
	assert.Equal(t, newer.Id, couples[1].MessageInstanceId)
}

func TestTimerTriggerLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	trigger := &model.TimerEventTrigger{
		FlowNodeInstanceId: 12,
		EventInstanceId:    12,
		JobTriggerName:     "timer-12-abc",
		ExecutionDate:      1000,
	}
	require.NoError(t, store.SaveTimerTrigger(ctx, trigger))
	require.NotZero(t, trigger.Id)

	got, err := store.FindTimerTrigger(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, "timer-12-abc", got.JobTriggerName)

	require.NoError(t, store.DeleteTimerTrigger(ctx, got))
	_, err = store.FindTimerTrigger(ctx, 12)
	var notFound persistence.NotFoundError
	require.ErrorAs(t, err, &notFound)
}
