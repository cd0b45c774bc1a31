package flownode

import (
	"context"

	"github.com/procflow/procflow/definition"
	"github.com/procflow/procflow/model"
)

// WaitRegistry registers and removes the catch sides a flow node waits on.
// Implemented by the engine, which also owns the timer job scheduling behind
// RegisterTimerWait.
type WaitRegistry interface {
	RegisterMessageWait(ctx context.Context, event *model.WaitingMessageEvent) error
	RegisterSignalWait(ctx context.Context, event *model.WaitingSignalEvent) error
	RegisterTimerWait(ctx context.Context, node *definition.FlowNodeDefinition, inst *model.FlowNodeInstance) error
	RemoveWaits(ctx context.Context, flowNodeInstanceId int64) error
}

// ProcessHandler is the engine-side surface for call activities and flow
// completion.
type ProcessHandler interface {
	StartCalledProcess(ctx context.Context, processName string, caller *model.FlowNodeInstance) (*model.ProcessInstance, error)
	StartFlowNode(ctx context.Context, flowNodeInstanceId int64) error
	AbortFlowNode(ctx context.Context, flowNodeInstanceId int64) error
	FindChildProcessInstance(ctx context.Context, callerId int64) (*model.ProcessInstance, error)
	InterruptProcessInstance(ctx context.Context, processInstanceId int64, interruptingEventId int64) error
	ArchiveAndDeleteProcessInstance(ctx context.Context, processInstanceId int64) error
	NotifyFlowCompletion(ctx context.Context, inst *model.FlowNodeInstance) error
}

// Thrower emits throw-side events. Implemented by the engine.
type Thrower interface {
	ThrowMessage(ctx context.Context, msg *model.MessageInstance) error
	ThrowSignal(ctx context.Context, signalName string) error
}

// ConnectorRunner executes the connectors attached to a flow node around its
// lifecycle. A nil runner means no connectors are configured.
type ConnectorRunner interface {
	RunOnEnterConnectors(ctx context.Context, node *definition.FlowNodeDefinition, inst *model.FlowNodeInstance) error
	RunOnFinishConnectors(ctx context.Context, node *definition.FlowNodeDefinition, inst *model.FlowNodeInstance) error
}
