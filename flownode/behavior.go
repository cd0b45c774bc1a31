package flownode

import (
	"context"
	"time"

	"github.com/procflow/procflow/definition"
	"github.com/procflow/procflow/expr"
	"github.com/procflow/procflow/logger"
	"github.com/procflow/procflow/model"
	"github.com/procflow/procflow/persistence"
	"go.uber.org/zap"
)

// ExecutionContext carries everything a behavior hook needs: the definition
// side, the running instance and the process data visible to expressions.
type ExecutionContext struct {
	Process  *definition.ProcessDefinition
	Node     *definition.FlowNodeDefinition
	Instance *model.FlowNodeInstance
	Data     map[string]any
}

// Behavior is the per-kind extension surface of the state machine. Hooks run
// in fixed order: BeforeOnEnter, the enter connectors, AfterConnectors and
// OnEnterToOnFinish during entry, then the finish connectors and AfterOnFinish
// when the node completes.
type Behavior interface {
	BeforeOnEnter(ctx context.Context, ec *ExecutionContext) error
	AfterConnectors(ctx context.Context, ec *ExecutionContext) error
	OnEnterToOnFinish(ctx context.Context, ec *ExecutionContext) error
	AfterOnFinish(ctx context.Context, ec *ExecutionContext) error
	// ShouldExecuteState is consulted before entering cancelling/aborting.
	// Returning false skips the state's work and moves straight to the
	// terminal state.
	ShouldExecuteState(ctx context.Context, ec *ExecutionContext, state StateId) (bool, error)
	// Waits reports whether the node parks in the waiting state after
	// onEnter instead of completing immediately.
	Waits(node *definition.FlowNodeDefinition) bool
}

type deps struct {
	store     persistence.EventStore
	eval      *expr.Evaluator
	waits     WaitRegistry
	processes ProcessHandler
	thrower   Thrower
}

// baseBehavior carries the hooks every kind shares: the expected-duration
// deadline after connectors and the display name/description refreshes.
type baseBehavior struct {
	d *deps
}

func (b *baseBehavior) BeforeOnEnter(ctx context.Context, ec *ExecutionContext) error {
	return nil
}

func (b *baseBehavior) AfterConnectors(ctx context.Context, ec *ExecutionContext) error {
	if ec.Node.ExpectedDurationExpr == "" {
		return nil
	}
	d, err := b.d.eval.EvaluateDuration(ec.Node.ExpectedDurationExpr, ec.Data)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(d).UnixMilli()
	ec.Instance.ExpectedEndDate = deadline
	_, err = b.d.store.UpdateFlowNodeInstance(ctx, ec.Instance.Id,
		persistence.FieldUpdates{persistence.FieldExpectedEndDate: deadline}, nil)
	return err
}

func (b *baseBehavior) OnEnterToOnFinish(ctx context.Context, ec *ExecutionContext) error {
	return b.refreshDisplay(ctx, ec, ec.Node.DisplayNameExpr, persistence.FieldDisplayName)
}

func (b *baseBehavior) AfterOnFinish(ctx context.Context, ec *ExecutionContext) error {
	return b.refreshDisplay(ctx, ec, ec.Node.DisplayDescriptionExpr, persistence.FieldDisplayDescription)
}

func (b *baseBehavior) ShouldExecuteState(ctx context.Context, ec *ExecutionContext, state StateId) (bool, error) {
	return true, nil
}

func (b *baseBehavior) Waits(node *definition.FlowNodeDefinition) bool {
	return false
}

func (b *baseBehavior) refreshDisplay(ctx context.Context, ec *ExecutionContext, template string, field string) error {
	if template == "" {
		return nil
	}
	resolved := b.d.eval.ResolveTemplate(ec.Data, template)
	switch field {
	case persistence.FieldDisplayName:
		ec.Instance.DisplayName = resolved
	case persistence.FieldDisplayDescription:
		ec.Instance.DisplayDescription = resolved
	}
	_, err := b.d.store.UpdateFlowNodeInstance(ctx, ec.Instance.Id,
		persistence.FieldUpdates{field: resolved}, nil)
	return err
}

// registerCatchEvents persists the waiting events a node's definition
// declares. Message and signal waits belong in BeforeOnEnter; timer waits go
// through AfterConnectors because connector execution may alter the duration
// expression's inputs.
func (b *baseBehavior) registerCatchEvents(ctx context.Context, ec *ExecutionContext, eventType model.EventType) error {
	if ec.Node.MessageName != "" {
		event := &model.WaitingMessageEvent{
			EventType:               eventType,
			MessageName:             ec.Node.MessageName,
			ProcessName:             ec.Process.Name,
			FlowNodeName:            ec.Node.Name,
			ProcessDefinitionId:     ec.Process.Id,
			FlowNodeDefinitionId:    ec.Node.Id,
			FlowNodeInstanceId:      ec.Instance.Id,
			RootProcessInstanceId:   ec.Instance.RootProcessInstanceId,
			ParentProcessInstanceId: ec.Instance.ProcessInstanceId,
			Interrupting:            ec.Node.Interrupting,
			Correlations:            b.evaluateCorrelations(ec),
			Progress:                model.ProgressFree,
			Active:                  true,
		}
		if err := b.d.waits.RegisterMessageWait(ctx, event); err != nil {
			return err
		}
		logger.Debug("registered message wait",
			zap.String("message", ec.Node.MessageName),
			zap.Int64("flowNodeInstanceId", ec.Instance.Id))
	}
	if ec.Node.SignalName != "" {
		event := &model.WaitingSignalEvent{
			SignalName:           ec.Node.SignalName,
			EventType:            eventType,
			ProcessDefinitionId:  ec.Process.Id,
			FlowNodeDefinitionId: ec.Node.Id,
			FlowNodeInstanceId:   ec.Instance.Id,
		}
		if err := b.d.waits.RegisterSignalWait(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseBehavior) evaluateCorrelations(ec *ExecutionContext) model.CorrelationKeys {
	keys := make(model.CorrelationKeys, 0, len(ec.Node.CorrelationExprs))
	for name, path := range ec.Node.CorrelationExprs {
		value, err := b.d.eval.Lookup(ec.Data, path)
		if err != nil {
			logger.Warn("correlation expression did not resolve",
				zap.String("key", name), zap.String("expr", path), zap.Error(err))
			continue
		}
		keys = append(keys, model.CorrelationKey{Name: name, Value: expr.Stringify(value)})
	}
	return keys
}
