package definition

import (
	"fmt"

	"github.com/procflow/procflow/model"
)

type TimerKind string

const (
	TimerDuration TimerKind = "DURATION"
	TimerDate     TimerKind = "DATE"
	TimerCycle    TimerKind = "CYCLE"
)

// TimerDefinition describes a timer trigger. Expression is a duration
// expression for DURATION timers, a RFC3339 date for DATE timers and a cron
// spec for CYCLE timers.
type TimerDefinition struct {
	Kind       TimerKind
	Expression string
}

type LoopCharacteristics struct {
	Sequential        bool
	CardinalityExpr   string
	LoopConditionExpr string
}

// FlowNodeDefinition is the static description of one node of a process
// definition, carrying just the structure the state machine hooks consult.
type FlowNodeDefinition struct {
	Id                     int64
	Name                   string
	Kind                   model.FlowNodeKind
	Outgoing               []int64
	BoundaryEventIds       []int64
	AttachedToId           int64
	Interrupting           bool
	MessageName            string
	SignalName             string
	Timer                  *TimerDefinition
	Loop                   *LoopCharacteristics
	ContainedNodeIds       []int64
	CalledProcess          string
	ScriptExpr             string
	ActorName              string
	CorrelationExprs       map[string]string
	DisplayNameExpr        string
	DisplayDescriptionExpr string
	ExpectedDurationExpr   string
}

// ProcessDefinition is the deployable unit. StartNodeIds are the nodes a
// plain start enters; EventSubProcessIds name sub-process nodes that are
// entered by an event firing against a running instance instead of by
// sequence flow.
type ProcessDefinition struct {
	Id                 int64
	Name               string
	Version            string
	StartNodeIds       []int64
	EventSubProcessIds []int64
	FlowNodes          map[int64]*FlowNodeDefinition
}

func (p *ProcessDefinition) FlowNode(id int64) (*FlowNodeDefinition, error) {
	def, ok := p.FlowNodes[id]
	if !ok {
		return nil, fmt.Errorf("process %s has no flow node %d", p.Name, id)
	}
	return def, nil
}

// Validate checks the structural invariants a deployment must satisfy.
func (p *ProcessDefinition) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("process definition requires a name")
	}
	if len(p.FlowNodes) == 0 {
		return fmt.Errorf("process %s has no flow nodes", p.Name)
	}
	for id, node := range p.FlowNodes {
		if node.Id != id {
			return fmt.Errorf("process %s: flow node %d registered under id %d", p.Name, node.Id, id)
		}
		if node.Kind == model.KindBoundaryEvent && node.AttachedToId == 0 {
			return fmt.Errorf("process %s: boundary event %s is not attached to an activity", p.Name, node.Name)
		}
		if node.Kind == model.KindSubProcess && len(node.ContainedNodeIds) == 0 {
			return fmt.Errorf("process %s: sub process %s contains no flow nodes", p.Name, node.Name)
		}
		for _, next := range node.Outgoing {
			if _, ok := p.FlowNodes[next]; !ok {
				return fmt.Errorf("process %s: flow node %s targets unknown node %d", p.Name, node.Name, next)
			}
		}
		for _, contained := range node.ContainedNodeIds {
			if _, ok := p.FlowNodes[contained]; !ok {
				return fmt.Errorf("process %s: sub process %s contains unknown node %d", p.Name, node.Name, contained)
			}
		}
	}
	for _, id := range p.StartNodeIds {
		if _, ok := p.FlowNodes[id]; !ok {
			return fmt.Errorf("process %s: unknown start node %d", p.Name, id)
		}
	}
	for _, id := range p.EventSubProcessIds {
		node, ok := p.FlowNodes[id]
		if !ok {
			return fmt.Errorf("process %s: unknown event sub process %d", p.Name, id)
		}
		if node.Timer == nil {
			return fmt.Errorf("process %s: event sub process %s carries no timer", p.Name, node.Name)
		}
	}
	return nil
}
