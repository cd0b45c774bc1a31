package scheduler

import (
	"errors"
	"fmt"

	"github.com/procflow/procflow/model"
)

// JobKind is the closed set of job types the scheduler can fire. Dispatch is
// keyed by this enum, never by a name lookup.
type JobKind string

const (
	JobKindCorrelation JobKind = "CORRELATION"
	JobKindTimer       JobKind = "TIMER"
)

// TriggerKind distinguishes a one-shot trigger from a recurring one. The
// timer-cleanup listener keys off it: a cyclic trigger's persistent record is
// left in place for the next firing.
type TriggerKind string

const (
	TriggerOnce   TriggerKind = "ONCE"
	TriggerCyclic TriggerKind = "CYCLIC"
)

// ErrRetryable marks a job failure the scheduler should redeliver later
// instead of reporting, e.g. a timer fired before the engine finished
// starting.
var ErrRetryable = errors.New("job not executable yet, retry later")

// TimerJobConfig is the typed attribute set of a timer job, validated once at
// bind time. FlowNodeInstanceId is zero for definition-level timers (timer
// start events) that spawn a new instance on firing.
type TimerJobConfig struct {
	ProcessDefinitionId     int64               `json:"processDefinitionId"`
	FlowNodeDefinitionId    int64               `json:"flowNodeDefinitionId"`
	FlowNodeInstanceId      int64               `json:"flowNodeInstanceId"`
	ContainerType           model.ContainerType `json:"containerType"`
	EventType               model.EventType     `json:"eventType"`
	Interrupting            bool                `json:"interrupting"`
	ParentProcessInstanceId int64               `json:"parentProcessInstanceId"`
	RootProcessInstanceId   int64               `json:"rootProcessInstanceId"`
}

func (c TimerJobConfig) Validate() error {
	if c.ProcessDefinitionId == 0 {
		return fmt.Errorf("timer job requires a process definition id")
	}
	if c.FlowNodeDefinitionId == 0 {
		return fmt.Errorf("timer job requires a flow node definition id")
	}
	switch c.ContainerType {
	case model.ContainerProcess, model.ContainerFlowNode:
	default:
		return fmt.Errorf("timer job has invalid container type %q", c.ContainerType)
	}
	if c.EventType == "" {
		return fmt.Errorf("timer job requires an event type")
	}
	return nil
}

// Job is one schedulable unit. Timer carries the typed config for timer jobs
// and is nil for correlation jobs.
type Job struct {
	Name    string
	Kind    JobKind
	Trigger TriggerKind
	Timer   *TimerJobConfig
}

func (j Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job requires a name")
	}
	switch j.Kind {
	case JobKindCorrelation:
		return nil
	case JobKindTimer:
		if j.Timer == nil {
			return fmt.Errorf("timer job %s carries no timer config", j.Name)
		}
		return j.Timer.Validate()
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
}

// Listener observes job executions. AfterExecute receives the execution error
// before any retry decision is applied.
type Listener interface {
	BeforeExecute(job Job)
	AfterExecute(job Job, err error)
}
