package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/procflow/procflow/logger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Handler executes a fired job. Implemented by the engine; a returned
// ErrRetryable makes the scheduler redeliver the job after the retry delay.
type Handler interface {
	ExecuteJob(ctx context.Context, job Job) error
}

// Scheduler fires jobs from a hashed timing wheel. One-shot jobs bind to a
// delay or a point in time, cyclic jobs to a standard cron spec.
type Scheduler struct {
	wheel      *timingwheel.TimingWheel
	handler    Handler
	retryDelay time.Duration

	mu        sync.Mutex
	timers    map[string]*timingwheel.Timer
	listeners []Listener
}

func New(handler Handler, wheelSizeSeconds int64, retryDelay time.Duration) *Scheduler {
	if wheelSizeSeconds <= 0 {
		wheelSizeSeconds = 3600
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Scheduler{
		wheel:      timingwheel.NewTimingWheel(time.Second, wheelSizeSeconds),
		handler:    handler,
		retryDelay: retryDelay,
		timers:     make(map[string]*timingwheel.Timer),
	}
}

func (s *Scheduler) Name() string {
	return "job-scheduler"
}

func (s *Scheduler) Start() error {
	s.wheel.Start()
	return nil
}

func (s *Scheduler) Stop() error {
	s.wheel.Stop()
	return nil
}

func (s *Scheduler) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// ScheduleOnce fires the job once after delay.
func (s *Scheduler) ScheduleOnce(job Job, delay time.Duration) error {
	job.Trigger = TriggerOnce
	if err := job.Validate(); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	s.track(job.Name, s.wheel.AfterFunc(delay, func() { s.run(job) }))
	return nil
}

// ScheduleAt fires the job once at the given time. A past time fires
// immediately.
func (s *Scheduler) ScheduleAt(job Job, at time.Time) error {
	return s.ScheduleOnce(job, time.Until(at))
}

// ScheduleCron fires the job repeatedly per a standard 5-field cron spec.
func (s *Scheduler) ScheduleCron(job Job, spec string) error {
	job.Trigger = TriggerCyclic
	if err := job.Validate(); err != nil {
		return err
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid cron spec %q for job %s: %w", spec, job.Name, err)
	}
	s.track(job.Name, s.wheel.ScheduleFunc(&cronSchedule{schedule}, func() { s.run(job) }))
	return nil
}

// Cancel stops future firings of the named job. Unknown names are ignored.
func (s *Scheduler) Cancel(jobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[jobName]; ok {
		t.Stop()
		delete(s.timers, jobName)
	}
}

func (s *Scheduler) track(name string, t *timingwheel.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[name]; ok {
		old.Stop()
	}
	s.timers[name] = t
}

func (s *Scheduler) run(job Job) {
	for _, l := range s.snapshotListeners() {
		l.BeforeExecute(job)
	}
	err := s.handler.ExecuteJob(context.Background(), job)
	for _, l := range s.snapshotListeners() {
		l.AfterExecute(job, err)
	}
	if err == nil {
		return
	}
	if errors.Is(err, ErrRetryable) {
		logger.Debug("job not executable yet, requeueing",
			zap.String("job", job.Name), zap.Duration("delay", s.retryDelay))
		s.track(job.Name, s.wheel.AfterFunc(s.retryDelay, func() { s.run(job) }))
		return
	}
	logger.Error("job execution failed", zap.String("job", job.Name), zap.Error(err))
}

func (s *Scheduler) snapshotListeners() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

// cronSchedule adapts a cron schedule to the timing wheel's scheduler
// contract. A zero next time ends the series.
type cronSchedule struct {
	inner cron.Schedule
}

func (c *cronSchedule) Next(prev time.Time) time.Time {
	return c.inner.Next(prev)
}
