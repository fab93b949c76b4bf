// Package scheduler runs named jobs on cron-style schedules. Each job runs at
// most once at a time; a fire that arrives while the previous run is still in
// flight is dropped, and fires missed by more than the job's grace window are
// dropped rather than replayed.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/kortschak/sun"
	cron "github.com/robfig/cron/v3"

	"github.com/ab000641/air-quality-monitor/internal/observability"
)

var (
	ErrStopped        = errors.New("scheduler is stopped")
	ErrDuplicateJob   = errors.New("job already registered")
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job is already running")
	ErrNeverFires     = errors.New("schedule has no future activation")
)

// idleWait is how long the loop sleeps when nothing is registered.
const idleWait = 24 * time.Hour

// Job is a unit of scheduled work.
type Job struct {
	Name     string
	Schedule cron.Schedule
	// Grace is how late a fire may start. Zero means no limit.
	Grace time.Duration
	Run   func(ctx context.Context) error
}

// ParseSchedule parses a standard five-field cron line, a descriptor such as
// "@every 30m" or "@daily", or a solar spec such as "@sunrise 25.03 121.56".
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := sun.Parser{}.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Scheduler fires registered jobs from a min-heap of next fire times.
type Scheduler struct {
	clock   clockwork.Clock
	loc     *time.Location
	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	heap    entryHeap
	jobs    map[string]*entry
	started bool
	stopped bool

	wakeup   chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}

	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

// New creates a scheduler. Schedules are evaluated in loc.
func New(clock clockwork.Clock, loc *time.Location, metrics *observability.Metrics, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:     clock,
		loc:       loc,
		metrics:   metrics,
		logger:    logger.With("component", "scheduler"),
		jobs:      make(map[string]*entry),
		wakeup:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Register adds a job. Its first fire is the schedule's next activation
// after now.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Schedule == nil || job.Run == nil {
		return fmt.Errorf("job %q: name, schedule and run are required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}

	next := job.Schedule.Next(s.clock.Now().In(s.loc))
	if next.IsZero() {
		return fmt.Errorf("%w: %s", ErrNeverFires, job.Name)
	}

	e := &entry{job: job, next: next}
	heap.Push(&s.heap, e)
	s.jobs[job.Name] = e

	s.logger.Info("job registered", "job", job.Name, "next_run", e.next)

	if s.heap[0] == e {
		s.wake()
	}
	return nil
}

// Start launches the scheduling loop. It returns immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Stop stops firing jobs and waits for in-flight runs to finish. If ctx ends
// first the runs are cancelled and ctx's error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	close(s.stopCh)
	s.mu.Unlock()

	if started {
		<-s.loopDone
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelRun()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancelRun()
		<-done
		s.logger.Warn("scheduler stop timed out, in-flight runs cancelled")
		return ctx.Err()
	}
}

// Trigger runs a job now, outside its schedule. Its next scheduled fire is
// unchanged.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !s.launch(e, "manual") {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	return nil
}

// NextRun reports when a job fires next. A job whose schedule has run out
// reports false but can still be triggered.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok || e.index < 0 {
		return time.Time{}, false
	}
	return e.next, true
}

func (s *Scheduler) wake() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// run is the main scheduling loop.
func (s *Scheduler) run() {
	defer close(s.loopDone)
	for {
		wait := s.dispatch(s.clock.Now())

		timer := s.clock.NewTimer(wait)
		select {
		case <-timer.Chan():
		case <-s.wakeup:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// dispatch fires every entry due at now and returns the wait until the next
// one. A due entry later than its grace is dropped; either way it is
// rescheduled from now, so any number of missed fires collapse into one.
// An entry whose schedule has no further activation leaves the heap.
func (s *Scheduler) dispatch(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return idleWait
	}

	for s.heap.Len() > 0 && !s.heap[0].next.After(now) {
		e := s.heap[0]
		lateness := now.Sub(e.next)

		if e.job.Grace > 0 && lateness > e.job.Grace {
			s.metrics.JobSkips.WithLabelValues(e.job.Name, "misfire").Inc()
			s.logger.Warn("job fire missed its grace window, skipping",
				"job", e.job.Name,
				"scheduled_at", e.next,
				"lateness", lateness,
				"grace", e.job.Grace,
			)
		} else {
			s.launch(e, "schedule")
		}

		e.next = e.job.Schedule.Next(now.In(s.loc))
		if e.next.IsZero() {
			heap.Remove(&s.heap, e.index)
			s.logger.Warn("job schedule has no future activation, unscheduling", "job", e.job.Name)
			continue
		}
		heap.Fix(&s.heap, e.index)
	}

	if s.heap.Len() == 0 {
		return idleWait
	}
	return s.heap[0].next.Sub(now)
}

// launch starts a run unless the job is already in flight. Callers hold s.mu.
func (s *Scheduler) launch(e *entry, trigger string) bool {
	if !e.running.CompareAndSwap(false, true) {
		s.metrics.JobSkips.WithLabelValues(e.job.Name, "overlap").Inc()
		s.logger.Warn("job still running, skipping fire", "job", e.job.Name, "trigger", trigger)
		return false
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer e.running.Store(false)
		s.execute(e.job, trigger)
	}()
	return true
}

func (s *Scheduler) execute(job Job, trigger string) {
	logger := s.logger.With("job", job.Name, "run_id", uuid.NewString(), "trigger", trigger)
	running := s.metrics.JobRunning.WithLabelValues(job.Name)
	running.Set(1)
	defer running.Set(0)

	start := s.clock.Now()
	logger.Info("job started")

	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			logger.Error("job panicked", "panic", r)
		}
		elapsed := s.clock.Since(start)
		s.metrics.JobRuns.WithLabelValues(job.Name, outcome).Inc()
		s.metrics.JobDuration.WithLabelValues(job.Name).Observe(elapsed.Seconds())
	}()

	if err := job.Run(s.runCtx); err != nil {
		outcome = "error"
		logger.Error("job failed", "error", err, "duration", s.clock.Since(start))
		return
	}
	logger.Info("job finished", "duration", s.clock.Since(start))
}
