package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	cron "github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ab000641/air-quality-monitor/internal/logging"
	"github.com/ab000641/air-quality-monitor/internal/observability"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *clockwork.FakeClock, *observability.Metrics) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	metrics := observability.NewMetricsForTesting()
	s := New(clock, time.UTC, metrics, logging.Discard())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, clock, metrics
}

func everyMinute() cron.Schedule { return cron.Every(time.Minute) }

func countingJob(name string, n *atomic.Int32) Job {
	return Job{
		Name:     name,
		Schedule: everyMinute(),
		Run: func(context.Context) error {
			n.Add(1)
			return nil
		},
	}
}

func TestParseSchedule(t *testing.T) {
	taipei, err := time.LoadLocation("Asia/Taipei")
	require.NoError(t, err)

	every, err := ParseSchedule("@every 30m")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(30*time.Minute), every.Next(t0))

	daily, err := ParseSchedule("0 8 * * *")
	require.NoError(t, err)
	next := daily.Next(time.Date(2024, 5, 1, 9, 0, 0, 0, taipei))
	assert.Equal(t, time.Date(2024, 5, 2, 8, 0, 0, 0, taipei), next)

	_, err = ParseSchedule("not a schedule")
	require.Error(t, err)
}

func TestParseSchedule_Solar(t *testing.T) {
	s, err := ParseSchedule("@sunrise 25.03 121.56")
	require.NoError(t, err)
	assert.True(t, s.Next(t0).After(t0))
}

func TestRegister_Validation(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	var n atomic.Int32

	require.NoError(t, s.Register(countingJob("readings", &n)))
	err := s.Register(countingJob("readings", &n))
	require.ErrorIs(t, err, ErrDuplicateJob)

	require.Error(t, s.Register(Job{Name: "broken"}))

	next, ok := s.NextRun("readings")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), next)
	_, ok = s.NextRun("missing")
	assert.False(t, ok)
}

// onceSchedule activates at a single instant and never again.
type onceSchedule struct{ at time.Time }

func (o onceSchedule) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

func TestRegister_RejectsScheduleThatNeverFires(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	var n atomic.Int32

	feb30, err := ParseSchedule("0 0 30 2 *")
	require.NoError(t, err)

	job := countingJob("impossible", &n)
	job.Schedule = feb30
	require.ErrorIs(t, s.Register(job), ErrNeverFires)

	_, ok := s.NextRun("impossible")
	assert.False(t, ok)
	assert.Equal(t, idleWait, s.dispatch(t0))
}

func TestDispatch_UnschedulesExhaustedJob(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	var once, steady atomic.Int32

	job := countingJob("once", &once)
	job.Schedule = onceSchedule{at: t0.Add(time.Minute)}
	require.NoError(t, s.Register(job))
	require.NoError(t, s.Register(countingJob("steady", &steady)))

	done := make(chan time.Duration, 1)
	go func() { done <- s.dispatch(t0.Add(time.Minute)) }()

	select {
	case wait := <-done:
		assert.Equal(t, time.Minute, wait)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after the schedule ran out")
	}
	s.runs.Wait()
	assert.Equal(t, int32(1), once.Load())
	assert.Equal(t, int32(1), steady.Load())

	_, ok := s.NextRun("once")
	assert.False(t, ok)
	next, ok := s.NextRun("steady")
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Minute), next)

	require.NoError(t, s.Trigger("once"))
	s.runs.Wait()
	assert.Equal(t, int32(2), once.Load())

	s.dispatch(t0.Add(2 * time.Minute))
	s.runs.Wait()
	assert.Equal(t, int32(2), once.Load())
	assert.Equal(t, int32(2), steady.Load())
}

func TestDispatch_FiresDueJobs(t *testing.T) {
	s, _, metrics := newTestScheduler(t)
	var n atomic.Int32
	require.NoError(t, s.Register(countingJob("alerts", &n)))

	assert.Equal(t, time.Minute, s.dispatch(t0))
	s.runs.Wait()
	assert.Zero(t, n.Load())

	assert.Equal(t, time.Minute, s.dispatch(t0.Add(time.Minute)))
	s.runs.Wait()
	assert.Equal(t, int32(1), n.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobRuns.WithLabelValues("alerts", "ok")))

	next, _ := s.NextRun("alerts")
	assert.Equal(t, t0.Add(2*time.Minute), next)
}

func TestDispatch_CoalescesMissedFires(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	var n atomic.Int32
	require.NoError(t, s.Register(countingJob("alerts", &n)))

	s.dispatch(t0.Add(10 * time.Minute))
	s.runs.Wait()

	assert.Equal(t, int32(1), n.Load())
	next, _ := s.NextRun("alerts")
	assert.Equal(t, t0.Add(11*time.Minute), next)
}

func TestDispatch_SkipsMisfireBeyondGrace(t *testing.T) {
	s, _, metrics := newTestScheduler(t)
	var n atomic.Int32
	job := countingJob("readings", &n)
	job.Grace = 10 * time.Second
	require.NoError(t, s.Register(job))

	s.dispatch(t0.Add(time.Minute + 30*time.Second))
	s.runs.Wait()
	assert.Zero(t, n.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobSkips.WithLabelValues("readings", "misfire")))

	next, _ := s.NextRun("readings")
	assert.Equal(t, t0.Add(2*time.Minute+30*time.Second), next)

	// Within grace it fires.
	s.dispatch(next.Add(5 * time.Second))
	s.runs.Wait()
	assert.Equal(t, int32(1), n.Load())
}

func TestDispatch_SkipsOverlappingRun(t *testing.T) {
	s, _, metrics := newTestScheduler(t)
	release := make(chan struct{})
	var started atomic.Int32
	require.NoError(t, s.Register(Job{
		Name:     "stations",
		Schedule: everyMinute(),
		Run: func(context.Context) error {
			started.Add(1)
			<-release
			return nil
		},
	}))

	s.dispatch(t0.Add(time.Minute))
	s.dispatch(t0.Add(2 * time.Minute))
	close(release)
	s.runs.Wait()

	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobSkips.WithLabelValues("stations", "overlap")))

	s.dispatch(t0.Add(3 * time.Minute))
	s.runs.Wait()
	assert.Equal(t, int32(2), started.Load())
}

func TestTrigger(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	release := make(chan struct{})
	var started atomic.Int32
	require.NoError(t, s.Register(Job{
		Name:     "location_push",
		Schedule: everyMinute(),
		Run: func(context.Context) error {
			started.Add(1)
			<-release
			return nil
		},
	}))

	require.ErrorIs(t, s.Trigger("nope"), ErrUnknownJob)
	require.NoError(t, s.Trigger("location_push"))
	require.ErrorIs(t, s.Trigger("location_push"), ErrAlreadyRunning)
	close(release)
	s.runs.Wait()
	assert.Equal(t, int32(1), started.Load())

	next, _ := s.NextRun("location_push")
	assert.Equal(t, t0.Add(time.Minute), next)
}

func TestExecute_RecordsErrorsAndPanics(t *testing.T) {
	s, _, metrics := newTestScheduler(t)
	require.NoError(t, s.Register(Job{
		Name:     "failing",
		Schedule: everyMinute(),
		Run:      func(context.Context) error { return errors.New("provider down") },
	}))
	require.NoError(t, s.Register(Job{
		Name:     "panicking",
		Schedule: everyMinute(),
		Run:      func(context.Context) error { panic("nil map") },
	}))

	s.dispatch(t0.Add(time.Minute))
	s.runs.Wait()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobRuns.WithLabelValues("failing", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobRuns.WithLabelValues("panicking", "panic")))
	assert.Zero(t, testutil.ToFloat64(metrics.JobRunning.WithLabelValues("panicking")))

	// A panicking job is still scheduled and can run again.
	require.NoError(t, s.Trigger("panicking"))
	s.runs.Wait()
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.JobRuns.WithLabelValues("panicking", "panic")))
}

func TestStart_FiresOnClockAdvance(t *testing.T) {
	s, clock, _ := newTestScheduler(t)
	fired := make(chan struct{}, 1)
	require.NoError(t, s.Register(Job{
		Name:     "readings",
		Schedule: everyMinute(),
		Run: func(context.Context) error {
			fired <- struct{}{}
			return nil
		},
	}))

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
	}
}

func TestStop_WaitsForInFlightRun(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	var finished atomic.Bool
	require.NoError(t, s.Register(Job{
		Name:     "stations",
		Schedule: everyMinute(),
		Run: func(context.Context) error {
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	}))
	s.Start()
	require.NoError(t, s.Trigger("stations"))

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, finished.Load())

	assert.ErrorIs(t, s.Trigger("stations"), ErrStopped)
	var n atomic.Int32
	assert.ErrorIs(t, s.Register(countingJob("late", &n)), ErrStopped)
}

func TestStop_CancelsRunsAfterDeadline(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	var cancelled atomic.Bool
	require.NoError(t, s.Register(Job{
		Name:     "readings",
		Schedule: everyMinute(),
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		},
	}))
	require.NoError(t, s.Trigger("readings"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, cancelled.Load())
}
