package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(slog.New(slog.DiscardHandler))
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestImmediateRun(t *testing.T) {
	s := newTestScheduler(t)
	s.Start(context.Background())

	var runs atomic.Int64
	s.ScheduleEvery("ingest", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, true)

	waitFor(t, time.Second, func() bool { return runs.Load() == 1 })
	status := s.Status()
	require.Contains(t, status, "ingest")
	assert.Equal(t, time.Hour, status["ingest"].Interval)
	assert.False(t, status["ingest"].LastRun.IsZero())
}

func TestPeriodicRuns(t *testing.T) {
	s := newTestScheduler(t)
	s.Start(context.Background())

	var runs atomic.Int64
	s.ScheduleEvery("tick", 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, false)

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 2 })
}

func TestRescheduleReplacesPrevious(t *testing.T) {
	s := newTestScheduler(t)
	s.Start(context.Background())

	var first, second atomic.Int64
	s.ScheduleEvery("job", 20*time.Millisecond, func(ctx context.Context) error {
		first.Add(1)
		return nil
	}, false)
	s.ScheduleEvery("job", 20*time.Millisecond, func(ctx context.Context) error {
		second.Add(1)
		return nil
	}, false)

	waitFor(t, 2*time.Second, func() bool { return second.Load() >= 2 })
	assert.Zero(t, first.Load(), "replaced schedule must not fire")
	assert.Len(t, s.Status(), 1)
}

func TestPanickingJobDoesNotKillScheduler(t *testing.T) {
	s := newTestScheduler(t)
	s.Start(context.Background())

	var runs atomic.Int64
	s.ScheduleEvery("flaky", 20*time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}, false)

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })
}

func TestFailingJobKeepsRunning(t *testing.T) {
	s := newTestScheduler(t)
	s.Start(context.Background())

	var runs atomic.Int64
	s.ScheduleEvery("failing", 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	}, false)

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 2 })
}

func TestOverlappingRunSkipped(t *testing.T) {
	s := newTestScheduler(t)
	s.Start(context.Background())

	release := make(chan struct{})
	var starts atomic.Int64
	s.ScheduleEvery("slow", 20*time.Millisecond, func(ctx context.Context) error {
		starts.Add(1)
		<-release
		return nil
	}, false)

	// Let several ticks elapse while the first run blocks.
	waitFor(t, 2*time.Second, func() bool { return starts.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), starts.Load(), "ticks during a run are skipped")
	assert.True(t, s.Status()["slow"].Running)

	close(release)
	waitFor(t, time.Second, func() bool { return !s.Status()["slow"].Running })
}

func TestRemove(t *testing.T) {
	s := newTestScheduler(t)
	s.Start(context.Background())

	var runs atomic.Int64
	s.ScheduleEvery("gone", 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, false)
	s.Remove("gone")

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, runs.Load())
	assert.Empty(t, s.Status())
}
