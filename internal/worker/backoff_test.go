package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNotifierStartsLazilyOnWake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	n := NewNotifier(ctx, "test", func(context.Context) (bool, error) {
		runs.Add(1)
		return false, nil
	}, Backoff{Min: time.Hour, Max: time.Hour, Factor: 2}, testLogger())
	defer n.Stop()

	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("loop ran before any wake-up")
	}

	n.WakeUp(true)
	waitFor(t, func() bool { return runs.Load() >= 1 })
}

func TestNotifierDrainsBacklogBeforeSleeping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var remaining atomic.Int32
	remaining.Store(5)
	var runs atomic.Int32
	n := NewNotifier(ctx, "test", func(context.Context) (bool, error) {
		runs.Add(1)
		if remaining.Load() > 0 {
			remaining.Add(-1)
			return true, nil
		}
		return false, nil
	}, Backoff{Min: time.Hour, Max: time.Hour, Factor: 2}, testLogger())
	defer n.Stop()

	n.WakeUp(true)
	// All five items plus the empty check, without further wake-ups.
	waitFor(t, func() bool { return runs.Load() >= 6 })
	if remaining.Load() != 0 {
		t.Fatalf("backlog not drained: %d left", remaining.Load())
	}
}

func TestNotifierWakeCutsBackoffShort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	n := NewNotifier(ctx, "test", func(context.Context) (bool, error) {
		runs.Add(1)
		return false, nil
	}, Backoff{Min: time.Hour, Max: time.Hour, Factor: 2}, testLogger())
	defer n.Stop()

	n.WakeUp(true)
	waitFor(t, func() bool { return runs.Load() == 1 })

	// The loop is now an hour into backoff; a wake must preempt it.
	n.WakeUp(false)
	waitFor(t, func() bool { return runs.Load() >= 2 })
}

func TestNotifierKeepsRunningThroughFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	n := NewNotifier(ctx, "test", func(context.Context) (bool, error) {
		runs.Add(1)
		return false, errors.New("poison")
	}, Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}, testLogger())
	defer n.Stop()

	n.WakeUp(true)
	waitFor(t, func() bool { return runs.Load() >= failureHold+2 })
}

func TestNotifierStopIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewNotifier(ctx, "test", func(context.Context) (bool, error) { return false, nil }, Backoff{Min: time.Millisecond, Max: time.Millisecond, Factor: 1}, testLogger())
	n.WakeUp(true)
	n.Stop()
	n.Stop()
}

func TestSchedulerHonorsStartWaitAndTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int32
	s := NewScheduler("test", 10*time.Millisecond, 10*time.Millisecond, 0, func(context.Context, TimeBudget) {
		ticks.Add(1)
	}, testLogger())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if ticks.Load() != 0 {
		t.Fatal("ticked before start wait elapsed")
	}
	waitFor(t, func() bool { return ticks.Load() >= 3 })
}

func TestSchedulerRecoversFromPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int32
	s := NewScheduler("test", 0, 5*time.Millisecond, 0, func(context.Context, TimeBudget) {
		ticks.Add(1)
		panic("boom")
	}, testLogger())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, func() bool { return ticks.Load() >= 2 })
}

func TestTimeBudget(t *testing.T) {
	b := TimeBudget{Deadline: time.Now().Add(time.Hour), Margin: time.Second}
	if !b.HasTime() {
		t.Fatal("budget with an hour left should have time")
	}
	b = TimeBudget{Deadline: time.Now().Add(time.Millisecond), Margin: time.Second}
	if b.HasTime() {
		t.Fatal("budget inside the margin should be exhausted")
	}
}
