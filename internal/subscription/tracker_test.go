package subscription

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"sequent/internal/domain"
)

func TestRecentActivityExpiresAfterIdleThreshold(t *testing.T) {
	tracker := NewActivityTracker(5 * time.Millisecond)
	pair := domain.SourceComponentPair{Source: "s", Component: "c"}

	if tracker.RecentlyActive(pair) {
		t.Fatal("pair with no activity must not be recent")
	}

	tracker.MarkActive(pair)
	if !tracker.RecentlyActive(pair) {
		t.Fatal("just-marked pair must be recent")
	}

	time.Sleep(20 * time.Millisecond)
	if tracker.RecentlyActive(pair) {
		t.Fatal("pair past the idle threshold must not be recent")
	}
}

func TestTickFallsBackToInlineProbeOnceIdleThresholdPasses(t *testing.T) {
	tracker := NewActivityTracker(5 * time.Millisecond)
	pair := domain.SourceComponentPair{Source: "s", Component: "c"}

	var probes atomic.Int32
	c := NewCoordinator(tracker, func(context.Context, domain.SourceComponentPair) (bool, error) {
		probes.Add(1)
		return false, nil
	}, 15, testLogger())

	tracker.MarkActive(pair)
	time.Sleep(20 * time.Millisecond)
	c.Tick(context.Background(), pair)
	c.Wait()

	if probes.Load() != 1 {
		t.Fatalf("probes = %d, want an inline probe for a pair idle past the threshold", probes.Load())
	}
}
