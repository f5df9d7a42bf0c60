package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sequent/internal/domain"
)

func TestTickIdlePairProbesInline(t *testing.T) {
	tracker := NewActivityTracker(time.Second)
	var probes atomic.Int32
	c := NewCoordinator(tracker, func(context.Context, domain.SourceComponentPair) (bool, error) {
		probes.Add(1)
		return false, nil
	}, 15, testLogger())

	pair := domain.SourceComponentPair{Source: "s", Component: "c"}
	c.Tick(context.Background(), pair)
	c.Wait()

	if probes.Load() != 1 {
		t.Fatalf("probes = %d, want a single inline probe", probes.Load())
	}
	if tracker.ActiveWorkers(pair) != 0 {
		t.Fatal("worker accounting leaked")
	}
}

func TestTickRecentlyActivePairScalesToMaxWorkers(t *testing.T) {
	tracker := NewActivityTracker(time.Second)
	const maxWorkers = 5

	var concurrent, peak atomic.Int32
	gate := make(chan struct{})
	c := NewCoordinator(tracker, func(context.Context, domain.SourceComponentPair) (bool, error) {
		cur := concurrent.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		<-gate
		concurrent.Add(-1)
		return false, nil
	}, maxWorkers, testLogger())

	pair := domain.SourceComponentPair{Source: "s", Component: "c"}
	tracker.MarkActive(pair)
	c.Tick(context.Background(), pair)

	// A second tick while the pair is busy must not spawn beyond the
	// cap: the pair is still recent but every slot is claimed.
	c.Tick(context.Background(), pair)
	close(gate)
	c.Wait()

	if peak.Load() > maxWorkers {
		t.Fatalf("peak workers = %d, cap is %d", peak.Load(), maxWorkers)
	}
	if peak.Load() != maxWorkers {
		t.Fatalf("peak workers = %d, want scale-out to %d", peak.Load(), maxWorkers)
	}
}

func TestTickBusyPairWithoutRecentActivitySpawnsNothing(t *testing.T) {
	tracker := NewActivityTracker(time.Second)
	pair := domain.SourceComponentPair{Source: "s", Component: "c"}

	var probes atomic.Int32
	c := NewCoordinator(tracker, func(context.Context, domain.SourceComponentPair) (bool, error) {
		probes.Add(1)
		return false, nil
	}, 15, testLogger())

	// Simulate a still-running worker from a previous tick.
	tracker.WorkerStarted(pair)
	c.Tick(context.Background(), pair)
	c.Wait()
	tracker.WorkerFinished(pair)

	if probes.Load() != 0 {
		t.Fatalf("probes = %d, busy pair should be left to drain", probes.Load())
	}
}

func TestWorkerPanicIsContained(t *testing.T) {
	tracker := NewActivityTracker(time.Second)
	pair := domain.SourceComponentPair{Source: "s", Component: "c"}
	c := NewCoordinator(tracker, func(context.Context, domain.SourceComponentPair) (bool, error) {
		panic("handler exploded")
	}, 1, testLogger())

	c.Tick(context.Background(), pair)
	c.Wait()

	if tracker.ActiveWorkers(pair) != 0 {
		t.Fatal("panicked worker left active count behind")
	}
}

func TestTickAllCoversEveryPair(t *testing.T) {
	tracker := NewActivityTracker(time.Second)
	var mu sync.Mutex
	seen := map[string]bool{}
	c := NewCoordinator(tracker, func(_ context.Context, pair domain.SourceComponentPair) (bool, error) {
		mu.Lock()
		seen[pair.Key()] = true
		mu.Unlock()
		return false, nil
	}, 3, testLogger())

	pairs := []domain.SourceComponentPair{
		{Source: "s", Component: "a"},
		{Source: "s", Component: "b"},
	}
	c.TickAll(context.Background(), pairs)
	c.Wait()

	if len(seen) != 2 {
		t.Fatalf("seen = %v", seen)
	}
}
