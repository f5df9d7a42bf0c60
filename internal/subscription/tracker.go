package subscription

import (
	"sync"
	"sync/atomic"
	"time"

	"sequent/internal/domain"
	"sequent/internal/metrics"
)

// pairActivity is the transient per-pair worker state. Counters are
// atomic so many worker goroutines touch them without a coordinating
// mutex. lastActive holds the unix-nano instant a worker last found
// events, zero before the first find.
type pairActivity struct {
	active     atomic.Int32
	lastActive atomic.Int64
}

// ActivityTracker tracks worker activity per SourceComponentPair for
// the lifetime of the process. A pair counts as recently active while
// the last find is within idleThreshold.
type ActivityTracker struct {
	pairs         sync.Map // string key -> *pairActivity
	idleThreshold time.Duration
}

func NewActivityTracker(idleThreshold time.Duration) *ActivityTracker {
	if idleThreshold <= 0 {
		idleThreshold = time.Second
	}
	return &ActivityTracker{idleThreshold: idleThreshold}
}

func (t *ActivityTracker) state(pair domain.SourceComponentPair) *pairActivity {
	if v, ok := t.pairs.Load(pair.Key()); ok {
		return v.(*pairActivity)
	}
	v, _ := t.pairs.LoadOrStore(pair.Key(), &pairActivity{})
	return v.(*pairActivity)
}

// WorkerStarted increments the pair's active count.
func (t *ActivityTracker) WorkerStarted(pair domain.SourceComponentPair) {
	t.state(pair).active.Add(1)
	metrics.ActiveWorkers.WithLabelValues(pair.Source, pair.Component).Inc()
}

// WorkerFinished decrements the pair's active count.
func (t *ActivityTracker) WorkerFinished(pair domain.SourceComponentPair) {
	t.state(pair).active.Add(-1)
	metrics.ActiveWorkers.WithLabelValues(pair.Source, pair.Component).Dec()
}

// MarkActive records that a worker found events for the pair.
func (t *ActivityTracker) MarkActive(pair domain.SourceComponentPair) {
	t.state(pair).lastActive.Store(time.Now().UnixNano())
}

// RecentlyActive reports whether a worker found events for the pair
// within the idle threshold.
func (t *ActivityTracker) RecentlyActive(pair domain.SourceComponentPair) bool {
	last := t.state(pair).lastActive.Load()
	if last == 0 {
		return false
	}
	return time.Now().UnixNano()-last <= t.idleThreshold.Nanoseconds()
}

// ActiveWorkers returns the pair's current worker count.
func (t *ActivityTracker) ActiveWorkers(pair domain.SourceComponentPair) int {
	return int(t.state(pair).active.Load())
}
