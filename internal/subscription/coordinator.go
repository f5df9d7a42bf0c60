package subscription

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"sequent/internal/domain"
)

// ProbeFunc is one attempt to process new events for a pair,
// reporting whether any were found.
type ProbeFunc func(ctx context.Context, pair domain.SourceComponentPair) (bool, error)

// Coordinator is the per-pair control loop: while a pair looks busy it
// fans workers out up to maxWorkers; when fully idle it probes inline,
// skipping executor overhead. A pair's failure never leaks into other
// pairs' ticks.
type Coordinator struct {
	tracker    *ActivityTracker
	probe      ProbeFunc
	maxWorkers int
	log        *logrus.Entry

	wg sync.WaitGroup
}

func NewCoordinator(tracker *ActivityTracker, probe ProbeFunc, maxWorkers int, log *logrus.Logger) *Coordinator {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Coordinator{
		tracker:    tracker,
		probe:      probe,
		maxWorkers: maxWorkers,
		log:        log.WithField("component", "coordinator"),
	}
}

// TickAll runs one coordination pass over every pair.
func (c *Coordinator) TickAll(ctx context.Context, pairs []domain.SourceComponentPair) {
	for _, pair := range pairs {
		c.Tick(ctx, pair)
	}
}

// Tick evaluates one pair: recently active spawns up to
// maxWorkers - active additional workers; fully idle runs a single
// inline probe; otherwise the running workers are left to drain.
func (c *Coordinator) Tick(ctx context.Context, pair domain.SourceComponentPair) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("pair", pair).WithField("panic", r).Error("coordination tick panicked")
		}
	}()

	recent := c.tracker.RecentlyActive(pair)
	active := c.tracker.ActiveWorkers(pair)

	switch {
	case recent:
		// Claim each slot before the goroutine starts so a tick racing
		// freshly spawned workers still sees them as active and the
		// maxWorkers cap holds.
		for i := active; i < c.maxWorkers; i++ {
			c.tracker.WorkerStarted(pair)
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer c.tracker.WorkerFinished(pair)
				c.runWorker(ctx, pair)
			}()
		}
	case active == 0:
		c.tracker.WorkerStarted(pair)
		c.runWorker(ctx, pair)
		c.tracker.WorkerFinished(pair)
	}
}

// Wait blocks until all spawned workers have finished. Used on
// shutdown and in tests.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) runWorker(ctx context.Context, pair domain.SourceComponentPair) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("pair", pair).WithField("panic", r).Error("subscription worker panicked")
		}
	}()

	found, err := c.probe(ctx, pair)
	if err != nil {
		c.log.WithField("pair", pair).WithError(err).Error("subscription worker failed")
		return
	}
	if found {
		c.tracker.MarkActive(pair)
	}
}
