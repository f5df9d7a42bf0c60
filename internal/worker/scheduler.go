package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// TimeBudget is the cooperative time box handed to a scheduled
// callback. Callbacks check HasTime between units of work and stop
// early instead of overrunning into the next tick.
type TimeBudget struct {
	Deadline time.Time
	Margin   time.Duration
}

// HasTime reports whether at least Margin remains before the
// deadline.
func (b TimeBudget) HasTime() bool {
	return time.Until(b.Deadline) > b.Margin
}

// Scheduler invokes a callback periodically after an initial delay.
// The callback contract is the usual one for timer work: idempotent,
// short-running, and honoring the budget it is handed.
type Scheduler struct {
	name      string
	startWait time.Duration
	interval  time.Duration
	margin    time.Duration
	callback  func(context.Context, TimeBudget)
	log       *logrus.Entry

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(name string, startWait, interval, margin time.Duration, callback func(context.Context, TimeBudget), log *logrus.Logger) *Scheduler {
	return &Scheduler{
		name:      name,
		startWait: startWait,
		interval:  interval,
		margin:    margin,
		callback:  callback,
		log:       log.WithField("scheduler", name),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("scheduler %s: interval must be > 0", s.name)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.startWait):
		}
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.tick(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("scheduled callback panicked")
		}
	}()
	s.callback(ctx, TimeBudget{Deadline: time.Now().Add(s.interval), Margin: s.margin})
}
