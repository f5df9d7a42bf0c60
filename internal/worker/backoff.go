// Package worker holds the background-execution primitives shared by
// the linker and publisher drivers: a wakeable backoff loop and a
// periodic scheduler with cooperative time boxing.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Unit is one attempt at work. It reports true when work was done, so
// the loop knows to come straight back for more.
type Unit func(ctx context.Context) (bool, error)

// Backoff bounds the sleep between empty polls.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

func (b Backoff) next(cur time.Duration) time.Duration {
	n := time.Duration(float64(cur) * b.Factor)
	if n > b.Max {
		n = b.Max
	}
	if n < b.Min {
		n = b.Min
	}
	return n
}

// failureHold is the number of consecutive unit errors after which the
// loop pins its wait at max backoff. A single poison item must not
// keep the loop spinning at minimum backoff forever.
const failureHold = 3

// Notifier runs a Unit in a background loop that starts lazily on the
// first wake-up, sleeps with exponential backoff while idle, and
// re-checks immediately when woken.
type Notifier struct {
	name    string
	unit    Unit
	backoff Backoff
	log     *logrus.Entry

	base   context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewNotifier binds the loop to ctx: cancelling ctx (or calling Stop)
// terminates the loop once it finishes the current unit of work.
func NewNotifier(ctx context.Context, name string, unit Unit, backoff Backoff, log *logrus.Logger) *Notifier {
	base, cancel := context.WithCancel(ctx)
	if backoff.Factor < 1 {
		backoff.Factor = 1
	}
	return &Notifier{
		name:    name,
		unit:    unit,
		backoff: backoff,
		log:     log.WithField("worker", name),
		base:    base,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}
}

// WakeUp notifies the loop that work may be available. When the loop
// is stopped and startIfStopped is true it is started first. The
// notification is delivered regardless of state, so a running loop
// cuts its backoff wait short instead of sleeping it out.
func (n *Notifier) WakeUp(startIfStopped bool) {
	n.mu.Lock()
	if !n.running && startIfStopped {
		n.running = true
		n.done = make(chan struct{})
		go n.run(n.done)
	}
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for it to exit. Safe to call when
// the loop never started.
func (n *Notifier) Stop() {
	n.cancel()
	n.mu.Lock()
	done := n.done
	n.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (n *Notifier) run(done chan struct{}) {
	defer close(done)
	defer func() {
		n.mu.Lock()
		n.running = false
		n.mu.Unlock()
	}()

	cur := n.backoff.Min
	failures := 0
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if n.base.Err() != nil {
			return
		}
		worked, err := n.unit(n.base)
		if err != nil {
			failures++
			n.log.WithError(err).Error("unit of work failed")
			worked = false
		} else if worked {
			failures = 0
		}
		if worked {
			cur = n.backoff.Min
			continue
		}

		wait := cur
		if failures >= failureHold {
			wait = n.backoff.Max
		}
		timer.Reset(wait)
		select {
		case <-n.base.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-n.wake:
			if !timer.Stop() {
				<-timer.C
			}
			cur = n.backoff.Min
		case <-timer.C:
			cur = n.backoff.next(cur)
		}
	}
}
