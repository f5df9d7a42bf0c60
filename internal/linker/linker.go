// Package linker imposes the global total order on the append log: it
// assigns each event its sequence number and previous-number
// back-pointer and queues it for publishing.
package linker

import (
	"context"

	"github.com/sirupsen/logrus"

	"sequent/internal/domain"
	"sequent/internal/metrics"
	"sequent/internal/worker"
)

// Store is the slice of the event store the linker needs. The whole
// link step runs inside one store transaction; see sqlite.LinkNextEvent.
type Store interface {
	LinkNextEvent(ctx context.Context) (domain.LinkedEvent, bool, error)
}

type Linker struct {
	store    Store
	log      *logrus.Entry
	onLinked func()
}

// New creates a linker. onLinked is invoked after every successful
// link (the publisher's wake-up); it may be nil.
func New(store Store, log *logrus.Logger, onLinked func()) *Linker {
	return &Linker{store: store, log: log.WithField("component", "linker"), onLinked: onLinked}
}

// FindAndLinkNextUnlinkedEvent links the single oldest unlinked event.
// Returns false when the log has no unlinked events; the sequence
// counter is untouched in that case.
func (l *Linker) FindAndLinkNextUnlinkedEvent(ctx context.Context) (bool, error) {
	linked, ok, err := l.store.LinkNextEvent(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	metrics.EventsLinked.Inc()
	l.log.WithFields(logrus.Fields{
		"event_id":     linked.ID,
		"event_number": linked.EventNumber,
		"stream_id":    linked.StreamID,
	}).Debug("linked event")
	if l.onLinked != nil {
		l.onLinked()
	}
	return true, nil
}

// LinkAllPending drains the unlinked backlog, stopping early when the
// time budget runs out so the enclosing timer tick is never overrun.
func (l *Linker) LinkAllPending(ctx context.Context, budget worker.TimeBudget) (int, error) {
	linked := 0
	for budget.HasTime() {
		ok, err := l.FindAndLinkNextUnlinkedEvent(ctx)
		if err != nil {
			return linked, err
		}
		if !ok {
			return linked, nil
		}
		linked++
	}
	return linked, nil
}

// Unit adapts the single-event step to the backoff worker contract.
func (l *Linker) Unit() worker.Unit {
	return l.FindAndLinkNextUnlinkedEvent
}
