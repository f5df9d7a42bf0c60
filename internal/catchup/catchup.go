// Package catchup implements the administrative re-processing
// commands: replaying linked events to components from arbitrary
// historical positions, plus post-catchup consistency verification.
package catchup

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sequent/internal/domain"
	"sequent/internal/storage"
	"sequent/internal/subscription"
)

// Store is the event-store surface catchup reads and writes.
type Store interface {
	LinkedEventsFrom(ctx context.Context, from int64, limit int) ([]domain.LinkedEvent, error)
	LinkedEventsInRanges(ctx context.Context, ranges []storage.Range) ([]domain.LinkedEvent, error)
	LinkedEventByID(ctx context.Context, id uuid.UUID) (domain.LinkedEvent, bool, error)
	EventNumberOf(ctx context.Context, id uuid.UUID) (int64, bool, error)
	HighestEventNumber(ctx context.Context) (int64, error)
	RecordProcessed(ctx context.Context, pe domain.ProcessedEvent) (bool, error)
	UpdateStreamPosition(ctx context.Context, pair domain.SourceComponentPair, streamID uuid.UUID, position int64, upToDate bool) error
	VerifyChain(ctx context.Context) (storage.ChainReport, error)
}

// Runner replays history. DrainLink and DrainPublish, when set, are
// invoked before a catchup so the log is fully linked and the queue
// empty before re-delivery starts.
type Runner struct {
	store        Store
	handlers     map[string]subscription.EventHandler
	indexers     map[string]subscription.EventHandler
	rangeFinder  *subscription.RangeFinder
	pageSize     int
	log          *logrus.Entry
	DrainLink    func(ctx context.Context) error
	DrainPublish func(ctx context.Context) error
}

func NewRunner(store Store, handlers, indexers map[string]subscription.EventHandler, rangeFinder *subscription.RangeFinder, pageSize int, log *logrus.Logger) *Runner {
	if pageSize < 1 {
		pageSize = 500
	}
	return &Runner{
		store:       store,
		handlers:    handlers,
		indexers:    indexers,
		rangeFinder: rangeFinder,
		pageSize:    pageSize,
		log:         log.WithField("component", "catchup"),
	}
}

// Catchup re-delivers every linked event numbered >= from to one
// component. Re-delivery of already processed events is absorbed by
// the processed-event unique constraint, so running it twice is safe.
func (r *Runner) Catchup(ctx context.Context, pair domain.SourceComponentPair, from int64) (int, error) {
	handler, err := r.handler(pair.Component)
	if err != nil {
		return 0, err
	}
	if err := r.drain(ctx); err != nil {
		return 0, err
	}
	if from < 1 {
		from = 1
	}

	replayed := 0
	for {
		events, err := r.store.LinkedEventsFrom(ctx, from, r.pageSize)
		if err != nil {
			return replayed, err
		}
		if len(events) == 0 {
			break
		}
		for _, e := range events {
			if err := r.deliver(ctx, pair, handler, e); err != nil {
				return replayed, err
			}
			replayed++
			from = e.EventNumber + 1
		}
		if len(events) < r.pageSize {
			break
		}
	}
	r.log.WithFields(logrus.Fields{"pair": pair, "replayed": replayed}).Info("catchup finished")
	return replayed, nil
}

// CatchupFromEvent starts the replay at a specific historical event.
func (r *Runner) CatchupFromEvent(ctx context.Context, pair domain.SourceComponentPair, eventID uuid.UUID) (int, error) {
	n, ok, err := r.store.EventNumberOf(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("catchup: event %s is not linked", eventID)
	}
	return r.Catchup(ctx, pair, n)
}

// FillGaps re-delivers only the event-number windows the pair never
// processed, as reconstructed from its previous-pointer chain.
func (r *Runner) FillGaps(ctx context.Context, pair domain.SourceComponentPair) (int, error) {
	handler, err := r.handler(pair.Component)
	if err != nil {
		return 0, err
	}
	highest, err := r.store.HighestEventNumber(ctx)
	if err != nil {
		return 0, err
	}
	ranges, err := r.rangeFinder.FindMissingRanges(ctx, pair, 1, highest)
	if err != nil {
		return 0, err
	}
	if len(ranges) == 0 {
		return 0, nil
	}
	events, err := r.store.LinkedEventsInRanges(ctx, ranges)
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		if err := r.deliver(ctx, pair, handler, e); err != nil {
			return 0, err
		}
	}
	return len(events), nil
}

// ReplayEventToComponent re-delivers one specific historical event.
func (r *Runner) ReplayEventToComponent(ctx context.Context, eventID uuid.UUID, pair domain.SourceComponentPair) error {
	handler, err := r.handler(pair.Component)
	if err != nil {
		return err
	}
	e, ok, err := r.store.LinkedEventByID(ctx, eventID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("replay: event %s not found or not linked", eventID)
	}
	return r.deliver(ctx, pair, handler, e)
}

// IndexerCatchup replays from the given number to every registered
// indexer component.
func (r *Runner) IndexerCatchup(ctx context.Context, source string, from int64) (int, error) {
	total := 0
	for component := range r.indexers {
		n, err := r.Catchup(ctx, domain.SourceComponentPair{Source: source, Component: component}, from)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Verify runs the post-catchup consistency checks: link-chain
// integrity, no unlinked leftovers, empty publish queue.
func (r *Runner) Verify(ctx context.Context) (storage.ChainReport, error) {
	return r.store.VerifyChain(ctx)
}

// Health reports whether the store is reachable.
func (r *Runner) Health(ctx context.Context) (bool, string) {
	n, err := r.store.HighestEventNumber(ctx)
	if err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("highest event number %d", n)
}

func (r *Runner) handler(component string) (subscription.EventHandler, error) {
	if h, ok := r.handlers[component]; ok {
		return h, nil
	}
	if h, ok := r.indexers[component]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("no handler registered for component %q", component)
}

func (r *Runner) drain(ctx context.Context) error {
	if r.DrainLink != nil {
		if err := r.DrainLink(ctx); err != nil {
			return fmt.Errorf("drain linker before catchup: %w", err)
		}
	}
	if r.DrainPublish != nil {
		if err := r.DrainPublish(ctx); err != nil {
			return fmt.Errorf("drain publisher before catchup: %w", err)
		}
	}
	return nil
}

func (r *Runner) deliver(ctx context.Context, pair domain.SourceComponentPair, handler subscription.EventHandler, e domain.LinkedEvent) error {
	if err := handler.Handle(ctx, e); err != nil {
		return fmt.Errorf("deliver event %d to %s: %w", e.EventNumber, pair, err)
	}
	if _, err := r.store.RecordProcessed(ctx, domain.ProcessedEvent{
		EventID:             e.ID,
		EventNumber:         e.EventNumber,
		PreviousEventNumber: e.PreviousEventNumber,
		Source:              pair.Source,
		Component:           pair.Component,
	}); err != nil {
		return err
	}
	return r.store.UpdateStreamPosition(ctx, pair, e.StreamID, e.PositionInStream, true)
}
