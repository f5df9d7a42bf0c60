package subscription

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sequent/internal/domain"
	"sequent/internal/metrics"
	"sequent/internal/streamerror"
)

// EventHandler is one component's consumption callback.
type EventHandler interface {
	Handle(ctx context.Context, e domain.LinkedEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, e domain.LinkedEvent) error

func (f HandlerFunc) Handle(ctx context.Context, e domain.LinkedEvent) error {
	return f(ctx, e)
}

// ProcessorStore is the slice of the event store the processor reads
// and writes.
type ProcessorStore interface {
	SubscriptionStatus(ctx context.Context, pair domain.SourceComponentPair) (domain.SubscriptionStatus, bool, error)
	UpdateSubscriptionStatus(ctx context.Context, pair domain.SourceComponentPair, latestEventID uuid.UUID, latestKnownPosition int64) error
	EventsForStreamAfter(ctx context.Context, streamID uuid.UUID, after int64, limit int) ([]domain.LinkedEvent, error)
	StreamStatus(ctx context.Context, pair domain.SourceComponentPair, streamID uuid.UUID) (domain.StreamStatus, bool, error)
	ErroredStreamIDs(ctx context.Context, pair domain.SourceComponentPair) (map[uuid.UUID]bool, error)
	RecordProcessed(ctx context.Context, pe domain.ProcessedEvent) (bool, error)
	UpdateStreamPosition(ctx context.Context, pair domain.SourceComponentPair, streamID uuid.UUID, position int64, upToDate bool) error
}

// Processor is the per-pair unit of work the coordinator drives:
// discover advanced streams, deliver their pending events in stream
// order, record positions, and route failures to quarantine. Errored
// streams stay excluded until their retry time comes around.
type Processor struct {
	store      ProcessorStore
	discoverer *Discoverer
	errs       *streamerror.Manager
	handlers   map[string]EventHandler
	pageSize   int
	log        *logrus.Entry
}

func NewProcessor(store ProcessorStore, discoverer *Discoverer, errs *streamerror.Manager, handlers map[string]EventHandler, pageSize int, log *logrus.Logger) *Processor {
	if pageSize < 1 {
		pageSize = 100
	}
	return &Processor{
		store:      store,
		discoverer: discoverer,
		errs:       errs,
		handlers:   handlers,
		pageSize:   pageSize,
		log:        log.WithField("component", "processor"),
	}
}

// ProcessNewEvents runs one discovery-and-deliver pass for a pair,
// reporting whether any events were found. It satisfies ProbeFunc.
func (p *Processor) ProcessNewEvents(ctx context.Context, pair domain.SourceComponentPair) (bool, error) {
	metrics.DiscoveryRuns.WithLabelValues(pair.Source, pair.Component).Inc()

	status, _, err := p.store.SubscriptionStatus(ctx, pair)
	if err != nil {
		return false, fmt.Errorf("read subscription status %s: %w", pair, err)
	}

	result, err := p.discoverer.DiscoverNewEvents(ctx, status.LatestEventID)
	if err != nil {
		return false, fmt.Errorf("discover new events %s: %w", pair, err)
	}

	errored, err := p.store.ErroredStreamIDs(ctx, pair)
	if err != nil {
		return false, err
	}
	due, err := p.errs.DueForRetry(ctx, pair)
	if err != nil {
		return false, err
	}
	dueSet := map[uuid.UUID]bool{}
	for _, id := range due {
		dueSet[id] = true
	}

	streams := make([]uuid.UUID, 0, len(result.StreamPositions)+len(due))
	for id := range result.StreamPositions {
		if errored[id] && !dueSet[id] {
			continue
		}
		streams = append(streams, id)
		delete(dueSet, id)
	}
	for id := range dueSet {
		streams = append(streams, id)
	}

	found := len(result.StreamPositions) > 0
	for _, streamID := range streams {
		delivered, err := p.processStream(ctx, pair, streamID, errored[streamID])
		if err != nil {
			// One stream's infrastructure failure must not starve the
			// remaining streams of this pass.
			p.log.WithFields(logrus.Fields{"pair": pair, "stream_id": streamID}).
				WithError(err).Error("stream processing pass failed")
			continue
		}
		found = found || delivered > 0
	}

	if !result.Empty() {
		if err := p.store.UpdateSubscriptionStatus(ctx, pair, result.LatestEventID, result.LatestEventNumber); err != nil {
			return found, fmt.Errorf("advance subscription status %s: %w", pair, err)
		}
	}
	return found, nil
}

// processStream delivers a stream's pending linked events in position
// order. A handler failure is recorded as a stream error (with the
// pre-failure position as the optimistic guard) and stops the stream;
// it is not an error of the pass itself.
func (p *Processor) processStream(ctx context.Context, pair domain.SourceComponentPair, streamID uuid.UUID, wasErrored bool) (int, error) {
	handler, ok := p.handlers[pair.Component]
	if !ok {
		return 0, fmt.Errorf("no handler registered for component %q", pair.Component)
	}

	var current int64
	if st, ok, err := p.store.StreamStatus(ctx, pair, streamID); err != nil {
		return 0, err
	} else if ok {
		current = st.Position
	}

	delivered := 0
	for {
		events, err := p.store.EventsForStreamAfter(ctx, streamID, current, p.pageSize)
		if err != nil {
			return delivered, err
		}
		if len(events) == 0 {
			return delivered, nil
		}
		for _, e := range events {
			if err := handle(ctx, handler, e); err != nil {
				if rerr := p.errs.RecordFailure(ctx, pair, e, err, current); rerr != nil {
					return delivered, fmt.Errorf("record stream failure: %w", rerr)
				}
				return delivered, nil
			}
			if _, err := p.store.RecordProcessed(ctx, domain.ProcessedEvent{
				EventID:             e.ID,
				EventNumber:         e.EventNumber,
				PreviousEventNumber: e.PreviousEventNumber,
				Source:              pair.Source,
				Component:           pair.Component,
			}); err != nil {
				return delivered, err
			}
			if err := p.store.UpdateStreamPosition(ctx, pair, streamID, e.PositionInStream, true); err != nil {
				return delivered, err
			}
			if wasErrored {
				if err := p.errs.RecordSuccess(ctx, pair, streamID); err != nil {
					return delivered, err
				}
				wasErrored = false
			}
			metrics.EventsProcessed.WithLabelValues(pair.Source, pair.Component).Inc()
			current = e.PositionInStream
			delivered++
		}
		if len(events) < p.pageSize {
			return delivered, nil
		}
	}
}

// handle shields the pipeline from panicking components.
func handle(ctx context.Context, h EventHandler, e domain.LinkedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, e)
}
