// Package subscription drives per-(source, component) consumption:
// discovering new events, delivering them in stream order, tracking
// processed positions, detecting gaps, and scaling workers over the
// backlog.
package subscription

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DiscoveryStore is the read model discovery polls against.
type DiscoveryStore interface {
	EventNumberOf(ctx context.Context, id uuid.UUID) (int64, bool, error)
	CandidateForBatch(ctx context.Context, first int64, batchSize int) (uuid.UUID, int64, bool, error)
	StreamPositionsBetween(ctx context.Context, after, through int64) (map[uuid.UUID]int64, error)
}

// DiscoveryResult carries the per-stream high-water positions reached
// since the last poll, plus the new latest-known event.
type DiscoveryResult struct {
	StreamPositions   map[uuid.UUID]int64
	LatestEventID     uuid.UUID
	LatestEventNumber int64
}

// Empty reports the "no new events" terminal case.
func (r DiscoveryResult) Empty() bool {
	return r.LatestEventID == uuid.Nil
}

// Discoverer finds, in bounded batches, the streams that advanced
// since a subscription's last-known event. The batch size bounds the
// work of one poll so a slow run never blocks the timer indefinitely.
type Discoverer struct {
	store     DiscoveryStore
	batchSize int
	log       *logrus.Entry
}

func NewDiscoverer(store DiscoveryStore, batchSize int, log *logrus.Logger) *Discoverer {
	return &Discoverer{store: store, batchSize: batchSize, log: log.WithField("component", "discovery")}
}

// DiscoverNewEvents resolves latestKnown to a starting sequence number
// (0 when nil, meaning from the beginning), picks the candidate event
// at most batchSize numbers ahead, and collects per-stream maximum
// positions over the half-open window (first, candidate]. A candidate
// equal to latestKnown means no progress and yields an empty result.
func (d *Discoverer) DiscoverNewEvents(ctx context.Context, latestKnown *uuid.UUID) (DiscoveryResult, error) {
	var first int64
	if latestKnown != nil {
		n, ok, err := d.store.EventNumberOf(ctx, *latestKnown)
		if err != nil {
			return DiscoveryResult{}, err
		}
		if !ok {
			// An unknown latest event id would silently replay from
			// scratch; surface it loudly instead but keep going from 0.
			d.log.WithField("event_id", *latestKnown).Warn("latest known event not found, discovering from the beginning")
		} else {
			first = n
		}
	}

	candidateID, candidateNumber, ok, err := d.store.CandidateForBatch(ctx, first, d.batchSize)
	if err != nil {
		return DiscoveryResult{}, err
	}
	if !ok {
		return DiscoveryResult{}, nil
	}
	if latestKnown != nil && candidateID == *latestKnown {
		return DiscoveryResult{}, nil
	}

	positions, err := d.store.StreamPositionsBetween(ctx, first, candidateNumber)
	if err != nil {
		return DiscoveryResult{}, err
	}
	return DiscoveryResult{
		StreamPositions:   positions,
		LatestEventID:     candidateID,
		LatestEventNumber: candidateNumber,
	}, nil
}
