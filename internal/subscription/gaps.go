package subscription

import (
	"context"

	"sequent/internal/domain"
	"sequent/internal/storage"
)

// GapStore streams a pair's processed events newest-first.
type GapStore interface {
	ScanProcessedDescending(ctx context.Context, pair domain.SourceComponentPair, from, to int64, fn func(domain.ProcessedEvent) error) error
}

// RangeFinder reconstructs which event-number windows a subscription
// never processed, by walking the previous-pointer chain of its
// processed events.
type RangeFinder struct {
	store GapStore
}

func NewRangeFinder(store GapStore) *RangeFinder {
	return &RangeFinder{store: store}
}

// FindMissingRanges returns the ascending half-open [from, to) ranges
// of event numbers in [runFrom, highestPublished] that the pair has
// not processed. The scan runs newest-first: each processed event is
// expected to carry the number the chain predicted; a mismatch records
// the skipped window, and a window still open when the scan ends is
// closed at runFrom.
func (f *RangeFinder) FindMissingRanges(ctx context.Context, pair domain.SourceComponentPair, runFrom, highestPublished int64) ([]storage.Range, error) {
	if runFrom < 1 {
		runFrom = 1
	}
	expected := highestPublished
	var descending []storage.Range

	err := f.store.ScanProcessedDescending(ctx, pair, runFrom, highestPublished, func(pe domain.ProcessedEvent) error {
		if pe.EventNumber != expected {
			descending = append(descending, storage.Range{From: pe.EventNumber + 1, To: expected + 1})
		}
		expected = pe.PreviousEventNumber
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expected >= runFrom {
		descending = append(descending, storage.Range{From: runFrom, To: expected + 1})
	}

	// Collected newest-first; callers want ascending ranges.
	for i, j := 0, len(descending)-1; i < j; i, j = i+1, j-1 {
		descending[i], descending[j] = descending[j], descending[i]
	}
	return descending, nil
}
