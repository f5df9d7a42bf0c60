package storage

import "errors"

var (
	// ErrOptimisticLock signals an append that lost the
	// (stream_id, position_in_stream) uniqueness race. The caller owns
	// the retry; it is never swallowed here.
	ErrOptimisticLock = errors.New("storage: optimistic lock conflict on append")

	// ErrInvalidPosition signals an append attempt without a valid
	// position in stream. This is a programming error upstream and is
	// not retryable.
	ErrInvalidPosition = errors.New("storage: position in stream must be >= 1")

	// ErrMissingEventNumber signals a publish-queue entry whose event
	// is absent or unlinked. The linking invariant is broken; callers
	// must raise, not retry.
	ErrMissingEventNumber = errors.New("storage: queued event has no event number")
)

// Range is a half-open [From, To) window of event numbers.
type Range struct {
	From int64
	To   int64
}

func (r Range) Contains(n int64) bool {
	return n >= r.From && n < r.To
}

// ChainReport is the result of a link-chain verification scan.
type ChainReport struct {
	HighestEventNumber int64
	LinkedCount        int64
	UnlinkedCount      int64
	QueueDepth         int64
	BrokenLinks        []Range
}

func (r ChainReport) OK() bool {
	return r.UnlinkedCount == 0 && r.QueueDepth == 0 && len(r.BrokenLinks) == 0
}
