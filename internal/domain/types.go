package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is one immutable fact in the append log. EventNumber and
// PreviousEventNumber are nil until the linker assigns them.
type Event struct {
	ID                  uuid.UUID
	StreamID            uuid.UUID
	PositionInStream    int64
	Name                string
	Metadata            string
	Payload             string
	CreatedAt           time.Time
	EventNumber         *int64
	PreviousEventNumber *int64
	Published           bool
}

// LinkedEvent is an Event after sequence assignment. EventNumber is
// always present; PreviousEventNumber is 0 for the first event ever
// linked.
type LinkedEvent struct {
	ID                  uuid.UUID
	StreamID            uuid.UUID
	PositionInStream    int64
	Name                string
	Metadata            string
	Payload             string
	CreatedAt           time.Time
	EventNumber         int64
	PreviousEventNumber int64
}

// SourceComponentPair identifies one consumer's independent read
// position over one event source. It is the unit of discovery,
// concurrency control and error tracking.
type SourceComponentPair struct {
	Source    string
	Component string
}

func (p SourceComponentPair) Key() string {
	return p.Source + "::" + p.Component
}

func (p SourceComponentPair) String() string {
	return p.Key()
}

// SubscriptionStatus records how far a (source, component) pair has
// discovered new events.
type SubscriptionStatus struct {
	Source              string
	Component           string
	LatestEventID       *uuid.UUID
	LatestKnownPosition int64
	UpdatedAt           time.Time
}

// ProcessedEvent records that a pair finished processing one event.
// The previous-pointer chain over these rows is what gap detection
// walks.
type ProcessedEvent struct {
	EventID             uuid.UUID
	EventNumber         int64
	PreviousEventNumber int64
	Source              string
	Component           string
}

// StreamStatus is the per-(stream, source, component) freshness row.
// ErrorID/ErrorPosition are set while the stream is quarantined.
type StreamStatus struct {
	StreamID      uuid.UUID
	Source        string
	Component     string
	Position      int64
	ErrorID       *uuid.UUID
	ErrorPosition *int64
	UpToDate      bool
	UpdatedAt     time.Time
}

// StreamError is one persisted processing failure for a stream.
type StreamError struct {
	ID               uuid.UUID
	Hash             string
	StreamID         uuid.UUID
	PositionInStream int64
	EventName        string
	EventID          uuid.UUID
	Source           string
	Component        string
	StackTrace       string
	CreatedAt        time.Time
}

// StreamErrorHash is the shared fingerprint row: many StreamErrors may
// point at the same hash.
type StreamErrorHash struct {
	Hash           string
	ExceptionClass string
	CauseClass     string
	Method         string
	Line           int
}

// StreamRetry is the retry bookkeeping for a quarantined stream.
type StreamRetry struct {
	StreamID    uuid.UUID
	Source      string
	Component   string
	Attempts    int
	NextRetryAt time.Time
}
