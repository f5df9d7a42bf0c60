package streamerror

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sequent/internal/domain"
	"sequent/internal/metrics"
)

// Store is the persistence surface for error and retry state. The
// MarkStreamAsErrored implementation owns the transaction and the
// stale-position guard.
type Store interface {
	MarkStreamAsErrored(ctx context.Context, se domain.StreamError, hash domain.StreamErrorHash, expectedPosition int64) (bool, error)
	MarkStreamAsFixed(ctx context.Context, pair domain.SourceComponentPair, streamID uuid.UUID) error
	UpsertRetry(ctx context.Context, r domain.StreamRetry) error
	Retry(ctx context.Context, pair domain.SourceComponentPair, streamID uuid.UUID) (domain.StreamRetry, bool, error)
	StreamsDueForRetry(ctx context.Context, pair domain.SourceComponentPair, now time.Time, maxAttempts int) ([]uuid.UUID, error)
}

// RetryPolicy computes linear-times-multiplier backoff keyed by the
// incrementing attempt count.
type RetryPolicy struct {
	MaxAttempts int
	DelayBase   time.Duration
	Multiplier  float64
}

func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(float64(p.DelayBase) * float64(attempts) * p.Multiplier)
}

type Manager struct {
	store  Store
	policy RetryPolicy
	now    func() time.Time
	log    *logrus.Entry
}

func NewManager(store Store, policy RetryPolicy, log *logrus.Logger) *Manager {
	return &Manager{
		store:  store,
		policy: policy,
		now:    time.Now,
		log:    log.WithField("component", "stream-errors"),
	}
}

// RecordFailure fingerprints cause, persists the occurrence (unless
// the stream has advanced past expectedPosition, in which case the
// stale report is dropped with a warning), and schedules the next
// retry.
func (m *Manager) RecordFailure(ctx context.Context, pair domain.SourceComponentPair, e domain.LinkedEvent, cause error, expectedPosition int64) error {
	hash := Fingerprint(cause)
	se := domain.StreamError{
		ID:               uuid.New(),
		Hash:             hash.Hash,
		StreamID:         e.StreamID,
		PositionInStream: e.PositionInStream,
		EventName:        e.Name,
		EventID:          e.ID,
		Source:           pair.Source,
		Component:        pair.Component,
		StackTrace:       cause.Error() + "\n\n" + StackTrace(),
		CreatedAt:        m.now().UTC(),
	}

	persisted, err := m.store.MarkStreamAsErrored(ctx, se, hash, expectedPosition)
	if err != nil {
		return err
	}
	if !persisted {
		m.log.WithFields(logrus.Fields{
			"pair":              pair,
			"stream_id":         e.StreamID,
			"expected_position": expectedPosition,
		}).Warn("stale stream error report skipped, stream has advanced")
		return nil
	}
	metrics.StreamErrors.WithLabelValues(pair.Source, pair.Component).Inc()

	attempts := 1
	if prev, ok, err := m.store.Retry(ctx, pair, e.StreamID); err != nil {
		return err
	} else if ok {
		attempts = prev.Attempts + 1
	}
	if attempts > m.policy.MaxAttempts {
		attempts = m.policy.MaxAttempts
	}
	return m.store.UpsertRetry(ctx, domain.StreamRetry{
		StreamID:    e.StreamID,
		Source:      pair.Source,
		Component:   pair.Component,
		Attempts:    attempts,
		NextRetryAt: m.now().Add(m.policy.Delay(attempts)),
	})
}

// RecordSuccess marks a previously errored stream as fixed, clearing
// its error and retry state.
func (m *Manager) RecordSuccess(ctx context.Context, pair domain.SourceComponentPair, streamID uuid.UUID) error {
	if err := m.store.MarkStreamAsFixed(ctx, pair, streamID); err != nil {
		return err
	}
	metrics.StreamsFixed.WithLabelValues(pair.Source, pair.Component).Inc()
	m.log.WithFields(logrus.Fields{"pair": pair, "stream_id": streamID}).Info("stream marked as fixed")
	return nil
}

// DueForRetry returns quarantined streams whose retry time has come.
func (m *Manager) DueForRetry(ctx context.Context, pair domain.SourceComponentPair) ([]uuid.UUID, error) {
	return m.store.StreamsDueForRetry(ctx, pair, m.now(), m.policy.MaxAttempts)
}
