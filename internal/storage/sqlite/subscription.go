package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sequent/internal/domain"
)

// EnsureSubscription creates the status row for one (source, component)
// pair if it does not exist. Idempotent; called for every configured
// pair at bootstrap.
func (s *Store) EnsureSubscription(ctx context.Context, pair domain.SourceComponentPair) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO event_subscription_status(source, component, latest_event_id, latest_known_position, updated_at)
VALUES (?, ?, NULL, 0, ?)`, pair.Source, pair.Component, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("ensure subscription %s: %w", pair, err)
	}
	return nil
}

func (s *Store) SubscriptionStatus(ctx context.Context, pair domain.SourceComponentPair) (domain.SubscriptionStatus, bool, error) {
	var (
		latestID  sql.NullString
		position  int64
		updatedNs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT latest_event_id, latest_known_position, updated_at
FROM event_subscription_status WHERE source = ? AND component = ?`, pair.Source, pair.Component).
		Scan(&latestID, &position, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SubscriptionStatus{}, false, nil
	}
	if err != nil {
		return domain.SubscriptionStatus{}, false, err
	}
	status := domain.SubscriptionStatus{
		Source:              pair.Source,
		Component:           pair.Component,
		LatestKnownPosition: position,
		UpdatedAt:           time.Unix(0, updatedNs).UTC(),
	}
	if latestID.Valid {
		id := uuid.MustParse(latestID.String)
		status.LatestEventID = &id
	}
	return status, true, nil
}

func (s *Store) UpdateSubscriptionStatus(ctx context.Context, pair domain.SourceComponentPair, latestEventID uuid.UUID, latestKnownPosition int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE event_subscription_status
SET latest_event_id = ?, latest_known_position = ?, updated_at = ?
WHERE source = ? AND component = ?`,
		latestEventID.String(), latestKnownPosition, time.Now().UTC().UnixNano(), pair.Source, pair.Component)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", pair, err)
	}
	return nil
}

// Subscriptions lists all known (source, component) pairs.
func (s *Store) Subscriptions(ctx context.Context) ([]domain.SourceComponentPair, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, component FROM event_subscription_status ORDER BY source, component`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SourceComponentPair
	for rows.Next() {
		var p domain.SourceComponentPair
		if err := rows.Scan(&p.Source, &p.Component); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordProcessed inserts one processed-event row. Re-recording the
// same event number for a pair is a no-op (catchup and replay stay
// idempotent through the unique constraint); inserted reports whether
// the row was new.
func (s *Store) RecordProcessed(ctx context.Context, pe domain.ProcessedEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO processed_event(event_id, event_number, previous_event_number, source, component)
VALUES (?, ?, ?, ?, ?)`,
		pe.EventID.String(), pe.EventNumber, pe.PreviousEventNumber, pe.Source, pe.Component)
	if err != nil {
		return false, fmt.Errorf("record processed event %d for %s/%s: %w", pe.EventNumber, pe.Source, pe.Component, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LatestProcessed returns the pair's processed event with the highest
// event number, or ok=false when nothing was processed yet.
func (s *Store) LatestProcessed(ctx context.Context, pair domain.SourceComponentPair) (domain.ProcessedEvent, bool, error) {
	var (
		id               string
		number, previous int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT event_id, event_number, previous_event_number FROM processed_event
WHERE source = ? AND component = ?
ORDER BY event_number DESC LIMIT 1`, pair.Source, pair.Component).
		Scan(&id, &number, &previous)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProcessedEvent{}, false, nil
	}
	if err != nil {
		return domain.ProcessedEvent{}, false, err
	}
	return domain.ProcessedEvent{
		EventID:             uuid.MustParse(id),
		EventNumber:         number,
		PreviousEventNumber: previous,
		Source:              pair.Source,
		Component:           pair.Component,
	}, true, nil
}

// ScanProcessedDescending streams the pair's processed events with
// from <= event_number <= to in descending number order. fn returning
// an error stops the scan.
func (s *Store) ScanProcessedDescending(ctx context.Context, pair domain.SourceComponentPair, from, to int64, fn func(domain.ProcessedEvent) error) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, event_number, previous_event_number FROM processed_event
WHERE source = ? AND component = ? AND event_number >= ? AND event_number <= ?
ORDER BY event_number DESC`, pair.Source, pair.Component, from, to)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id               string
			number, previous int64
		)
		if err := rows.Scan(&id, &number, &previous); err != nil {
			return err
		}
		pe := domain.ProcessedEvent{
			EventID:             uuid.MustParse(id),
			EventNumber:         number,
			PreviousEventNumber: previous,
			Source:              pair.Source,
			Component:           pair.Component,
		}
		if err := fn(pe); err != nil {
			return err
		}
	}
	return rows.Err()
}
