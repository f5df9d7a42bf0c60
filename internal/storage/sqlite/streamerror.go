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

// MarkStreamAsErrored persists one stream failure, guarded by the
// optimistic position check: if the stream's status row has moved past
// expectedPosition since the failure was observed, the stale report is
// dropped and persisted=false is returned. The whole check-and-write
// runs inside a single immediate transaction.
func (s *Store) MarkStreamAsErrored(ctx context.Context, se domain.StreamError, hash domain.StreamErrorHash, expectedPosition int64) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()

	var current int64
	err = tx.QueryRowContext(ctx, `
SELECT position FROM stream_status WHERE stream_id = ? AND source = ? AND component = ?`,
		se.StreamID.String(), se.Source, se.Component).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
INSERT INTO stream_status(stream_id, source, component, position, is_up_to_date, updated_at)
VALUES (?, ?, ?, ?, 0, ?)`, se.StreamID.String(), se.Source, se.Component, expectedPosition, now); err != nil {
			return false, fmt.Errorf("create stream status: %w", err)
		}
		current = expectedPosition
	case err != nil:
		return false, fmt.Errorf("read stream status: %w", err)
	}
	if current != expectedPosition {
		// The stream advanced since the failure was detected. The
		// newer state wins; a late error report must not regress it.
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO stream_error_hash(hash, exception_class, cause_class, method, line)
VALUES (?, ?, ?, ?, ?)`, hash.Hash, hash.ExceptionClass, hash.CauseClass, hash.Method, hash.Line); err != nil {
		return false, fmt.Errorf("persist error hash: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO stream_error(id, hash, stream_id, position_in_stream, event_name, event_id, source, component, full_stack_trace, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		se.ID.String(), se.Hash, se.StreamID.String(), se.PositionInStream, se.EventName, se.EventID.String(),
		se.Source, se.Component, se.StackTrace, now); err != nil {
		return false, fmt.Errorf("persist stream error: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE stream_status SET stream_error_id = ?, stream_error_position = ?, is_up_to_date = 0, updated_at = ?
WHERE stream_id = ? AND source = ? AND component = ?`,
		se.ID.String(), se.PositionInStream, now, se.StreamID.String(), se.Source, se.Component); err != nil {
		return false, fmt.Errorf("mark stream status errored: %w", err)
	}
	return true, tx.Commit()
}

// MarkStreamAsFixed clears the error and retry state for a stream that
// processed successfully again.
func (s *Store) MarkStreamAsFixed(ctx context.Context, pair domain.SourceComponentPair, streamID uuid.UUID) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	if _, err := tx.ExecContext(ctx, `
UPDATE stream_status SET stream_error_id = NULL, stream_error_position = NULL, updated_at = ?
WHERE stream_id = ? AND source = ? AND component = ?`, now, streamID.String(), pair.Source, pair.Component); err != nil {
		return fmt.Errorf("unmark stream status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM stream_error WHERE stream_id = ? AND source = ? AND component = ?`,
		streamID.String(), pair.Source, pair.Component); err != nil {
		return fmt.Errorf("delete stream errors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM stream_retry WHERE stream_id = ? AND source = ? AND component = ?`,
		streamID.String(), pair.Source, pair.Component); err != nil {
		return fmt.Errorf("delete stream retry: %w", err)
	}
	return tx.Commit()
}

// UpdateStreamPosition advances a stream's processed position for one
// pair, creating the status row on first success.
func (s *Store) UpdateStreamPosition(ctx context.Context, pair domain.SourceComponentPair, streamID uuid.UUID, position int64, upToDate bool) error {
	up := 0
	if upToDate {
		up = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stream_status(stream_id, source, component, position, is_up_to_date, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(stream_id, source, component)
DO UPDATE SET position = excluded.position, is_up_to_date = excluded.is_up_to_date, updated_at = excluded.updated_at`,
		streamID.String(), pair.Source, pair.Component, position, up, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("update stream position: %w", err)
	}
	return nil
}

func (s *Store) StreamStatus(ctx context.Context, pair domain.SourceComponentPair, streamID uuid.UUID) (domain.StreamStatus, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT stream_id, source, component, position, stream_error_id, stream_error_position, is_up_to_date, updated_at
FROM stream_status WHERE stream_id = ? AND source = ? AND component = ?`,
		streamID.String(), pair.Source, pair.Component)
	status, err := scanStreamStatus(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StreamStatus{}, false, nil
	}
	if err != nil {
		return domain.StreamStatus{}, false, err
	}
	return status, true, nil
}

// ErroredStreamIDs returns the streams currently quarantined for a
// pair.
func (s *Store) ErroredStreamIDs(ctx context.Context, pair domain.SourceComponentPair) (map[uuid.UUID]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stream_id FROM stream_status
WHERE source = ? AND component = ? AND stream_error_id IS NOT NULL`, pair.Source, pair.Component)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[uuid.UUID]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[uuid.MustParse(id)] = true
	}
	return out, rows.Err()
}

// StatusesByErrorHash returns every errored stream status whose active
// error carries the given fingerprint hash. Serves the read API.
func (s *Store) StatusesByErrorHash(ctx context.Context, hash string) ([]domain.StreamStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ss.stream_id, ss.source, ss.component, ss.position, ss.stream_error_id, ss.stream_error_position, ss.is_up_to_date, ss.updated_at
FROM stream_status ss
JOIN stream_error se ON se.id = ss.stream_error_id
WHERE se.hash = ?
ORDER BY ss.stream_id`, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StreamStatus
	for rows.Next() {
		status, err := scanStreamStatus(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, rows.Err()
}

// UpsertRetry recomputes and stores the retry row for a failing
// stream.
func (s *Store) UpsertRetry(ctx context.Context, r domain.StreamRetry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stream_retry(stream_id, source, component, attempts, next_retry_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(stream_id, source, component)
DO UPDATE SET attempts = excluded.attempts, next_retry_at = excluded.next_retry_at`,
		r.StreamID.String(), r.Source, r.Component, r.Attempts, r.NextRetryAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert stream retry: %w", err)
	}
	return nil
}

func (s *Store) Retry(ctx context.Context, pair domain.SourceComponentPair, streamID uuid.UUID) (domain.StreamRetry, bool, error) {
	var (
		attempts int
		nextNs   int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT attempts, next_retry_at FROM stream_retry
WHERE stream_id = ? AND source = ? AND component = ?`, streamID.String(), pair.Source, pair.Component).
		Scan(&attempts, &nextNs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StreamRetry{}, false, nil
	}
	if err != nil {
		return domain.StreamRetry{}, false, err
	}
	return domain.StreamRetry{
		StreamID:    streamID,
		Source:      pair.Source,
		Component:   pair.Component,
		Attempts:    attempts,
		NextRetryAt: time.Unix(0, nextNs).UTC(),
	}, true, nil
}

// StreamsDueForRetry returns quarantined streams whose next retry time
// has passed and whose attempt count is below max.
func (s *Store) StreamsDueForRetry(ctx context.Context, pair domain.SourceComponentPair, now time.Time, maxAttempts int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stream_id FROM stream_retry
WHERE source = ? AND component = ? AND next_retry_at <= ? AND attempts < ?
ORDER BY next_retry_at`, pair.Source, pair.Component, now.UTC().UnixNano(), maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, uuid.MustParse(id))
	}
	return out, rows.Err()
}

func scanStreamStatus(scan func(...any) error) (domain.StreamStatus, error) {
	var (
		streamID, source, component string
		position, updatedNs         int64
		errorID                     sql.NullString
		errorPos                    sql.NullInt64
		upToDate                    int
	)
	if err := scan(&streamID, &source, &component, &position, &errorID, &errorPos, &upToDate, &updatedNs); err != nil {
		return domain.StreamStatus{}, err
	}
	status := domain.StreamStatus{
		StreamID:  uuid.MustParse(streamID),
		Source:    source,
		Component: component,
		Position:  position,
		UpToDate:  upToDate == 1,
		UpdatedAt: time.Unix(0, updatedNs).UTC(),
	}
	if errorID.Valid {
		id := uuid.MustParse(errorID.String)
		status.ErrorID = &id
	}
	if errorPos.Valid {
		p := errorPos.Int64
		status.ErrorPosition = &p
	}
	return status, nil
}
