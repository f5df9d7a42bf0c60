package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sequent/internal/domain"
	"sequent/internal/storage"
)

const linkedEventColumns = `id, stream_id, position_in_stream, name, metadata, payload, date_created, event_number, previous_event_number`

// Append writes one raw event into the log. The unique
// (stream_id, position_in_stream) constraint is the only writer
// coordination across producers; losing that race returns
// storage.ErrOptimisticLock.
func (s *Store) Append(ctx context.Context, e domain.Event) error {
	if e.PositionInStream < 1 {
		return fmt.Errorf("%w: stream %s", storage.ErrInvalidPosition, e.StreamID)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO event_log(id, stream_id, position_in_stream, name, metadata, payload, date_created)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.StreamID.String(), e.PositionInStream, e.Name, e.Metadata, e.Payload, e.CreatedAt.UTC().UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: stream %s position %d", storage.ErrOptimisticLock, e.StreamID, e.PositionInStream)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LinkNextEvent assigns the next sequence number to the oldest
// unlinked event and enqueues it for publishing, all in one immediate
// transaction: counter read, link write, counter advance and queue
// insert either all land or none do.
func (s *Store) LinkNextEvent(ctx context.Context) (domain.LinkedEvent, bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return domain.LinkedEvent{}, false, err
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT next_available_event_number FROM event_sequence WHERE id = 1`).Scan(&next); err != nil {
		return domain.LinkedEvent{}, false, fmt.Errorf("read sequence counter: %w", err)
	}

	var (
		id, streamID, name, metadata, payload string
		position, createdNs                   int64
	)
	err = tx.QueryRowContext(ctx, `
SELECT id, stream_id, position_in_stream, name, metadata, payload, date_created
FROM event_log WHERE event_number IS NULL ORDER BY rowid LIMIT 1`).
		Scan(&id, &streamID, &position, &name, &metadata, &payload, &createdNs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LinkedEvent{}, false, nil
	}
	if err != nil {
		return domain.LinkedEvent{}, false, fmt.Errorf("find unlinked event: %w", err)
	}

	var previous int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(event_number), 0) FROM event_log`).Scan(&previous); err != nil {
		return domain.LinkedEvent{}, false, fmt.Errorf("read highest event number: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE event_log SET event_number = ?, previous_event_number = ? WHERE id = ?`, next, previous, id); err != nil {
		return domain.LinkedEvent{}, false, fmt.Errorf("write link: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE event_sequence SET next_available_event_number = ? WHERE id = 1`, next+1); err != nil {
		return domain.LinkedEvent{}, false, fmt.Errorf("advance sequence counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO publish_queue(event_id, queued_at) VALUES (?, ?)`, id, time.Now().UTC().UnixNano()); err != nil {
		return domain.LinkedEvent{}, false, fmt.Errorf("enqueue for publish: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.LinkedEvent{}, false, err
	}

	return domain.LinkedEvent{
		ID:                  uuid.MustParse(id),
		StreamID:            uuid.MustParse(streamID),
		PositionInStream:    position,
		Name:                name,
		Metadata:            metadata,
		Payload:             payload,
		CreatedAt:           time.Unix(0, createdNs).UTC(),
		EventNumber:         next,
		PreviousEventNumber: previous,
	}, true, nil
}

// PublishNext pops the head of the publish queue, hands the linked
// event to publish, and marks it published in one transaction, so a
// failed publish leaves the entry queued for the next attempt. A queue
// entry without a linked event is a linking bug and surfaces as
// storage.ErrMissingEventNumber.
func (s *Store) PublishNext(ctx context.Context, publish func(domain.LinkedEvent) error) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var eventID string
	err = tx.QueryRowContext(ctx, `SELECT event_id FROM publish_queue ORDER BY rowid LIMIT 1`).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pop publish queue: %w", err)
	}

	linked, err := scanLinkedEvent(tx.QueryRowContext(ctx, `
SELECT `+linkedEventColumns+` FROM event_log WHERE id = ? AND event_number IS NOT NULL`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: event %s", storage.ErrMissingEventNumber, eventID)
	}
	if err != nil {
		return false, fmt.Errorf("load queued event: %w", err)
	}

	if err := publish(linked); err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM publish_queue WHERE event_id = ?`, eventID); err != nil {
		return false, fmt.Errorf("dequeue published event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE event_log SET is_published = 1 WHERE id = ?`, eventID); err != nil {
		return false, fmt.Errorf("mark published: %w", err)
	}
	return true, tx.Commit()
}

// HighestEventNumber returns the highest assigned sequence number, 0
// when nothing is linked yet.
func (s *Store) HighestEventNumber(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(event_number), 0) FROM event_log`).Scan(&n)
	return n, err
}

func (s *Store) LinkedEventByID(ctx context.Context, id uuid.UUID) (domain.LinkedEvent, bool, error) {
	linked, err := scanLinkedEvent(s.db.QueryRowContext(ctx, `
SELECT `+linkedEventColumns+` FROM event_log WHERE id = ? AND event_number IS NOT NULL`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LinkedEvent{}, false, nil
	}
	if err != nil {
		return domain.LinkedEvent{}, false, err
	}
	return linked, true, nil
}

func (s *Store) LinkedEventByNumber(ctx context.Context, n int64) (domain.LinkedEvent, bool, error) {
	linked, err := scanLinkedEvent(s.db.QueryRowContext(ctx, `
SELECT `+linkedEventColumns+` FROM event_log WHERE event_number = ?`, n))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LinkedEvent{}, false, nil
	}
	if err != nil {
		return domain.LinkedEvent{}, false, err
	}
	return linked, true, nil
}

// LinkedEventsFrom returns up to limit linked events with
// event_number >= from, ascending.
func (s *Store) LinkedEventsFrom(ctx context.Context, from int64, limit int) ([]domain.LinkedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+linkedEventColumns+` FROM event_log
WHERE event_number >= ? ORDER BY event_number LIMIT ?`, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLinkedEvents(rows)
}

// LinkedEventsInRanges returns the linked events whose numbers fall in
// any of the given [from, to) ranges, ascending. Used to re-deliver
// windows found by gap detection.
func (s *Store) LinkedEventsInRanges(ctx context.Context, ranges []storage.Range) ([]domain.LinkedEvent, error) {
	var out []domain.LinkedEvent
	for _, r := range ranges {
		rows, err := s.db.QueryContext(ctx, `
SELECT `+linkedEventColumns+` FROM event_log
WHERE event_number >= ? AND event_number < ? ORDER BY event_number`, r.From, r.To)
		if err != nil {
			return nil, err
		}
		events, err := collectLinkedEvents(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	return out, nil
}

// EventsForStreamAfter returns linked events of one stream with
// position_in_stream > after, in stream order.
func (s *Store) EventsForStreamAfter(ctx context.Context, streamID uuid.UUID, after int64, limit int) ([]domain.LinkedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+linkedEventColumns+` FROM event_log
WHERE stream_id = ? AND position_in_stream > ? AND event_number IS NOT NULL
ORDER BY position_in_stream LIMIT ?`, streamID.String(), after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLinkedEvents(rows)
}

// EventNumberOf resolves an event id to its assigned number.
func (s *Store) EventNumberOf(ctx context.Context, id uuid.UUID) (int64, bool, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT event_number FROM event_log WHERE id = ?`, id.String()).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !n.Valid {
		return 0, false, nil
	}
	return n.Int64, true, nil
}

// CandidateForBatch returns the linked event at number
// min(first+batchSize, highest linked), the upper bound of one
// discovery batch. ok is false when nothing is linked yet.
func (s *Store) CandidateForBatch(ctx context.Context, first int64, batchSize int) (uuid.UUID, int64, bool, error) {
	highest, err := s.HighestEventNumber(ctx)
	if err != nil {
		return uuid.Nil, 0, false, err
	}
	if highest == 0 {
		return uuid.Nil, 0, false, nil
	}
	candidate := first + int64(batchSize)
	if candidate > highest {
		candidate = highest
	}
	var id string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM event_log WHERE event_number = ?`, candidate).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, 0, false, nil
	}
	if err != nil {
		return uuid.Nil, 0, false, err
	}
	return uuid.MustParse(id), candidate, true, nil
}

// StreamPositionsBetween returns, per stream, the highest
// position_in_stream among events numbered in (after, through].
func (s *Store) StreamPositionsBetween(ctx context.Context, after, through int64) (map[uuid.UUID]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stream_id, MAX(position_in_stream) FROM event_log
WHERE event_number > ? AND event_number <= ?
GROUP BY stream_id`, after, through)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[uuid.UUID]int64{}
	for rows.Next() {
		var id string
		var pos int64
		if err := rows.Scan(&id, &pos); err != nil {
			return nil, err
		}
		out[uuid.MustParse(id)] = pos
	}
	return out, rows.Err()
}

func (s *Store) CountUnlinked(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log WHERE event_number IS NULL`).Scan(&n)
	return n, err
}

func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM publish_queue`).Scan(&n)
	return n, err
}

// VerifyChain scans the whole linked sequence and reports anything
// that breaks the contiguous-from-1 invariant or the previous-pointer
// chain, plus leftover unlinked events and queue entries.
func (s *Store) VerifyChain(ctx context.Context) (storage.ChainReport, error) {
	var report storage.ChainReport
	var err error
	if report.UnlinkedCount, err = s.CountUnlinked(ctx); err != nil {
		return report, err
	}
	if report.QueueDepth, err = s.QueueDepth(ctx); err != nil {
		return report, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT event_number, previous_event_number FROM event_log
WHERE event_number IS NOT NULL ORDER BY event_number`)
	if err != nil {
		return report, err
	}
	defer rows.Close()

	expected := int64(1)
	for rows.Next() {
		var number, previous int64
		if err := rows.Scan(&number, &previous); err != nil {
			return report, err
		}
		if number != expected || previous != number-1 {
			report.BrokenLinks = append(report.BrokenLinks, storage.Range{From: expected, To: number})
		}
		expected = number + 1
		report.LinkedCount++
		report.HighestEventNumber = number
	}
	return report, rows.Err()
}

func scanLinkedEvent(row *sql.Row) (domain.LinkedEvent, error) {
	var (
		id, streamID, name, metadata, payload string
		position, createdNs, number, previous int64
	)
	if err := row.Scan(&id, &streamID, &position, &name, &metadata, &payload, &createdNs, &number, &previous); err != nil {
		return domain.LinkedEvent{}, err
	}
	return domain.LinkedEvent{
		ID:                  uuid.MustParse(id),
		StreamID:            uuid.MustParse(streamID),
		PositionInStream:    position,
		Name:                name,
		Metadata:            metadata,
		Payload:             payload,
		CreatedAt:           time.Unix(0, createdNs).UTC(),
		EventNumber:         number,
		PreviousEventNumber: previous,
	}, nil
}

func collectLinkedEvents(rows *sql.Rows) ([]domain.LinkedEvent, error) {
	var out []domain.LinkedEvent
	for rows.Next() {
		var (
			id, streamID, name, metadata, payload string
			position, createdNs, number, previous int64
		)
		if err := rows.Scan(&id, &streamID, &position, &name, &metadata, &payload, &createdNs, &number, &previous); err != nil {
			return nil, err
		}
		out = append(out, domain.LinkedEvent{
			ID:                  uuid.MustParse(id),
			StreamID:            uuid.MustParse(streamID),
			PositionInStream:    position,
			Name:                name,
			Metadata:            metadata,
			Payload:             payload,
			CreatedAt:           time.Unix(0, createdNs).UTC(),
			EventNumber:         number,
			PreviousEventNumber: previous,
		})
	}
	return out, rows.Err()
}
