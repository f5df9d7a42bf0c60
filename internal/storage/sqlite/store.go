// Package sqlite persists the append log, the sequence counter, the
// publish queue and all subscription bookkeeping in a single SQLite
// database. Write transactions are opened immediate, so every mutation
// of shared state (the counter row above all) is serialized by the
// database itself.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS event_log (
	id TEXT PRIMARY KEY,
	stream_id TEXT NOT NULL,
	position_in_stream INTEGER NOT NULL,
	name TEXT NOT NULL,
	metadata TEXT NOT NULL,
	payload TEXT NOT NULL,
	date_created INTEGER NOT NULL,
	event_number INTEGER,
	previous_event_number INTEGER,
	is_published INTEGER NOT NULL DEFAULT 0,
	UNIQUE(stream_id, position_in_stream),
	UNIQUE(event_number)
);

CREATE INDEX IF NOT EXISTS idx_event_log_unlinked ON event_log(event_number) WHERE event_number IS NULL;
CREATE INDEX IF NOT EXISTS idx_event_log_stream_pos ON event_log(stream_id, position_in_stream);

CREATE TRIGGER IF NOT EXISTS trg_event_log_no_delete
BEFORE DELETE ON event_log
BEGIN
	SELECT RAISE(ABORT, 'event_log is append-only: DELETE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_event_log_immutable
BEFORE UPDATE ON event_log
WHEN OLD.stream_id <> NEW.stream_id
	OR OLD.position_in_stream <> NEW.position_in_stream
	OR OLD.name <> NEW.name
	OR OLD.metadata <> NEW.metadata
	OR OLD.payload <> NEW.payload
	OR OLD.date_created <> NEW.date_created
	OR (OLD.event_number IS NOT NULL AND NEW.event_number IS NOT OLD.event_number)
BEGIN
	SELECT RAISE(ABORT, 'event_log rows are immutable once linked');
END;

CREATE TABLE IF NOT EXISTS publish_queue (
	event_id TEXT PRIMARY KEY,
	queued_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS event_sequence (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	next_available_event_number INTEGER NOT NULL
);

INSERT INTO event_sequence(id, next_available_event_number)
	SELECT 1, 1 WHERE NOT EXISTS (SELECT 1 FROM event_sequence WHERE id = 1);

CREATE TABLE IF NOT EXISTS event_subscription_status (
	source TEXT NOT NULL,
	component TEXT NOT NULL,
	latest_event_id TEXT,
	latest_known_position INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (source, component)
);

CREATE TABLE IF NOT EXISTS processed_event (
	event_id TEXT NOT NULL,
	event_number INTEGER NOT NULL,
	previous_event_number INTEGER NOT NULL,
	source TEXT NOT NULL,
	component TEXT NOT NULL,
	UNIQUE(event_number, source, component)
);

CREATE INDEX IF NOT EXISTS idx_processed_event_pair_number
	ON processed_event(source, component, event_number);

CREATE TABLE IF NOT EXISTS stream_status (
	stream_id TEXT NOT NULL,
	source TEXT NOT NULL,
	component TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	stream_error_id TEXT,
	stream_error_position INTEGER,
	is_up_to_date INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (stream_id, source, component)
);

CREATE TABLE IF NOT EXISTS stream_error (
	id TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	position_in_stream INTEGER NOT NULL,
	event_name TEXT NOT NULL,
	event_id TEXT NOT NULL,
	source TEXT NOT NULL,
	component TEXT NOT NULL,
	full_stack_trace TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stream_error_hash ON stream_error(hash);
CREATE INDEX IF NOT EXISTS idx_stream_error_stream ON stream_error(stream_id, source, component);

CREATE TABLE IF NOT EXISTS stream_error_hash (
	hash TEXT PRIMARY KEY,
	exception_class TEXT NOT NULL,
	cause_class TEXT NOT NULL DEFAULT '',
	method TEXT NOT NULL DEFAULT '',
	line INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS stream_retry (
	stream_id TEXT NOT NULL,
	source TEXT NOT NULL,
	component TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL,
	PRIMARY KEY (stream_id, source, component)
);
`

type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. ":memory:" is accepted
// for tests. Write transactions acquire the sqlite write lock up front
// (txlock=immediate), which is what gives LinkNextEvent its exclusive
// counter access.
func Open(path string) (*Store, error) {
	// The pragmas ride on the DSN so that every connection in the
	// database/sql pool gets them, not just the one that happens to
	// run an Exec.
	const connPragmas = "&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("mkdir db dir: %w", err)
			}
		}
		dsn = "file:" + path + "?_txlock=immediate" + connPragmas
	} else {
		dsn = "file:" + url.PathEscape("sequent") + "?mode=memory&cache=shared&_txlock=immediate" + connPragmas
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
