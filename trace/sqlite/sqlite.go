// Package sqlite provides a persistent trace.Recorder backed by SQLite
// (modernc.org/sqlite, no cgo). It is meant for post-mortem inspection of
// long-running meshes where the in-memory recorder would grow unbounded.
package sqlite

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/trace"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const schema = `
CREATE TABLE IF NOT EXISTS trace_events (
	seq     INTEGER PRIMARY KEY,
	time    TEXT    NOT NULL,
	kind    TEXT    NOT NULL,
	process TEXT    NOT NULL,
	subject TEXT    NOT NULL DEFAULT '',
	detail  TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trace_events_kind ON trace_events(kind);
CREATE INDEX IF NOT EXISTS idx_trace_events_process ON trace_events(process);
`

// Store is a trace.Recorder writing every event to a SQLite table. Sequence
// numbers are assigned under a mutex so the table order matches the order
// events were recorded in.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	seq uint64
}

// Open opens (or creates) the database at dsn and runs migrations. Use
// ":memory:" for an ephemeral store.
func Open(dsn string) (*Store, error) {
	db, err := openDB("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("trace: open database: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("trace: pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("trace: migrate: %w", err)
	}

	s := &Store{db: db}
	var maxSeq sql.NullInt64
	if err := db.QueryRow("SELECT MAX(seq) FROM trace_events").Scan(&maxSeq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("trace: read sequence: %w", err)
	}
	if maxSeq.Valid {
		s.seq = uint64(maxSeq.Int64)
	}
	return s, nil
}

// Record implements trace.Recorder.
func (s *Store) Record(ev trace.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	next := s.seq + 1
	_, err := s.db.Exec(
		"INSERT INTO trace_events (seq, time, kind, process, subject, detail) VALUES (?, ?, ?, ?, ?, ?)",
		int64(next), ev.Time.Format(time.RFC3339Nano), string(ev.Kind), string(ev.Process), ev.Subject, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("trace: insert event: %w", err)
	}
	s.seq = next
	return nil
}

// Events returns all events in sequence order, optionally restricted to one
// process (empty address means all).
func (s *Store) Events(process core.Address) ([]trace.Event, error) {
	query := "SELECT seq, time, kind, process, subject, detail FROM trace_events"
	var args []any
	if !process.IsZero() {
		query += " WHERE process = ?"
		args = append(args, string(process))
	}
	query += " ORDER BY seq"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("trace: query events: %w", err)
	}
	defer rows.Close()

	var out []trace.Event
	for rows.Next() {
		var (
			ev            trace.Event
			seq           int64
			ts, kind, prc string
		)
		if err := rows.Scan(&seq, &ts, &kind, &prc, &ev.Subject, &ev.Detail); err != nil {
			return nil, fmt.Errorf("trace: scan event: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("trace: parse time %q: %w", ts, err)
		}
		ev.Seq = uint64(seq)
		ev.Time = t
		ev.Kind = trace.Kind(kind)
		ev.Process = core.Address(prc)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
