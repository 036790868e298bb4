// Package sqlite backs store.EventStore with a pure-Go SQLite driver.
// Raw SQL with an ON CONFLICT upsert for completions and plain INSERTs
// for events; writes are serialized by a single mutex rather than
// relying on SQLite's own locking, since the interface contract
// requires serialization regardless of the backing engine.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rdcounter/rdcounter/internal/store"
)

// Store is a store.EventStore backed by a *sql.DB using the pure-Go
// modernc.org/sqlite driver (no cgo dependency).
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writes per the EventStore contract
}

// Open opens (creating if absent) a SQLite database at path and runs
// schema migrations. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer is simplest and matches our own serialization
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for callers (tests) that need
// direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	camera_id TEXT NOT NULL,
	track_id INTEGER NOT NULL,
	confidence REAL NOT NULL,
	timestamp TEXT NOT NULL,
	frame_index INTEGER NOT NULL,
	bbox TEXT NOT NULL,
	line_id TEXT NOT NULL,
	notes TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_event_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_camera_id ON events(camera_id);

CREATE TABLE IF NOT EXISTS job_completions (
	job_id TEXT PRIMARY KEY,
	camera_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	notes TEXT
);
`
	_, err := s.db.Exec(schema)
	return err
}

// RecordEvent inserts one crossing event row and returns its id.
func (s *Store) RecordEvent(ctx context.Context, ev store.EventRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bbox := fmt.Sprintf("[%d,%d,%d,%d]", ev.Bbox[0], ev.Bbox[1], ev.Bbox[2], ev.Bbox[3])
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	const q = `
		INSERT INTO events (event_type, camera_id, track_id, confidence, timestamp, frame_index, bbox, line_id, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, q,
		ev.EventType, ev.CameraID, ev.TrackID, ev.Confidence,
		ts.Format(time.RFC3339Nano), ev.FrameIndex, bbox, ev.LineID, ev.Notes,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event insert id: %w", err)
	}
	return id, nil
}

// RecordCompletion upserts the job's terminal record, idempotent under
// watchdog-triggered retries.
func (s *Store) RecordCompletion(ctx context.Context, c store.CompletionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
		INSERT INTO job_completions (job_id, camera_id, phase, timestamp, notes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			phase = excluded.phase,
			timestamp = excluded.timestamp,
			notes = excluded.notes
	`
	_, err := s.db.ExecContext(ctx, q, c.JobID, c.CameraID, string(c.Phase), c.Timestamp.Format(time.RFC3339Nano), c.Notes)
	if err != nil {
		return fmt.Errorf("upsert job completion: %w", err)
	}
	return nil
}

// ReadLogs returns events matching q, newest first, bounded by q.Limit
// (0 means unbounded).
func (s *Store) ReadLogs(ctx context.Context, q store.LogQuery) ([]store.EventRecord, error) {
	var sb strings.Builder
	sb.WriteString("SELECT id, event_type, camera_id, track_id, confidence, timestamp, frame_index, bbox, line_id, notes FROM events WHERE 1=1")
	args := make([]interface{}, 0, 4)

	if q.CameraID != "" {
		sb.WriteString(" AND camera_id = ?")
		args = append(args, q.CameraID)
	}
	if q.EventType != "" {
		sb.WriteString(" AND event_type = ?")
		args = append(args, q.EventType)
	}
	if !q.Since.IsZero() {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, q.Since.Format(time.RFC3339Nano))
	}
	if !q.Until.IsZero() {
		sb.WriteString(" AND timestamp <= ?")
		args = append(args, q.Until.Format(time.RFC3339Nano))
	}
	sb.WriteString(" ORDER BY timestamp DESC")
	if q.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", q.Limit))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []store.EventRecord
	for rows.Next() {
		var (
			rec     store.EventRecord
			ts      string
			bboxStr string
			notes   sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.CameraID, &rec.TrackID, &rec.Confidence, &ts, &rec.FrameIndex, &bboxStr, &rec.LineID, &notes); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		fmt.Sscanf(bboxStr, "[%d,%d,%d,%d]", &rec.Bbox[0], &rec.Bbox[1], &rec.Bbox[2], &rec.Bbox[3])
		rec.Notes = notes.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
