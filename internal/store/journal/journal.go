// Package journal provides an append-only, crash-safe fallback for
// crossing events that the primary EventStore refused to persist after
// exhausting its retries. It is not a queryable store: entries are
// written one JSON object per line and are meant to be replayed or
// inspected by an operator, not read back by the running process.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rdcounter/rdcounter/internal/store"
)

// Journal appends dropped event records to a single file, one JSON
// object per line. Writes are serialized internally so callers never
// coordinate locking around it themselves, mirroring the EventStore
// contract it backstops.
type Journal struct {
	mu sync.Mutex
	f  *os.File
}

// entry is the on-disk shape of one journaled line.
type entry struct {
	JobID      string          `json:"job_id"`
	Reason     string          `json:"reason"`
	RecordedAt time.Time       `json:"recorded_at"`
	Event      store.EventRecord `json:"event"`
}

// Open opens (creating if absent) an append-only journal file at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{f: f}, nil
}

// Append writes one line recording ev as dropped for jobID, for the
// given reason (e.g. "store retries exhausted"). A write error here is
// reported to the caller but is not itself fatal to the job: the
// journal is a best-effort durability net, not the system of record.
func (j *Journal) Append(jobID, reason string, ev store.EventRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	line, err := json.Marshal(entry{
		JobID:      jobID,
		Reason:     reason,
		RecordedAt: time.Now().UTC(),
		Event:      ev,
	})
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.f.Write(line); err != nil {
		return fmt.Errorf("journal: write entry: %w", err)
	}
	return j.f.Sync()
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
