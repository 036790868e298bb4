// Package store persists crossing events durably. EventStore is the
// capability boundary the JobWorker treats as an opaque, shared,
// write-serializing endpoint: the interface exposes exactly
// RecordEvent / RecordCompletion / ReadLogs, nothing about its backing
// engine.
package store

import (
	"context"
	"time"

	"github.com/rdcounter/rdcounter/internal/model"
)

// EventRecord is one persisted row; field names are part of the REST/DB
// contract and must not be renamed.
type EventRecord struct {
	ID         int64     `json:"id"`
	EventType  string    `json:"event_type"` // "entry" | "exit"
	CameraID   string    `json:"camera_id"`
	TrackID    int64     `json:"track_id"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	FrameIndex int64     `json:"frame_index"`
	Bbox       [4]int    `json:"bbox"`
	LineID     string    `json:"line_id"`
	Notes      string    `json:"notes,omitempty"`
}

// CompletionRecord marks a job's terminal transition for audit purposes.
type CompletionRecord struct {
	JobID     string    `json:"job_id"`
	CameraID  string    `json:"camera_id"`
	Phase     model.Phase `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Notes     string    `json:"notes,omitempty"`
}

// LogQuery filters ReadLogs results.
type LogQuery struct {
	CameraID  string
	EventType string // empty = any
	Since     time.Time
	Until     time.Time
	Limit     int
}

// EventStore is the durable write-serializing capability a JobWorker
// records crossing events and terminal-phase completions against.
// Implementations MUST serialize concurrent writes internally
// so callers never coordinate locking around it themselves.
type EventStore interface {
	RecordEvent(ctx context.Context, ev EventRecord) (int64, error)
	RecordCompletion(ctx context.Context, c CompletionRecord) error
	ReadLogs(ctx context.Context, q LogQuery) ([]EventRecord, error)
}

// FromCrossingEvent adapts a model.CrossingEvent into the row shape
// EventStore persists.
func FromCrossingEvent(ev model.CrossingEvent) EventRecord {
	return EventRecord{
		EventType:  string(ev.Direction),
		CameraID:   ev.CameraID,
		TrackID:    ev.TrackID,
		Confidence: ev.Confidence,
		Timestamp:  ev.Timestamp,
		FrameIndex: ev.FrameIndex,
		Bbox:       [4]int{ev.Box.X1, ev.Box.Y1, ev.Box.X2, ev.Box.Y2},
		LineID:     ev.LineID,
	}
}
