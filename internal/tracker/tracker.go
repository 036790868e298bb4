// Package tracker implements a greedy IoU multi-object tracker: an
// association strategy with no Kalman-filter state, only bounding-box
// overlap and a short centroid history per track.
package tracker

import (
	"fmt"
	"sort"

	"github.com/rdcounter/rdcounter/internal/model"
)

// Config bundles the tracker's tunables. New replaces a Config whose
// IoUMin, MaxMisses and HistoryLen are all zero with DefaultConfig();
// any other Config is used as given, zero fields included (callers
// normally start from DefaultConfig and override selectively).
type Config struct {
	IoUMin        float64 // minimum IoU for a match, default 0.3
	MinDetConf    float64 // unmatched detections below this are dropped, default 0.3
	MaxMisses     int     // frames a track may go unmatched before deletion, default 30
	HistoryLen    int     // bounded centroid history per track, default 30
}

// DefaultConfig returns the documented defaults from the system's
// tuning surface.
func DefaultConfig() Config {
	return Config{
		IoUMin:     0.3,
		MinDetConf: 0.3,
		MaxMisses:  30,
		HistoryLen: 30,
	}
}

// Tracker performs greedy IoU association frame over frame. Not safe
// for concurrent use; the owning JobWorker is the sole caller.
type Tracker struct {
	cfg     Config
	tracks  map[int64]*model.Track
	nextID  int64
}

// New builds a Tracker. A zero Config is replaced by DefaultConfig().
func New(cfg Config) *Tracker {
	if cfg.IoUMin == 0 && cfg.MaxMisses == 0 && cfg.HistoryLen == 0 {
		cfg = DefaultConfig()
	}
	return &Tracker{cfg: cfg, tracks: make(map[int64]*model.Track)}
}

type pair struct {
	trackID  int64
	detIdx   int
	iou      float64
}

// iou computes intersection-over-union of two boxes, 0 if disjoint.
func iou(a, b model.Bbox) float64 {
	ix1, iy1 := max(a.X1, b.X1), max(a.Y1, b.Y1)
	ix2, iy2 := min(a.X2, b.X2), min(a.Y2, b.Y2)
	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := float64(iw * ih)
	union := float64(a.Area() + b.Area()) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Step advances the tracker by one frame. Detections are assumed
// already filtered to the target class; Step applies only the
// confidence floor for newly created tracks (matched detections keep
// their track regardless of confidence, matching the greedy-matching
// step order the greedy matcher follows).
func (t *Tracker) Step(detections []model.Detection, frameIndex int64) ([]model.Track, error) {
	for _, d := range detections {
		if !d.Box.Valid() {
			return nil, fmt.Errorf("tracker: invalid detection bbox %+v", d.Box)
		}
	}

	// Stable track ordering for deterministic tie-breaking.
	trackIDs := make([]int64, 0, len(t.tracks))
	for id := range t.tracks {
		trackIDs = append(trackIDs, id)
	}
	sort.Slice(trackIDs, func(i, j int) bool { return trackIDs[i] < trackIDs[j] })

	candidates := make([]pair, 0, len(trackIDs)*len(detections))
	for _, id := range trackIDs {
		tr := t.tracks[id]
		for di, d := range detections {
			v := iou(tr.Box, d.Box)
			if v >= t.cfg.IoUMin {
				candidates = append(candidates, pair{trackID: id, detIdx: di, iou: v})
			}
		}
	}
	// Highest IoU first; ties broken by lower detection index first,
	// then lower track id, per the documented determinism rule.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].iou != candidates[j].iou {
			return candidates[i].iou > candidates[j].iou
		}
		if candidates[i].detIdx != candidates[j].detIdx {
			return candidates[i].detIdx < candidates[j].detIdx
		}
		return candidates[i].trackID < candidates[j].trackID
	})

	matchedTrack := make(map[int64]bool, len(trackIDs))
	matchedDet := make(map[int]bool, len(detections))
	for _, c := range candidates {
		if matchedTrack[c.trackID] || matchedDet[c.detIdx] {
			continue
		}
		matchedTrack[c.trackID] = true
		matchedDet[c.detIdx] = true

		tr := t.tracks[c.trackID]
		tr.Box = detections[c.detIdx].Box
		tr.LastFrameSeen = frameIndex
		tr.ClassID = detections[c.detIdx].ClassID
		tr.Confidence = detections[c.detIdx].Confidence
		tr.Misses = 0
		cx, cy := tr.Box.Center()
		tr.History = append(tr.History, model.CenterPoint{X: cx, Y: cy, Frame: frameIndex})
		if len(tr.History) > t.cfg.HistoryLen {
			tr.History = tr.History[len(tr.History)-t.cfg.HistoryLen:]
		}
	}

	// Unmatched detections: create new tracks, subject to the
	// confidence floor.
	for di, d := range detections {
		if matchedDet[di] {
			continue
		}
		if d.Confidence < t.cfg.MinDetConf {
			continue
		}
		t.nextID++
		cx, cy := d.Box.Center()
		t.tracks[t.nextID] = &model.Track{
			ID:            t.nextID,
			Box:           d.Box,
			LastFrameSeen: frameIndex,
			ClassID:       d.ClassID,
			Confidence:    d.Confidence,
			History:       []model.CenterPoint{{X: cx, Y: cy, Frame: frameIndex}},
		}
	}

	// Unmatched tracks: age and destroy past the miss threshold.
	for _, id := range trackIDs {
		if matchedTrack[id] {
			continue
		}
		tr := t.tracks[id]
		tr.Misses++
		if tr.Misses > t.cfg.MaxMisses {
			delete(t.tracks, id)
		}
	}

	return t.Active(), nil
}

// Active returns a stable-ordered snapshot of currently live tracks.
func (t *Tracker) Active() []model.Track {
	out := make([]model.Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset clears all tracks and restarts the id counter at its current
// value (ids are never reused even across a reset, preserving the
// "opaque monotonic counter" contract for external consumers).
func (t *Tracker) Reset() {
	t.tracks = make(map[int64]*model.Track)
}
