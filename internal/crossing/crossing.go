// Package crossing implements the directional line-crossing counter.
// It is pure logic: given a track's previous and current centroid it
// decides whether, and in which direction, the configured line was
// crossed. No I/O, no goroutines.
package crossing

import (
	"fmt"
	"math"

	"github.com/rdcounter/rdcounter/internal/model"
)

// point is a plain 2D point; kept separate from model.CenterPoint to
// avoid importing frame-index bookkeeping into the orientation math.
type point struct{ x, y float64 }

// ccw is the standard counter-clockwise orientation test: positive if
// a->b->c turns left, negative if it turns right, zero if colinear.
func ccw(a, b, c point) float64 {
	return (b.x-a.x)*(c.y-a.y) - (b.y-a.y)*(c.x-a.x)
}

// segmentsIntersect reports whether segment p1->p2 strictly intersects
// segment l1->l2. Colinear and touching (tangent) cases are excluded by
// requiring strict sign products.
func segmentsIntersect(l1, l2, p1, p2 point) bool {
	d1 := ccw(l1, l2, p1) * ccw(l1, l2, p2)
	d2 := ccw(p1, p2, l1) * ccw(p1, p2, l2)
	return d1 < 0 && d2 < 0
}

// pending holds a deferred crossing awaiting re-evaluation: the
// signed distance was inside the [-threshold, threshold] band on the
// frame it was detected, so direction is not yet decided.
type pending struct {
	trackID    int64
	frameIndex int64
}

// Counter evaluates per-frame track updates against a single line and
// emits CrossingEvents under an at-most-once policy. A Counter is not
// safe for concurrent use; callers (the JobWorker) serialize access.
type Counter struct {
	line     model.Line
	cameraID string
	policy   model.ReversalPolicy
	// centers holds the last known centroid per track for segment
	// construction; deleted when a track is retired by the caller.
	centers map[int64]point
	// counted[trackID] is the set of directions already emitted for
	// that track.
	counted map[int64]map[model.Direction]bool
	pendingByTrack map[int64]point // previous point held while deferred
}

// threshold resolves the line's own override, falling back to def.
func (c *Counter) threshold(def float64) float64 {
	if c.line.CrossingThreshold > 0 {
		return c.line.CrossingThreshold
	}
	return def
}

// New builds a Counter for a single job's configured line.
func New(line model.Line, cameraID string, policy model.ReversalPolicy) *Counter {
	return &Counter{
		line:           line,
		cameraID:       cameraID,
		policy:         policy,
		centers:        make(map[int64]point),
		counted:        make(map[int64]map[model.Direction]bool),
		pendingByTrack: make(map[int64]point),
	}
}

// Reset clears all per-track history without forgetting already_counted
// state tied to previous crossings — used on FILE_VIDEO seeks, where
// tracks are reset to avoid phantom crossings across the discontinuity
// but prior counts must not be re-emitted for ids that happen to be
// reused is moot since track ids are never reused; Reset simply clears
// trajectory continuity.
func (c *Counter) Reset() {
	c.centers = make(map[int64]point)
	c.pendingByTrack = make(map[int64]point)
}

// Forget drops all bookkeeping for a track that the tracker has retired,
// freeing memory; already-emitted counts are unaffected since they live
// in the job's status counters, not here.
func (c *Counter) Forget(trackID int64) {
	delete(c.centers, trackID)
	delete(c.counted, trackID)
	delete(c.pendingByTrack, trackID)
}

// Step evaluates one frame's tracks (defined by their box and current
// frame index) against the line, returning newly emitted events. thresholdPx
// is the crossing_threshold_px config default used when the line itself
// doesn't override it. width/height resolve the line's percentage-space
// endpoints onto the frame's pixel geometry.
func (c *Counter) Step(tracks []model.Track, frameIndex int64, width, height int, thresholdPx float64) ([]model.CrossingEvent, error) {
	lx1, ly1, lx2, ly2 := c.line.ResolvePixels(width, height)
	l1 := point{lx1, ly1}
	l2 := point{lx2, ly2}
	mid := point{(lx1 + lx2) / 2, (ly1 + ly2) / 2}
	// rot90(L2-L1): (dx,dy) -> (dy,-dx)
	dx, dy := lx2-lx1, ly2-ly1
	nx, ny := dy, -dx
	nlen := math.Hypot(nx, ny)
	if nlen > 0 {
		nx, ny = nx/nlen, ny/nlen
	}
	tau := c.threshold(thresholdPx)

	var events []model.CrossingEvent
	seen := make(map[int64]bool, len(tracks))

	for _, tr := range tracks {
		if !tr.Box.Valid() {
			return nil, fmt.Errorf("crossing: invalid bbox for track %d", tr.ID)
		}
		cx, cy := tr.Box.Center()
		if math.IsNaN(cx) || math.IsNaN(cy) {
			return nil, fmt.Errorf("crossing: NaN centroid for track %d", tr.ID)
		}
		cur := point{cx, cy}
		seen[tr.ID] = true

		prev, hadPrev := c.centers[tr.ID]
		// A deferred crossing from a prior frame takes priority: use
		// the original pre-crossing point so the orientation test is
		// evaluated against the actual crossing segment.
		if p, deferred := c.pendingByTrack[tr.ID]; deferred {
			prev = p
			hadPrev = true
		}

		if hadPrev && segmentsIntersect(l1, l2, prev, cur) {
			signed := nx*(cur.x-mid.x) + ny*(cur.y-mid.y)
			switch {
			case signed > tau:
				if c.emit(tr, model.DirectionEntry, frameIndex, &events) {
					delete(c.pendingByTrack, tr.ID)
				}
			case signed < -tau:
				if c.emit(tr, model.DirectionExit, frameIndex, &events) {
					delete(c.pendingByTrack, tr.ID)
				}
			default:
				// within the deferred band: hold the pre-crossing point
				// and re-evaluate next frame.
				c.pendingByTrack[tr.ID] = prev
			}
		} else {
			delete(c.pendingByTrack, tr.ID)
		}

		c.centers[tr.ID] = cur
	}

	// Drop bookkeeping for tracks absent this frame so maps don't grow
	// unbounded across a long-running job; the tracker owns retirement
	// but the counter must not outlive a destroyed track's state.
	for id := range c.centers {
		if !seen[id] {
			delete(c.centers, id)
			delete(c.pendingByTrack, id)
		}
	}

	return events, nil
}

// emit applies the at-most-once policy and appends an event if allowed.
// It always returns true, whether the event was appended or suppressed:
// either way the crossing is resolved, and the caller uses the result
// only to clear the deferred-band bookkeeping.
func (c *Counter) emit(tr model.Track, dir model.Direction, frameIndex int64, events *[]model.CrossingEvent) bool {
	already := c.counted[tr.ID]
	if already == nil {
		already = make(map[model.Direction]bool)
		c.counted[tr.ID] = already
	}
	if already[dir] {
		return true
	}
	if c.policy == model.FirstOnly && len(already) > 0 {
		// a crossing in the opposite direction already happened; under
		// FIRST_ONLY only the very first crossing counts.
		already[dir] = true
		return true
	}
	already[dir] = true
	*events = append(*events, model.CrossingEvent{
		TrackID:    tr.ID,
		Direction:  dir,
		FrameIndex: frameIndex,
		Confidence: tr.Confidence,
		Box:        tr.Box,
		CameraID:   c.cameraID,
		LineID:     c.line.ID,
	})
	return true
}
