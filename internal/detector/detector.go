// Package detector defines the opaque object-detection capability the
// JobWorker drives each frame through. The detector's architecture and
// training are explicitly out of scope; this package only fixes the
// interface and the reentrancy-gating wrapper non-reentrant
// implementations require.
package detector

import (
	"context"

	"github.com/rdcounter/rdcounter/internal/model"
)

// Detector runs inference over a single frame and returns raw
// detections, unfiltered by class or confidence — the JobWorker applies
// target_class/det_conf filtering itself.
type Detector interface {
	Detect(ctx context.Context, frame model.Frame) ([]model.Detection, error)
}

// SerializingDetector wraps a Detector known not to be safely callable
// from multiple goroutines at once. Workers assume a reentrant detector
// by default; wrapping here is an explicit opt-in for implementations
// (most off-the-shelf DNN runtimes bound to a single backend context)
// that are not. Only one inference is ever in flight through a
// SerializingDetector, which is a documented performance constraint,
// not a bug.
type SerializingDetector struct {
	inner Detector
	gate  chan struct{}
}

// NewSerializingDetector wraps inner with a one-at-a-time gate.
func NewSerializingDetector(inner Detector) *SerializingDetector {
	return &SerializingDetector{inner: inner, gate: make(chan struct{}, 1)}
}

func (s *SerializingDetector) Detect(ctx context.Context, frame model.Frame) ([]model.Detection, error) {
	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.gate }()
	return s.inner.Detect(ctx, frame)
}

// Filter applies the target-class and minimum-confidence gates the
// JobWorker runs every detector result through before handing
// detections to the tracker.
func Filter(dets []model.Detection, targetClass int, minConf float64) []model.Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if targetClass >= 0 && d.ClassID != targetClass {
			continue
		}
		if d.Confidence < minConf {
			continue
		}
		out = append(out, d)
	}
	return out
}
