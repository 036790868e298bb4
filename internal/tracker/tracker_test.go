package tracker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/rdcounter/rdcounter/internal/model"
)

func det(x1, y1, x2, y2 int, conf float64) model.Detection {
	return model.Detection{Box: model.Bbox{X1: x1, Y1: y1, X2: x2, Y2: y2}, Confidence: conf, ClassID: 0}
}

func TestNewFillsZeroConfigWithDefaults(t *testing.T) {
	tr := New(Config{})
	if tr.cfg.IoUMin != DefaultConfig().IoUMin {
		t.Errorf("IoUMin = %v, want default %v", tr.cfg.IoUMin, DefaultConfig().IoUMin)
	}
	if tr.cfg.MaxMisses != DefaultConfig().MaxMisses {
		t.Errorf("MaxMisses = %v, want default %v", tr.cfg.MaxMisses, DefaultConfig().MaxMisses)
	}
}

func TestNewKeepsExplicitNonZeroConfig(t *testing.T) {
	cfg := Config{IoUMin: 0.5, MinDetConf: 0.1, MaxMisses: 1, HistoryLen: 2}
	tr := New(cfg)
	if tr.cfg != cfg {
		t.Errorf("cfg = %+v, want %+v unchanged", tr.cfg, cfg)
	}
}

func TestStepCreatesNewTrackAboveConfidenceFloor(t *testing.T) {
	tr := New(Config{IoUMin: 0.3, MinDetConf: 0.5, MaxMisses: 5, HistoryLen: 5})
	tracks, err := tr.Step([]model.Detection{det(0, 0, 10, 10, 0.9)}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 1 {
		t.Fatalf("got %d tracks, want 1", len(tracks))
	}
	if tracks[0].ID != 1 {
		t.Errorf("first track id = %d, want 1", tracks[0].ID)
	}
}

func TestStepDropsLowConfidenceUnmatchedDetections(t *testing.T) {
	tr := New(Config{IoUMin: 0.3, MinDetConf: 0.5, MaxMisses: 5, HistoryLen: 5})
	tracks, err := tr.Step([]model.Detection{det(0, 0, 10, 10, 0.1)}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 0 {
		t.Fatalf("got %d tracks, want 0 for a sub-floor detection", len(tracks))
	}
}

func TestStepMatchesOverlappingBoxAcrossFrames(t *testing.T) {
	tr := New(Config{IoUMin: 0.3, MinDetConf: 0.3, MaxMisses: 5, HistoryLen: 5})
	if _, err := tr.Step([]model.Detection{det(0, 0, 10, 10, 0.9)}, 0); err != nil {
		t.Fatal(err)
	}
	tracks, err := tr.Step([]model.Detection{det(1, 1, 11, 11, 0.9)}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 1 {
		t.Fatalf("got %d tracks, want the same track re-matched", len(tracks))
	}
	if tracks[0].ID != 1 {
		t.Errorf("matched track id = %d, want the original id 1", tracks[0].ID)
	}
	if tracks[0].Misses != 0 {
		t.Errorf("Misses = %d, want 0 after a successful match", tracks[0].Misses)
	}
}

func TestStepCreatesSeparateTrackBelowIoUMin(t *testing.T) {
	tr := New(Config{IoUMin: 0.3, MinDetConf: 0.3, MaxMisses: 5, HistoryLen: 5})
	if _, err := tr.Step([]model.Detection{det(0, 0, 10, 10, 0.9)}, 0); err != nil {
		t.Fatal(err)
	}
	// far away box, no overlap at all
	tracks, err := tr.Step([]model.Detection{det(100, 100, 110, 110, 0.9)}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2 (the stale original plus a new one)", len(tracks))
	}
}

func TestStepDestroysTrackPastMaxMisses(t *testing.T) {
	tr := New(Config{IoUMin: 0.3, MinDetConf: 0.3, MaxMisses: 2, HistoryLen: 5})
	if _, err := tr.Step([]model.Detection{det(0, 0, 10, 10, 0.9)}, 0); err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 3; i++ {
		if _, err := tr.Step(nil, i); err != nil {
			t.Fatal(err)
		}
	}
	if len(tr.Active()) != 0 {
		t.Fatalf("track survived %d misses past a MaxMisses of 2", 3)
	}
}

func TestStepSurvivesWithinMaxMisses(t *testing.T) {
	tr := New(Config{IoUMin: 0.3, MinDetConf: 0.3, MaxMisses: 3, HistoryLen: 5})
	if _, err := tr.Step([]model.Detection{det(0, 0, 10, 10, 0.9)}, 0); err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 2; i++ {
		if _, err := tr.Step(nil, i); err != nil {
			t.Fatal(err)
		}
	}
	if len(tr.Active()) != 1 {
		t.Fatalf("track was destroyed before exceeding MaxMisses")
	}
}

func TestStepGreedyMatchPrefersHighestIoU(t *testing.T) {
	tr := New(Config{IoUMin: 0.1, MinDetConf: 0.3, MaxMisses: 5, HistoryLen: 5})
	if _, err := tr.Step([]model.Detection{det(0, 0, 10, 10, 0.9)}, 0); err != nil {
		t.Fatal(err)
	}
	// two candidate detections: one nearly identical (high IoU), one
	// shifted further away (lower but still above IoUMin).
	dets := []model.Detection{
		det(4, 4, 14, 14, 0.8), // lower overlap, listed first
		det(1, 1, 11, 11, 0.9), // higher overlap, listed second
	}
	tracks, err := tr.Step(dets, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2 (one matched, one new)", len(tracks))
	}
	var matched model.Track
	for _, tt := range tracks {
		if tt.ID == 1 {
			matched = tt
		}
	}
	want := model.Bbox{X1: 1, Y1: 1, X2: 11, Y2: 11}
	if diff := cmp.Diff(want, matched.Box); diff != "" {
		t.Errorf("track 1 matched box mismatch (-want +got):\n%s", diff)
	}
}

// TestStepOutputIsReproducibleForIdenticalInput exercises the greedy
// matcher's documented determinism rule (two trackers given identical
// detections produce identical track sets).
func TestStepOutputIsReproducibleForIdenticalInput(t *testing.T) {
	cfg := Config{IoUMin: 0.3, MinDetConf: 0.3, MaxMisses: 5, HistoryLen: 5}
	a := New(cfg)
	b := New(cfg)
	dets := []model.Detection{det(0, 0, 10, 10, 0.9), det(100, 100, 110, 110, 0.9)}

	ta, err := a.Step(dets, 0)
	if err != nil {
		t.Fatal(err)
	}
	tb, err := b.Step(dets, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ta, tb, cmpopts.IgnoreFields(model.Track{}, "History")); diff != "" {
		t.Errorf("two trackers given identical input diverged (-a +b):\n%s", diff)
	}
}

func TestStepRejectsInvalidDetectionBbox(t *testing.T) {
	tr := New(DefaultConfig())
	bad := model.Detection{Box: model.Bbox{X1: 10, Y1: 10, X2: 5, Y2: 20}, Confidence: 0.9}
	if _, err := tr.Step([]model.Detection{bad}, 0); err == nil {
		t.Fatal("expected an error for a degenerate detection bbox")
	}
}

func TestHistoryBoundedToHistoryLen(t *testing.T) {
	tr := New(Config{IoUMin: 0.1, MinDetConf: 0.3, MaxMisses: 30, HistoryLen: 2})
	box := model.Bbox{X1: 0, Y1: 0, X2: 10, Y2: 10}
	for i := int64(0); i < 5; i++ {
		if _, err := tr.Step([]model.Detection{{Box: box, Confidence: 0.9}}, i); err != nil {
			t.Fatal(err)
		}
	}
	active := tr.Active()
	if len(active) != 1 {
		t.Fatalf("got %d tracks, want 1", len(active))
	}
	if len(active[0].History) != 2 {
		t.Errorf("History len = %d, want bounded to 2", len(active[0].History))
	}
}

func TestResetClearsTracksButNotIDCounter(t *testing.T) {
	tr := New(DefaultConfig())
	if _, err := tr.Step([]model.Detection{det(0, 0, 10, 10, 0.9)}, 0); err != nil {
		t.Fatal(err)
	}
	tr.Reset()
	if len(tr.Active()) != 0 {
		t.Fatalf("Reset left tracks behind")
	}
	tracks, err := tr.Step([]model.Detection{det(0, 0, 10, 10, 0.9)}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if tracks[0].ID != 2 {
		t.Errorf("new track id after Reset = %d, want 2 (ids never reused)", tracks[0].ID)
	}
}

func TestActiveIsSortedByID(t *testing.T) {
	tr := New(Config{IoUMin: 0.9, MinDetConf: 0.1, MaxMisses: 30, HistoryLen: 5})
	dets := []model.Detection{
		det(0, 0, 10, 10, 0.9),
		det(100, 100, 110, 110, 0.9),
		det(200, 200, 210, 210, 0.9),
	}
	tracks, err := tr.Step(dets, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(tracks); i++ {
		if tracks[i-1].ID >= tracks[i].ID {
			t.Fatalf("Active() not sorted ascending by id: %+v", tracks)
		}
	}
}
