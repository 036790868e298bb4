package crossing

import (
	"testing"

	"github.com/rdcounter/rdcounter/internal/model"
)

// vline is a vertical counting line at x=50 running the full frame
// height, so the normal points toward +x: a centroid that ends up
// right of the line (signed distance positive) is an entry, left of
// the line (signed distance negative) is an exit.
func vline() model.Line {
	return model.Line{ID: "l1", X1: 50, Y1: 0, X2: 50, Y2: 100}
}

func track(id int64, x1, y1, x2, y2 int) model.Track {
	return model.Track{ID: id, Box: model.Bbox{X1: x1, Y1: y1, X2: x2, Y2: y2}, Confidence: 0.9}
}

func TestStepEmitsEntryWhenCrossingLeftToRight(t *testing.T) {
	c := New(vline(), "cam-1", model.AllowReversal)

	// frame 0: centroid at x=30 (left of the line at x=50)
	if _, err := c.Step([]model.Track{track(1, 20, 40, 40, 60)}, 0, 100, 100, 5); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	// frame 1: centroid at x=70 (right of the line)
	events, err := c.Step([]model.Track{track(1, 60, 40, 80, 60)}, 1, 100, 100, 5)
	if err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Direction != model.DirectionEntry {
		t.Errorf("direction = %s, want entry", events[0].Direction)
	}
	if events[0].TrackID != 1 {
		t.Errorf("track id = %d, want 1", events[0].TrackID)
	}
}

func TestStepEmitsExitWhenCrossingRightToLeft(t *testing.T) {
	c := New(vline(), "cam-1", model.AllowReversal)

	if _, err := c.Step([]model.Track{track(1, 60, 40, 80, 60)}, 0, 100, 100, 5); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	events, err := c.Step([]model.Track{track(1, 20, 40, 40, 60)}, 1, 100, 100, 5)
	if err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	if len(events) != 1 || events[0].Direction != model.DirectionExit {
		t.Fatalf("got %+v, want a single exit event", events)
	}
}

func TestStepNoEventWithoutPriorFrame(t *testing.T) {
	c := New(vline(), "cam-1", model.AllowReversal)
	events, err := c.Step([]model.Track{track(1, 60, 40, 80, 60)}, 0, 100, 100, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events on the first-ever frame, want 0", len(events))
	}
}

func TestFirstOnlyPolicySuppressesSecondCrossing(t *testing.T) {
	c := New(vline(), "cam-1", model.FirstOnly)

	// 30 -> 70: entry leg
	if _, err := c.Step([]model.Track{track(1, 20, 40, 40, 60)}, 0, 100, 100, 5); err != nil {
		t.Fatal(err)
	}
	events, err := c.Step([]model.Track{track(1, 60, 40, 80, 60)}, 1, 100, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Direction != model.DirectionEntry {
		t.Fatalf("expected one entry event, got %+v", events)
	}

	// 70 -> 30: should be suppressed under FIRST_ONLY
	events, err = c.Step([]model.Track{track(1, 20, 40, 40, 60)}, 2, 100, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("FIRST_ONLY let a second crossing through: %+v", events)
	}
}

func TestAllowReversalPermitsBothDirections(t *testing.T) {
	c := New(vline(), "cam-1", model.AllowReversal)

	if _, err := c.Step([]model.Track{track(1, 20, 40, 40, 60)}, 0, 100, 100, 5); err != nil {
		t.Fatal(err)
	}
	events, err := c.Step([]model.Track{track(1, 60, 40, 80, 60)}, 1, 100, 100, 5)
	if err != nil || len(events) != 1 {
		t.Fatalf("entry leg: events=%+v err=%v", events, err)
	}

	events, err = c.Step([]model.Track{track(1, 20, 40, 40, 60)}, 2, 100, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Direction != model.DirectionExit {
		t.Fatalf("ALLOW_REVERSAL didn't re-count the exit leg: %+v", events)
	}

	// crossing right again repeats the already-counted entry, which
	// still must not double count.
	events, err = c.Step([]model.Track{track(1, 60, 40, 80, 60)}, 3, 100, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("same-direction crossing counted twice: %+v", events)
	}
}

func TestDeferredBandHoldsUntilResolved(t *testing.T) {
	c := New(vline(), "cam-1", model.AllowReversal)
	// threshold 10px either side of the line at x=50.
	if _, err := c.Step([]model.Track{track(1, 20, 40, 40, 60)}, 0, 100, 100, 10); err != nil {
		t.Fatal(err)
	}
	// lands inside the deferred band (centroid x=55, within tau=10 of 50)
	events, err := c.Step([]model.Track{track(1, 50, 40, 60, 60)}, 1, 100, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no event while inside the deferred band, got %+v", events)
	}
	// resolves clearly to the right on the next frame.
	events, err = c.Step([]model.Track{track(1, 70, 40, 90, 60)}, 2, 100, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Direction != model.DirectionEntry {
		t.Fatalf("deferred crossing did not resolve to entry: %+v", events)
	}
}

func TestStepNoCrossingWhenTrackStaysOnOneSide(t *testing.T) {
	c := New(vline(), "cam-1", model.AllowReversal)
	if _, err := c.Step([]model.Track{track(1, 10, 40, 30, 60)}, 0, 100, 100, 5); err != nil {
		t.Fatal(err)
	}
	events, err := c.Step([]model.Track{track(1, 12, 42, 32, 62)}, 1, 100, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("no crossing should occur for a small move on the same side, got %+v", events)
	}
}

func TestForgetDropsBookkeeping(t *testing.T) {
	c := New(vline(), "cam-1", model.AllowReversal)
	if _, err := c.Step([]model.Track{track(1, 20, 40, 40, 60)}, 0, 100, 100, 5); err != nil {
		t.Fatal(err)
	}
	c.Forget(1)
	if _, ok := c.centers[1]; ok {
		t.Fatalf("Forget left centers[1] behind")
	}
	// re-appearing with the same id after Forget must not synthesize a
	// crossing from stale state, since there is no "previous" point.
	events, err := c.Step([]model.Track{track(1, 60, 40, 80, 60)}, 5, 100, 100, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("forgotten track crossed on its first re-observed frame: %+v", events)
	}
}

func TestStepRejectsInvalidBbox(t *testing.T) {
	c := New(vline(), "cam-1", model.AllowReversal)
	bad := model.Track{ID: 1, Box: model.Bbox{X1: 10, Y1: 10, X2: 5, Y2: 20}}
	if _, err := c.Step([]model.Track{bad}, 0, 100, 100, 5); err == nil {
		t.Fatal("expected an error for a degenerate bbox")
	}
}

func TestLineOwnThresholdOverridesDefault(t *testing.T) {
	line := vline()
	line.CrossingThreshold = 1
	c := New(line, "cam-1", model.AllowReversal)
	if got := c.threshold(99); got != 1 {
		t.Errorf("threshold() = %v, want the line's own override of 1", got)
	}

	noOverride := New(model.Line{ID: "l2"}, "cam-1", model.AllowReversal)
	if got := noOverride.threshold(7); got != 7 {
		t.Errorf("threshold() = %v, want the supplied default of 7", got)
	}
}
