package broadcast

import (
	"testing"
	"time"
)

func waitNext(t *testing.T, sub *Subscription, cancel <-chan struct{}) ([]byte, Meta, Result) {
	t.Helper()
	done := make(chan struct{})
	var frame []byte
	var meta Meta
	var result Result
	go func() {
		frame, meta, result = sub.Next(cancel)
		close(done)
	}()
	select {
	case <-done:
		return frame, meta, result
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return in time")
		return nil, Meta{}, ResultCanceled
	}
}

func TestPublishThenSubscribeDeliversLastFrame(t *testing.T) {
	b := New()
	b.Publish([]byte("frame-1"), Meta{FrameIndex: 1, Width: 10, Height: 20})

	sub := b.Subscribe()
	defer sub.Unsubscribe()

	frame, meta, result := waitNext(t, sub, nil)
	if result != ResultFrame {
		t.Fatalf("result = %v, want ResultFrame", result)
	}
	if string(frame) != "frame-1" {
		t.Errorf("frame = %q, want frame-1", frame)
	}
	if meta.FrameIndex != 1 {
		t.Errorf("meta.FrameIndex = %d, want 1", meta.FrameIndex)
	}
}

func TestSubscribeBeforePublishBlocksUntilPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	type res struct {
		frame  []byte
		result Result
	}
	out := make(chan res, 1)
	go func() {
		f, _, r := sub.Next(nil)
		out <- res{f, r}
	}()

	select {
	case <-out:
		t.Fatal("Next returned before any frame was published")
	case <-time.After(50 * time.Millisecond):
	}

	b.Publish([]byte("hello"), Meta{FrameIndex: 5})

	select {
	case r := <-out:
		if r.result != ResultFrame || string(r.frame) != "hello" {
			t.Fatalf("got %+v, want frame 'hello'", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock after Publish")
	}
}

func TestKeepNewestOverwritesUnreadFrame(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish([]byte("old"), Meta{FrameIndex: 1})
	b.Publish([]byte("new"), Meta{FrameIndex: 2})

	frame, meta, result := waitNext(t, sub, nil)
	if result != ResultFrame {
		t.Fatalf("result = %v, want ResultFrame", result)
	}
	if string(frame) != "new" {
		t.Errorf("frame = %q, want the newest frame 'new', backpressure should drop 'old'", frame)
	}
	if meta.FrameIndex != 2 {
		t.Errorf("meta.FrameIndex = %d, want 2", meta.FrameIndex)
	}
}

func TestCloseEndsPendingAndFutureSubscriptions(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Close()

	_, _, result := waitNext(t, sub, nil)
	if result != ResultEnded {
		t.Fatalf("result = %v, want ResultEnded after Close", result)
	}

	late := b.Subscribe()
	defer late.Unsubscribe()
	_, _, result = waitNext(t, late, nil)
	if result != ResultEnded {
		t.Fatalf("subscribing after Close gave %v, want ResultEnded", result)
	}
}

func TestPublishAfterCloseIsANoOp(t *testing.T) {
	b := New()
	b.Close()
	b.Publish([]byte("ignored"), Meta{FrameIndex: 1})
	if b.HasFrame() {
		t.Fatal("Publish after Close must not record a last frame")
	}
}

func TestCancelUnblocksNext(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	cancel := make(chan struct{})
	close(cancel)

	_, _, result := waitNext(t, sub, cancel)
	if result != ResultCanceled {
		t.Fatalf("result = %v, want ResultCanceled", result)
	}
}

func TestUnsubscribeRemovesFromFanOut(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe() // must be idempotent

	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	if n != 0 {
		t.Fatalf("subs map has %d entries after Unsubscribe, want 0", n)
	}
}

func TestHasFrameReflectsPublishState(t *testing.T) {
	b := New()
	if b.HasFrame() {
		t.Fatal("HasFrame true before any Publish")
	}
	b.Publish([]byte("x"), Meta{})
	if !b.HasFrame() {
		t.Fatal("HasFrame false after a Publish")
	}
}

func TestMultipleSubscribersEachGetTheLatestFrame(t *testing.T) {
	b := New()
	subA := b.Subscribe()
	subB := b.Subscribe()
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	b.Publish([]byte("shared"), Meta{FrameIndex: 9})

	fa, _, ra := waitNext(t, subA, nil)
	fb, _, rb := waitNext(t, subB, nil)
	if ra != ResultFrame || rb != ResultFrame {
		t.Fatalf("results = %v, %v, want both ResultFrame", ra, rb)
	}
	if string(fa) != "shared" || string(fb) != "shared" {
		t.Fatalf("frames = %q, %q, want both 'shared'", fa, fb)
	}
}
