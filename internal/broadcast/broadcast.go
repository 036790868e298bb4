// Package broadcast implements the single-producer/many-consumer
// latest-frame distribution used to fan a job's annotated frames out to
// MJPEG subscribers: a map of per-subscriber slots guarded by a mutex,
// with a blocking Subscription.Next API returning explicit ENDED/
// CANCELED results instead of a bare channel handed to the caller.
package broadcast

import (
	"sync"
)

// Meta is the out-of-band metadata published alongside each frame.
type Meta struct {
	FrameIndex int64
	Width      int
	Height     int
}

// Result is the outcome of a Subscription.Next call.
type Result int

const (
	// ResultFrame indicates Frame/Meta were populated with a new frame.
	ResultFrame Result = iota
	// ResultEnded indicates the broadcaster was closed; no further
	// frames will ever arrive on this subscription.
	ResultEnded
	// ResultCanceled indicates the caller's cancel channel fired before
	// a frame arrived.
	ResultCanceled
)

// subscriber holds one subscription's single-slot pending frame. The
// slot is overwritten on every Publish, implementing keep-newest
// backpressure: a slow subscriber never blocks the producer and never
// sees more than one buffered frame behind.
type subscriber struct {
	mu      sync.Mutex
	pending []byte
	meta    Meta
	hasFrame bool
	wake    chan struct{} // signaled (non-blocking) whenever pending changes
}

func newSubscriber() *subscriber {
	return &subscriber{wake: make(chan struct{}, 1)}
}

func (s *subscriber) publish(frame []byte, meta Meta) {
	s.mu.Lock()
	s.pending = frame
	s.meta = meta
	s.hasFrame = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() ([]byte, Meta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasFrame {
		return nil, Meta{}, false
	}
	f, m := s.pending, s.meta
	s.pending, s.hasFrame = nil, false
	return f, m, true
}

// Broadcaster fans out the latest annotated frame of one job to any
// number of subscribers.
type Broadcaster struct {
	mu        sync.Mutex
	subs      map[int]*subscriber
	nextID    int
	closed    bool
	last      []byte
	lastMeta  Meta
	hasLast   bool
	closeChan chan struct{}
}

// New constructs an open Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subs:      make(map[int]*subscriber),
		closeChan: make(chan struct{}),
	}
}

// Publish delivers frame to every current subscriber. It never blocks:
// each subscriber's pending slot is simply overwritten. Safe for a
// single producer goroutine; Publish must not be called concurrently
// with itself.
func (b *Broadcaster) Publish(frame []byte, meta Meta) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.last = frame
	b.lastMeta = meta
	b.hasLast = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.publish(frame, meta)
	}
}

// Close marks the broadcaster ended. All pending and future Next calls
// return ResultEnded; further Subscribe calls return a subscription
// that immediately yields ENDED.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.closeChan)
	b.mu.Unlock()
}

// Subscription is a single subscriber's handle onto a Broadcaster.
type Subscription struct {
	id int
	b  *Broadcaster
	s  *subscriber
}

// Subscribe registers a new subscriber. If a frame has already been
// published, the subscription's first Next call returns it immediately.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := newSubscriber()
	if b.closed {
		// Subscription over a closed broadcaster: immediately ended.
		return &Subscription{id: -1, b: b, s: s}
	}
	if b.hasLast {
		s.publish(b.last, b.lastMeta)
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	return &Subscription{id: id, b: b, s: s}
}

// Next blocks until a new frame is available, the broadcaster is
// closed, or cancel fires. cancel may be nil, in which case only
// closure or a delivered frame can unblock the call.
func (sub *Subscription) Next(cancel <-chan struct{}) ([]byte, Meta, Result) {
	if sub.id == -1 {
		return nil, Meta{}, ResultEnded
	}
	for {
		if f, m, ok := sub.s.take(); ok {
			return f, m, ResultFrame
		}
		select {
		case <-sub.s.wake:
			continue
		case <-sub.b.closeChan:
			// Drain any frame published concurrently with Close.
			if f, m, ok := sub.s.take(); ok {
				return f, m, ResultFrame
			}
			return nil, Meta{}, ResultEnded
		case <-cancel:
			return nil, Meta{}, ResultCanceled
		}
	}
}

// Unsubscribe removes the subscription from the broadcaster's fan-out
// set. Safe to call more than once. A Subscription holds no goroutine
// of its own, so a caller that forgets to Unsubscribe leaks only a map
// entry, never a thread — but callers should still call it promptly.
func (sub *Subscription) Unsubscribe() {
	if sub.id == -1 {
		return
	}
	sub.b.mu.Lock()
	delete(sub.b.subs, sub.id)
	sub.b.mu.Unlock()
}

// HasFrame reports, without blocking, whether the broadcaster has ever
// published a frame.
func (b *Broadcaster) HasFrame() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasLast
}
