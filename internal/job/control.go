package job

// ControlOp identifies one of the four control messages a JobWorker's
// main loop observes only at its per-iteration checkpoint.
type ControlOp int

const (
	ControlPause ControlOp = iota
	ControlResume
	ControlStop
	ControlSeek
)

// ControlMsg is one entry on a job's bounded control channel.
type ControlMsg struct {
	Op          ControlOp
	DeltaFrames int64 // only meaningful for ControlSeek
}

// controlChannel is the bounded (capacity configurable, default 8)
// per-job control queue. Sends never block the caller for more than a
// short bounded time: Seek messages already queued coalesce (latest
// wins) and Pause/Resume/Stop are idempotent, so a full queue of
// identical control ops simply drops the duplicate rather than
// blocking the HTTP handler goroutine that's enqueuing it.
type controlChannel struct {
	ch chan ControlMsg
}

func newControlChannel(capacity int) *controlChannel {
	if capacity <= 0 {
		capacity = 8
	}
	return &controlChannel{ch: make(chan ControlMsg, capacity)}
}

// send enqueues msg without blocking. When the queue is full, a SEEK
// replaces every queued SEEK (latest wins) while queued PAUSE/RESUME/
// STOP messages keep their place; a PAUSE/RESUME/STOP is dropped
// without checking whether an identical op is already queued.
func (c *controlChannel) send(msg ControlMsg) {
	select {
	case c.ch <- msg:
		return
	default:
	}

	// Queue full: for SEEK, drain, discard the queued seeks, and
	// re-enqueue the other ops followed by this seek; for the
	// idempotent ops, just drop.
	if msg.Op == ControlSeek {
		var kept []ControlMsg
	drain:
		for {
			select {
			case m := <-c.ch:
				if m.Op != ControlSeek {
					kept = append(kept, m)
				}
			default:
				break drain
			}
		}
		for _, m := range append(kept, msg) {
			select {
			case c.ch <- m:
			default:
				// no room left (a queue holding no seek, or a concurrent
				// sender refilling it); drop rather than block.
			}
		}
	}
}

// recvNonBlocking returns the next queued message, if any, without
// blocking.
func (c *controlChannel) recvNonBlocking() (ControlMsg, bool) {
	select {
	case m := <-c.ch:
		return m, true
	default:
		return ControlMsg{}, false
	}
}
