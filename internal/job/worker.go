// Package job implements the per-job processing engine (JobWorker) and
// the process-wide job registry (JobManager). The worker's main loop
// is a staged callback over each decoded video frame: numbered stages
// and a precomputed frame-rate throttle paced against the previous
// frame's timestamp.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rdcounter/rdcounter/internal/apperr"
	"github.com/rdcounter/rdcounter/internal/broadcast"
	"github.com/rdcounter/rdcounter/internal/crossing"
	"github.com/rdcounter/rdcounter/internal/detector"
	"github.com/rdcounter/rdcounter/internal/model"
	"github.com/rdcounter/rdcounter/internal/store"
	"github.com/rdcounter/rdcounter/internal/store/journal"
	"github.com/rdcounter/rdcounter/internal/telemetry"
	"github.com/rdcounter/rdcounter/internal/tracker"
	"github.com/rdcounter/rdcounter/internal/videoio"
)

// OpenDecoderFunc opens (or re-opens, on RTSP reconnect) the frame
// source for a job.
type OpenDecoderFunc func(ctx context.Context) (videoio.Decoder, error)

// WorkerParams bundles everything a Worker needs to run one job. Every
// field is supplied once at construction; nothing is mutated by the
// caller afterward.
type WorkerParams struct {
	Descriptor  model.JobDescriptor
	Detector    detector.Detector
	EventStore  store.EventStore
	Journal     *journal.Journal // nil is valid: dropped events are then only logged
	Broadcaster *broadcast.Broadcaster
	OpenDecoder OpenDecoderFunc
	Encoder     videoio.Encoder // nil unless FILE_VIDEO with an OutputPath
	JPEG        videoio.JPEGEncoder
	Annotator   videoio.Annotator

	TargetClassID int // -1 = accept any class

	JPEGQuality      int
	MinDetConf       float64
	TrackIoUMin      float64
	TrackMissMax     int
	TrackHistoryLen  int
	CrossingThresholdPx float64
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ControlQueueCap   int
	GracePeriod       time.Duration
}

// Worker drives one job end to end. A Worker occupies one dedicated
// goroutine (Run) for its entire lifetime.
type Worker struct {
	p       WorkerParams
	tracker *tracker.Tracker
	counter *crossing.Counter

	control *controlChannel

	mu        sync.RWMutex
	status    model.JobStatus
	startedAt time.Time

	done chan struct{} // closed when Run returns

	stopRequested     chan struct{} // closed once a STOP control is accepted
	stopRequestedOnce sync.Once

	fpsWindow []time.Time // recent frame timestamps for the fps_measured EWMA-ish estimate
}

// StopRequested returns a channel closed the moment a STOP control
// message is accepted (not once it takes effect). The JobManager
// watchdog uses it to start the grace-period clock.
func (w *Worker) StopRequested() <-chan struct{} { return w.stopRequested }

// NewWorker constructs a Worker for p.Descriptor. Run must be called
// exactly once, normally from a goroutine the JobManager spawns.
func NewWorker(p WorkerParams) *Worker {
	if p.ReconnectAttempts == 0 {
		p.ReconnectAttempts = 3
	}
	if p.ReconnectDelay == 0 {
		p.ReconnectDelay = 5 * time.Second
	}
	if p.TargetClassID == 0 {
		p.TargetClassID = -1
	}

	w := &Worker{
		p: p,
		tracker: tracker.New(tracker.Config{
			IoUMin:     p.TrackIoUMin,
			MinDetConf: p.MinDetConf,
			MaxMisses:  p.TrackMissMax,
			HistoryLen: p.TrackHistoryLen,
		}),
		counter: crossing.New(p.Descriptor.Line, p.Descriptor.CameraID, p.Descriptor.ReversalPolicy),
		control:       newControlChannel(p.ControlQueueCap),
		done:          make(chan struct{}),
		stopRequested: make(chan struct{}),
	}
	w.status = model.JobStatus{
		JobID:    p.Descriptor.JobID,
		CameraID: p.Descriptor.CameraID,
		Phase:    model.PhasePending,
	}
	return w
}

// Status returns a race-free snapshot of the job's current state.
func (w *Worker) Status() model.JobStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Done returns a channel closed once Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Control enqueues a control message; never blocks for more than the
// bounded coalescing work in controlChannel.send.
func (w *Worker) Control(msg ControlMsg) error {
	w.mu.RLock()
	phase := w.status.Phase
	w.mu.RUnlock()
	if phase.Terminal() {
		return apperr.New(apperr.InvalidState, fmt.Sprintf("job is in terminal phase %s", phase))
	}
	switch msg.Op {
	case ControlSeek:
		if w.p.Descriptor.Kind != model.KindFileVideo {
			return apperr.New(apperr.InvalidInput, "seek is only valid for FILE_VIDEO jobs")
		}
	case ControlPause:
		if phase != model.PhaseRunning {
			return apperr.New(apperr.InvalidState, fmt.Sprintf("cannot pause from phase %s", phase))
		}
	case ControlResume:
		if phase != model.PhasePaused {
			return apperr.New(apperr.InvalidState, fmt.Sprintf("cannot resume from phase %s", phase))
		}
	}
	w.control.send(msg)
	if msg.Op == ControlStop {
		w.stopRequestedOnce.Do(func() { close(w.stopRequested) })
	}
	return nil
}

func (w *Worker) setPhase(p model.Phase) {
	w.mu.Lock()
	w.status.Phase = p
	w.mu.Unlock()
}

func (w *Worker) setError(err error) {
	w.mu.Lock()
	w.status.Error = err.Error()
	w.mu.Unlock()
}

// Run executes the job's main loop to completion. It returns only once
// the job has reached a terminal phase; all owned resources (decoder,
// encoder, broadcaster) are released before Run returns, regardless of
// which terminal phase was reached.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	w.startedAt = time.Now()
	w.mu.Lock()
	w.status.Phase = model.PhaseRunning
	w.mu.Unlock()

	decoder, err := w.p.OpenDecoder(ctx)
	if err != nil {
		telemetry.Ops("job %s: open source failed: %v", w.p.Descriptor.JobID, err)
		w.finish(model.PhaseFailed, apperr.Wrap(apperr.SourceUnavailable, "failed to open source", err), nil, nil)
		return
	}
	w.mu.Lock()
	w.status.StreamProperties = decoder.Properties()
	w.mu.Unlock()

	var encodeErr error
	finalPhase := w.loop(ctx, &decoder)
	w.finish(finalPhase, nil, decoder, &encodeErr)
}

// loop is the per-frame iteration. It returns the terminal phase the
// job ended in; decoder cleanup is the caller's responsibility so that
// reconnect (which replaces decoder) can happen inside the loop. On
// return, *current holds the decoder in use at that point.
func (w *Worker) loop(ctx context.Context, current *videoio.Decoder) model.Phase {
	decoder := *current
	defer func() { *current = decoder }()
	minInterval := time.Duration(0)
	if w.p.Descriptor.FPSCap > 0 {
		minInterval = time.Duration(float64(time.Second) / w.p.Descriptor.FPSCap)
	}
	var lastFrameAt time.Time
	detectorFailures := 0
	storeFailures := 0
	const maxConsecutiveDetectorFailures = 10
	const maxConsecutiveStoreFailures = 10

	for {
		// Stage 1: observe control messages at the per-iteration checkpoint.
		phase, stop := w.observeControl(ctx, &decoder)
		if stop {
			return phase
		}
		if ctx.Err() != nil {
			return model.PhaseStopped
		}

		// Stage 2: read next frame, with RTSP reconnect on source error.
		frame, err := decoder.Read(ctx)
		if errors.Is(err, videoio.ErrEOF) {
			return model.PhaseCompleted
		}
		if err != nil {
			if w.p.Descriptor.Kind != model.KindRTSP {
				w.setError(apperr.Wrap(apperr.SourceUnavailable, "decode error", err))
				return model.PhaseFailed
			}
			newDecoder, ok := w.reconnect(ctx, decoder)
			if !ok {
				w.setError(apperr.New(apperr.SourceUnavailable, "rtsp reconnect attempts exhausted"))
				return model.PhaseFailed
			}
			decoder = newDecoder
			continue
		}

		// Stage 3: SEEK was already applied to the decoder in
		// observeControl (FILE_VIDEO only); tracker/counter trajectory
		// state was reset there too.

		// Stage 4: fps-cap pacing.
		if minInterval > 0 && !lastFrameAt.IsZero() {
			if sleep := minInterval - time.Since(lastFrameAt); sleep > 0 {
				time.Sleep(sleep)
			}
		}
		lastFrameAt = time.Now()

		// Stage 5: detect + filter.
		dets, err := w.p.Detector.Detect(ctx, frame)
		if err != nil {
			dets, err = w.p.Detector.Detect(ctx, frame) // retry once per frame
		}
		if err != nil {
			detectorFailures++
			telemetry.Ops("job %s: detector error on frame %d: %v", w.p.Descriptor.JobID, frame.Index, err)
			if detectorFailures > maxConsecutiveDetectorFailures {
				w.setError(apperr.Wrap(apperr.Fatal, "detector errors exceeded threshold", err))
				return model.PhaseFailed
			}
			w.bumpFramesIn()
			continue // frame dropped, not fatal
		}
		detectorFailures = 0
		dets = detector.Filter(dets, w.p.TargetClassID, w.p.MinDetConf)

		// Stage 6: update tracker.
		tracks, err := w.tracker.Step(dets, frame.Index)
		if err != nil {
			w.setError(apperr.Wrap(apperr.Fatal, "tracker error", err))
			return model.PhaseFailed
		}

		// Stage 7: line-crossing + event persistence.
		var entryDelta, exitDelta int64
		if w.p.Descriptor.CountEnabled {
			events, err := w.counter.Step(tracks, frame.Index, frame.Width, frame.Height, w.p.CrossingThresholdPx)
			if err != nil {
				w.setError(apperr.Wrap(apperr.Fatal, "crossing counter error", err))
				return model.PhaseFailed
			}
			for _, ev := range events {
				ev.Timestamp = frame.CapturedAt
				if w.persistEvent(ctx, ev) {
					switch ev.Direction {
					case model.DirectionEntry:
						entryDelta++
					case model.DirectionExit:
						exitDelta++
					}
					storeFailures = 0
				} else {
					storeFailures++
					telemetry.Ops("job %s: dropping crossing event for track %d after store retries exhausted (rollback policy)", w.p.Descriptor.JobID, ev.TrackID)
					w.journalDrop(ev)
					if storeFailures > maxConsecutiveStoreFailures {
						w.setError(apperr.New(apperr.Fatal, "event store errors exceeded threshold"))
						return model.PhaseFailed
					}
				}
			}
		}

		// Stage 8: annotate.
		w.mu.RLock()
		entryCount, exitCount := w.status.EntryCount+entryDelta, w.status.ExitCount+exitDelta
		w.mu.RUnlock()
		annotated, err := w.p.Annotator.Annotate(frame, annotateArgsFor(tracks, w.p.Descriptor.Line, entryCount, exitCount, frame.Index))
		if err != nil {
			w.setError(apperr.Wrap(apperr.Fatal, "annotate error", err))
			return model.PhaseFailed
		}

		// Stage 9: encode + publish + (FILE_VIDEO) write. The output
		// encoder must never see a frame that wasn't also published: a
		// JPEG-encode failure drops the frame from both sinks rather
		// than writing a video frame with no corresponding broadcast.
		jpegBytes, err := w.p.JPEG.Encode(annotated, w.p.JPEGQuality)
		if err != nil {
			telemetry.Ops("job %s: jpeg encode error on frame %d: %v", w.p.Descriptor.JobID, frame.Index, err)
		} else {
			w.p.Broadcaster.Publish(jpegBytes, broadcast.Meta{FrameIndex: frame.Index, Width: annotated.Width, Height: annotated.Height})
			if w.p.Encoder != nil {
				if err := w.p.Encoder.Write(annotated); err != nil {
					w.setError(apperr.Wrap(apperr.Fatal, "output encoder write error", err))
					return model.PhaseFailed
				}
			}
		}

		// Stage 10: update counters and derived status fields.
		w.updateStatus(frame, decoder, entryDelta, exitDelta)
	}
}

// observeControl blocks while PAUSED, otherwise performs a non-blocking
// check, applying at most one control message's effect per call (Pause/
// Resume/Stop/Seek are each handled, then the loop re-checks next
// iteration — this keeps the checkpoint itself non-blocking except
// while genuinely paused).
func (w *Worker) observeControl(ctx context.Context, decoder *videoio.Decoder) (model.Phase, bool) {
	w.mu.RLock()
	phase := w.status.Phase
	w.mu.RUnlock()

	if phase == model.PhasePaused {
		for {
			select {
			case msg := <-w.control.ch:
				if done, term := w.applyControl(msg, decoder); done {
					return term, true
				}
				w.mu.RLock()
				phase = w.status.Phase
				w.mu.RUnlock()
				if phase != model.PhasePaused {
					return "", false
				}
			case <-ctx.Done():
				return model.PhaseStopped, true
			}
		}
	}

	if msg, ok := w.control.recvNonBlocking(); ok {
		if done, term := w.applyControl(msg, decoder); done {
			return term, true
		}
	}
	return "", false
}

// applyControl applies one message's effect. done=true means the loop
// must return immediately with phase term.
func (w *Worker) applyControl(msg ControlMsg, decoder *videoio.Decoder) (done bool, term model.Phase) {
	switch msg.Op {
	case ControlPause:
		w.setPhase(model.PhasePaused)
		telemetry.Diag("job %s: paused", w.p.Descriptor.JobID)
	case ControlResume:
		w.setPhase(model.PhaseRunning)
		telemetry.Diag("job %s: resumed", w.p.Descriptor.JobID)
	case ControlStop:
		telemetry.Diag("job %s: stop requested", w.p.Descriptor.JobID)
		return true, model.PhaseStopped
	case ControlSeek:
		if err := (*decoder).Seek(msg.DeltaFrames); err != nil {
			telemetry.Ops("job %s: seek failed: %v", w.p.Descriptor.JobID, err)
			return false, ""
		}
		w.tracker.Reset()
		w.counter.Reset()
		telemetry.Diag("job %s: seek by %d frames applied", w.p.Descriptor.JobID, msg.DeltaFrames)
	}
	return false, ""
}

// reconnect retries opening a fresh decoder up to ReconnectAttempts
// times with a fixed backoff, closing the stale decoder first.
func (w *Worker) reconnect(ctx context.Context, stale videoio.Decoder) (videoio.Decoder, bool) {
	stale.Close()
	for attempt := 1; attempt <= w.p.ReconnectAttempts; attempt++ {
		select {
		case <-time.After(w.p.ReconnectDelay):
		case <-ctx.Done():
			return nil, false
		}
		telemetry.Ops("job %s: rtsp reconnect attempt %d/%d", w.p.Descriptor.JobID, attempt, w.p.ReconnectAttempts)
		d, err := w.p.OpenDecoder(ctx)
		if err == nil {
			return d, true
		}
		telemetry.Ops("job %s: rtsp reconnect attempt %d failed: %v", w.p.Descriptor.JobID, attempt, err)
	}
	return nil, false
}

// persistEvent writes ev with exponential backoff up to 3 attempts
// (the STORE_ERROR retry policy). Returns false if all attempts failed,
// in which case the caller rolls back the corresponding count increment
// and journalDrop is used to keep a durable record of the dropped event.
func (w *Worker) persistEvent(ctx context.Context, ev model.CrossingEvent) bool {
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := w.p.EventStore.RecordEvent(ctx, store.FromCrossingEvent(ev)); err == nil {
			return true
		} else if attempt < 2 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return false
}

// journalDrop records ev in the fallback journal after the EventStore
// has exhausted its retries. A nil Journal is valid (no-op); a journal
// write error is only logged, since the journal is itself a best-effort
// durability net and must never make an already-degraded frame fatal.
func (w *Worker) journalDrop(ev model.CrossingEvent) {
	if w.p.Journal == nil {
		return
	}
	if err := w.p.Journal.Append(w.p.Descriptor.JobID, "store retries exhausted", store.FromCrossingEvent(ev)); err != nil {
		telemetry.Ops("job %s: failed to journal dropped event for track %d: %v", w.p.Descriptor.JobID, ev.TrackID, err)
	}
}

func (w *Worker) bumpFramesIn() {
	w.mu.Lock()
	w.status.FramesIn++
	w.mu.Unlock()
}

func (w *Worker) updateStatus(frame model.Frame, decoder videoio.Decoder, entryDelta, exitDelta int64) {
	now := time.Now()
	w.fpsWindow = append(w.fpsWindow, now)
	if len(w.fpsWindow) > 30 {
		w.fpsWindow = w.fpsWindow[len(w.fpsWindow)-30:]
	}
	var fps float64
	if len(w.fpsWindow) > 1 {
		span := w.fpsWindow[len(w.fpsWindow)-1].Sub(w.fpsWindow[0]).Seconds()
		if span > 0 {
			fps = float64(len(w.fpsWindow)-1) / span
		}
	}

	total := decoder.TotalFrames()

	w.mu.Lock()
	w.status.FramesIn++
	w.status.FramesOut++
	w.status.EntryCount += entryDelta
	w.status.ExitCount += exitDelta
	w.status.NetCount = w.status.EntryCount - w.status.ExitCount
	w.status.FPSMeasured = fps
	w.status.LastFrameIndex = frame.Index
	w.status.UptimeS = time.Since(w.startedAt).Seconds()
	if total > 0 {
		w.status.Progress = float64(w.status.FramesIn) / float64(total)
	}
	w.mu.Unlock()
}

func annotateArgsFor(tracks []model.Track, line model.Line, entryCount, exitCount int64, frameIndex int64) videoio.AnnotateArgs {
	return videoio.AnnotateArgs{
		Tracks:     tracks,
		Line:       line,
		EntryCount: entryCount,
		ExitCount:  exitCount,
		FrameIndex: frameIndex,
	}
}

// finish performs the terminal cleanup common to every exit path:
// flush+close the encoder, close the decoder, close the broadcaster,
// record a completion row, and set the final phase. It is always
// called exactly once, from Run, regardless of which phase the loop
// returned.
func (w *Worker) finish(phase model.Phase, openErr error, decoder videoio.Decoder, encodeErr *error) {
	if openErr != nil {
		w.setError(openErr)
	}
	if w.p.Encoder != nil {
		if err := w.p.Encoder.Flush(); err != nil {
			telemetry.Ops("job %s: encoder flush error: %v", w.p.Descriptor.JobID, err)
		}
		if err := w.p.Encoder.Close(); err != nil {
			telemetry.Ops("job %s: encoder close error: %v", w.p.Descriptor.JobID, err)
		}
	}
	if decoder != nil {
		if err := decoder.Close(); err != nil {
			telemetry.Ops("job %s: decoder close error: %v", w.p.Descriptor.JobID, err)
		}
	}
	w.p.Broadcaster.Close()

	w.mu.Lock()
	w.status.Phase = phase
	w.status.UptimeS = time.Since(w.startedAt).Seconds()
	w.mu.Unlock()

	notes := ""
	if phase == model.PhaseFailed {
		notes = w.Status().Error
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.p.EventStore.RecordCompletion(ctx, store.CompletionRecord{
		JobID:     w.p.Descriptor.JobID,
		CameraID:  w.p.Descriptor.CameraID,
		Phase:     phase,
		Timestamp: time.Now().UTC(),
		Notes:     notes,
	}); err != nil {
		telemetry.Ops("job %s: failed to record completion: %v", w.p.Descriptor.JobID, err)
	}
	telemetry.Diag("job %s: terminal phase %s", w.p.Descriptor.JobID, phase)
}
