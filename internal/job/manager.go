package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rdcounter/rdcounter/internal/apperr"
	"github.com/rdcounter/rdcounter/internal/broadcast"
	"github.com/rdcounter/rdcounter/internal/config"
	"github.com/rdcounter/rdcounter/internal/detector"
	"github.com/rdcounter/rdcounter/internal/model"
	"github.com/rdcounter/rdcounter/internal/store"
	"github.com/rdcounter/rdcounter/internal/store/journal"
	"github.com/rdcounter/rdcounter/internal/telemetry"
	"github.com/rdcounter/rdcounter/internal/videoio"
)

// entry is the registry's bookkeeping for one job: the worker plus the
// metadata the manager itself owns (camera uniqueness, retention).
type entry struct {
	worker      *Worker
	descriptor  model.JobDescriptor
	cancel      context.CancelFunc
	terminalAt  time.Time // zero until the worker reaches a terminal phase
}

// SourceOpener builds the OpenDecoderFunc for a job's kind, deferring
// the actual gocv/gortsplib wiring to the caller (cmd/rdcounter) so this
// package stays free of a hard dependency on one concrete video backend.
type SourceOpener interface {
	OpenFileVideo(ctx context.Context, path string) (videoio.Decoder, error)
	OpenRTSP(ctx context.Context, url string) (videoio.Decoder, error)
	NewOutputEncoder(path string, width, height int, fps float64) (videoio.Encoder, error)
}

// Manager is the process-wide registry of jobs: the single explicit
// owner HTTP handlers are given, replacing any process-global mutable
// singleton.
type Manager struct {
	mu       sync.Mutex
	jobs     map[string]*entry
	byCamera map[string]string // cameraID -> latest RTSP_STREAM jobID; kept until the retention sweep removes the job, so Submit checks its phase

	cfg      *config.Config
	detector detector.Detector
	events   store.EventStore
	journal  *journal.Journal // nil is valid: dropped events are then only logged
	sources  SourceOpener
	jpeg     videoio.JPEGEncoder
	annot    videoio.Annotator

	stopSweeper chan struct{}
}

// NewManager constructs a Manager and starts its retention sweeper.
// j may be nil, in which case events dropped after store-retry
// exhaustion are only logged, not journaled.
func NewManager(cfg *config.Config, det detector.Detector, events store.EventStore, j *journal.Journal, sources SourceOpener, jpeg videoio.JPEGEncoder, annot videoio.Annotator) *Manager {
	m := &Manager{
		jobs:        make(map[string]*entry),
		byCamera:    make(map[string]string),
		cfg:         cfg,
		detector:    det,
		events:      events,
		journal:     j,
		sources:     sources,
		jpeg:        jpeg,
		annot:       annot,
		stopSweeper: make(chan struct{}),
	}
	go m.sweepRetention()
	return m
}

// activeCount returns the number of non-terminal jobs. Caller must hold m.mu.
func (m *Manager) activeCount() int {
	n := 0
	for _, e := range m.jobs {
		if !e.worker.Status().Phase.Terminal() {
			n++
		}
	}
	return n
}

// Submit registers and starts a new job. descriptor.JobID is assigned
// here (the caller must leave it empty).
func (m *Manager) Submit(ctx context.Context, descriptor model.JobDescriptor) (string, error) {
	m.mu.Lock()
	if m.activeCount() >= m.cfg.GetMaxConcurrentJobs() {
		m.mu.Unlock()
		return "", apperr.New(apperr.ResourceExhausted, fmt.Sprintf("max_concurrent_jobs=%d reached", m.cfg.GetMaxConcurrentJobs()))
	}
	if descriptor.Kind == model.KindRTSP {
		if existingID, ok := m.byCamera[descriptor.CameraID]; ok {
			if e, ok := m.jobs[existingID]; ok && !e.worker.Status().Phase.Terminal() {
				m.mu.Unlock()
				return "", apperr.New(apperr.AlreadyExists, fmt.Sprintf("camera %s already has an active RTSP job", descriptor.CameraID))
			}
		}
	}
	m.mu.Unlock()

	descriptor.JobID = uuid.NewString()
	if descriptor.ReversalPolicy == "" {
		descriptor.ReversalPolicy = m.cfg.GetReversalPolicy()
	}
	if descriptor.Kind == model.KindRTSP && descriptor.FPSCap == 0 {
		descriptor.FPSCap = m.cfg.GetRTSPFPSCap()
	}

	var openDecoder OpenDecoderFunc
	switch descriptor.Kind {
	case model.KindFileVideo:
		openDecoder = func(ctx context.Context) (videoio.Decoder, error) {
			return m.sources.OpenFileVideo(ctx, descriptor.Source)
		}
	case model.KindRTSP:
		openDecoder = func(ctx context.Context) (videoio.Decoder, error) {
			return m.sources.OpenRTSP(ctx, descriptor.Source)
		}
	default:
		return "", apperr.New(apperr.InvalidInput, fmt.Sprintf("unknown job kind %q", descriptor.Kind))
	}

	var outEncoder videoio.Encoder
	if descriptor.Kind == model.KindFileVideo && descriptor.OutputPath != "" {
		// Geometry isn't known until the decoder opens; wrap construction
		// so the worker creates the encoder lazily via OpenDecoder's
		// side effect is avoided — instead we probe synchronously here.
		probe, err := m.sources.OpenFileVideo(ctx, descriptor.Source)
		if err != nil {
			return "", apperr.Wrap(apperr.SourceUnavailable, "failed to open source for preflight", err)
		}
		props := probe.Properties()
		probe.Close()
		enc, err := m.sources.NewOutputEncoder(descriptor.OutputPath, props.Width, props.Height, props.FPS)
		if err != nil {
			return "", apperr.Wrap(apperr.InvalidInput, "failed to open output encoder", err)
		}
		outEncoder = enc
	}

	params := WorkerParams{
		Descriptor:          descriptor,
		Detector:            m.detector,
		EventStore:          m.events,
		Journal:             m.journal,
		Broadcaster:         broadcast.New(),
		OpenDecoder:         openDecoder,
		Encoder:             outEncoder,
		JPEG:                m.jpeg,
		Annotator:           m.annot,
		TargetClassID:       -1,
		JPEGQuality:         m.cfg.GetJPEGQuality(),
		MinDetConf:          m.cfg.GetMinDetConf(),
		TrackIoUMin:         m.cfg.GetTrackIoUMin(),
		TrackMissMax:        m.cfg.GetTrackMissMax(),
		TrackHistoryLen:     m.cfg.GetTrackHistoryLen(),
		CrossingThresholdPx: m.cfg.GetCrossingThresholdPx(),
		ReconnectAttempts:   m.cfg.GetRTSPReconnectAttempts(),
		ReconnectDelay:      time.Duration(m.cfg.GetRTSPReconnectDelayS() * float64(time.Second)),
		ControlQueueCap:     m.cfg.GetControlQueueCap(),
		GracePeriod:         time.Duration(m.cfg.GetGracePeriodS() * float64(time.Second)),
	}
	worker := NewWorker(params)
	runCtx, cancel := context.WithCancel(context.Background())
	e := &entry{worker: worker, descriptor: descriptor, cancel: cancel}

	m.mu.Lock()
	m.jobs[descriptor.JobID] = e
	if descriptor.Kind == model.KindRTSP {
		m.byCamera[descriptor.CameraID] = descriptor.JobID
	}
	m.mu.Unlock()

	go func() {
		worker.Run(runCtx)
		m.watchTerminal(descriptor.JobID)
	}()
	go m.watchdog(descriptor.JobID, worker, params.GracePeriod)

	telemetry.Diag("job %s: submitted (%s, camera=%s)", descriptor.JobID, descriptor.Kind, descriptor.CameraID)
	return descriptor.JobID, nil
}

// watchTerminal stamps the retention clock once a worker's Run returns.
func (m *Manager) watchTerminal(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.jobs[jobID]; ok {
		e.terminalAt = time.Now()
	}
}

// watchdog force-unblocks a worker that hasn't observed STOP within
// GracePeriod of being asked to stop — it never fires unless Stop was
// called, since it exits as soon as the worker's Done channel closes.
func (m *Manager) watchdog(jobID string, w *Worker, grace time.Duration) {
	select {
	case <-w.Done():
		return
	case <-w.StopRequested():
	}
	select {
	case <-w.Done():
		return
	case <-time.After(grace):
		telemetry.Ops("job %s: stop not observed within grace period, forcing resource release", jobID)
		m.mu.Lock()
		e, ok := m.jobs[jobID]
		m.mu.Unlock()
		if ok {
			e.cancel()
		}
	}
}

func (m *Manager) get(jobID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[jobID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("job %q not found", jobID))
	}
	return e, nil
}

// Stop transitions the worker toward STOPPED and returns its last
// status; graceful — the worker finishes its current iteration first.
func (m *Manager) Stop(jobID string) (model.JobStatus, error) {
	e, err := m.get(jobID)
	if err != nil {
		return model.JobStatus{}, err
	}
	if err := e.worker.Control(ControlMsg{Op: ControlStop}); err != nil {
		if apperr.CodeOf(err) == apperr.InvalidState {
			return e.worker.Status(), nil // already terminal: idempotent
		}
		return model.JobStatus{}, err
	}
	return e.worker.Status(), nil
}

func (m *Manager) Pause(jobID string) error {
	e, err := m.get(jobID)
	if err != nil {
		return err
	}
	return e.worker.Control(ControlMsg{Op: ControlPause})
}

func (m *Manager) Resume(jobID string) error {
	e, err := m.get(jobID)
	if err != nil {
		return err
	}
	return e.worker.Control(ControlMsg{Op: ControlResume})
}

func (m *Manager) Seek(jobID string, deltaFrames int64) error {
	e, err := m.get(jobID)
	if err != nil {
		return err
	}
	return e.worker.Control(ControlMsg{Op: ControlSeek, DeltaFrames: deltaFrames})
}

func (m *Manager) Status(jobID string) (model.JobStatus, error) {
	e, err := m.get(jobID)
	if err != nil {
		return model.JobStatus{}, err
	}
	return e.worker.Status(), nil
}

// Broadcaster returns the job's frame broadcaster for MJPEG subscription.
func (m *Manager) Broadcaster(jobID string) (*broadcast.Broadcaster, error) {
	e, err := m.get(jobID)
	if err != nil {
		return nil, err
	}
	return e.worker.p.Broadcaster, nil
}

// List returns all active and recently terminated jobs.
func (m *Manager) List() []model.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.JobStatus, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e.worker.Status())
	}
	return out
}

// sweepRetention removes terminated jobs older than job_retention_minutes
// so late pollers still get a definitive (NOT_FOUND) answer eventually.
func (m *Manager) sweepRetention() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			retain := time.Duration(m.cfg.GetJobRetentionMinutes() * float64(time.Minute))
			m.mu.Lock()
			for id, e := range m.jobs {
				if !e.terminalAt.IsZero() && time.Since(e.terminalAt) > retain {
					delete(m.jobs, id)
					if m.byCamera[e.descriptor.CameraID] == id {
						delete(m.byCamera, e.descriptor.CameraID)
					}
				}
			}
			m.mu.Unlock()
		case <-m.stopSweeper:
			return
		}
	}
}

// Shutdown broadcasts STOP to every active job and waits up to drain
// for them to terminate, then force-cancels stragglers on the process's
// exit path. Returns false if any job needed to be force-cancelled.
func (m *Manager) Shutdown(drain time.Duration) bool {
	close(m.stopSweeper)

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.worker.Control(ControlMsg{Op: ControlStop})
	}

	deadline := time.After(drain)
	clean := true
	for _, e := range entries {
		select {
		case <-e.worker.Done():
		case <-deadline:
			e.cancel()
			<-e.worker.Done()
			clean = false
		}
	}
	return clean
}
