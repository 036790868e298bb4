package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rdcounter/rdcounter/internal/apperr"
	"github.com/rdcounter/rdcounter/internal/httputil"
	"github.com/rdcounter/rdcounter/internal/model"
	"github.com/rdcounter/rdcounter/internal/store"
)

const maxUploadBytes = 2 << 30 // 2GiB, generous for a single uploaded clip

// lineSpec is the wire shape of a counting line, percentage-space
// coordinates matching model.Line. Threshold is optional; zero means
// "use the package default" exactly as model.Line documents.
type lineSpec struct {
	X1        float64 `json:"x1"`
	Y1        float64 `json:"y1"`
	X2        float64 `json:"x2"`
	Y2        float64 `json:"y2"`
	Threshold float64 `json:"threshold,omitempty"`
}

func (l lineSpec) toModel(id string) model.Line {
	return model.Line{
		ID:                id,
		X1:                l.X1,
		Y1:                l.Y1,
		X2:                l.X2,
		Y2:                l.Y2,
		CrossingThreshold: l.Threshold,
	}
}

// handleJobsVideo submits a FILE_VIDEO job from a multipart upload.
// count_enabled and camera_id arrive as query parameters per the
// contract; the line, when counting is enabled, arrives the same way
// (line_x1, line_y1, line_x2, line_y2, optional line_threshold), since
// a multipart request has no convenient JSON body slot for it.
func (s *Server) handleJobsVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeAppError(w, apperr.Wrap(apperr.InvalidInput, "failed to parse multipart upload", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAppError(w, apperr.Wrap(apperr.InvalidInput, "missing multipart field \"file\"", err))
		return
	}
	defer file.Close()

	cameraID := r.URL.Query().Get("camera_id")
	if cameraID == "" {
		writeAppError(w, apperr.New(apperr.InvalidInput, "camera_id query parameter is required"))
		return
	}
	countEnabled, _ := strconv.ParseBool(r.URL.Query().Get("count_enabled"))

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		writeAppError(w, apperr.Wrap(apperr.Fatal, "failed to prepare upload directory", err))
		return
	}
	destName := uuid.NewString() + filepath.Ext(header.Filename)
	destPath := filepath.Join(s.uploadDir, destName)
	dest, err := os.Create(destPath)
	if err != nil {
		writeAppError(w, apperr.Wrap(apperr.Fatal, "failed to create upload destination", err))
		return
	}
	if _, err := io.Copy(dest, file); err != nil {
		dest.Close()
		os.Remove(destPath)
		writeAppError(w, apperr.Wrap(apperr.InvalidInput, "failed to store uploaded file", err))
		return
	}
	if err := dest.Close(); err != nil {
		writeAppError(w, apperr.Wrap(apperr.Fatal, "failed to finalize upload", err))
		return
	}

	var line model.Line
	if countEnabled {
		ls, err := parseLineQuery(r.URL.Query())
		if err != nil {
			os.Remove(destPath)
			writeAppError(w, err)
			return
		}
		line = ls.toModel(cameraID)
	}

	descriptor := model.JobDescriptor{
		Kind:         model.KindFileVideo,
		Source:       destPath,
		CameraID:     cameraID,
		CountEnabled: countEnabled,
		Line:         line,
	}

	jobID, err := s.mgr.Submit(r.Context(), descriptor)
	if err != nil {
		os.Remove(destPath)
		writeAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func parseLineQuery(q map[string][]string) (lineSpec, error) {
	get := func(key string) (float64, error) {
		vals, ok := q[key]
		if !ok || len(vals) == 0 || vals[0] == "" {
			return 0, apperr.New(apperr.InvalidInput, fmt.Sprintf("missing line parameter %q", key))
		}
		v, err := strconv.ParseFloat(vals[0], 64)
		if err != nil {
			return 0, apperr.Wrap(apperr.InvalidInput, fmt.Sprintf("invalid line parameter %q", key), err)
		}
		return v, nil
	}
	var ls lineSpec
	var err error
	if ls.X1, err = get("line_x1"); err != nil {
		return lineSpec{}, err
	}
	if ls.Y1, err = get("line_y1"); err != nil {
		return lineSpec{}, err
	}
	if ls.X2, err = get("line_x2"); err != nil {
		return lineSpec{}, err
	}
	if ls.Y2, err = get("line_y2"); err != nil {
		return lineSpec{}, err
	}
	if thr, ok := q["line_threshold"]; ok && len(thr) > 0 && thr[0] != "" {
		v, err := strconv.ParseFloat(thr[0], 64)
		if err != nil {
			return lineSpec{}, apperr.Wrap(apperr.InvalidInput, "invalid line parameter \"line_threshold\"", err)
		}
		ls.Threshold = v
	}
	return ls, nil
}

type rtspSubmitRequest struct {
	CameraID     string    `json:"camera_id"`
	RTSPUrl      string    `json:"rtsp_url"`
	CameraName   string    `json:"camera_name,omitempty"`
	CountEnabled bool      `json:"count_enabled"`
	Line         *lineSpec `json:"line,omitempty"`
}

// handleJobsRTSP submits an RTSP_STREAM job. camera_name is accepted
// and ignored: the data model has no separate display-name field
// (JobDescriptor carries camera_id only).
func (s *Server) handleJobsRTSP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req rtspSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperr.Wrap(apperr.InvalidInput, "failed to parse request body", err))
		return
	}
	if req.CameraID == "" || req.RTSPUrl == "" {
		writeAppError(w, apperr.New(apperr.InvalidInput, "camera_id and rtsp_url are required"))
		return
	}

	var line model.Line
	if req.CountEnabled {
		if req.Line == nil {
			writeAppError(w, apperr.New(apperr.InvalidInput, "line is required when count_enabled is true"))
			return
		}
		line = req.Line.toModel(req.CameraID)
	}

	descriptor := model.JobDescriptor{
		Kind:         model.KindRTSP,
		Source:       req.RTSPUrl,
		CameraID:     req.CameraID,
		CountEnabled: req.CountEnabled,
		Line:         line,
	}

	jobID, err := s.mgr.Submit(r.Context(), descriptor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     jobID,
		"stream_url": "/stream/" + jobID,
	})
}

// handleJobsList serves GET /jobs: every active and recently
// terminated job.
func (s *Server) handleJobsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"jobs": s.mgr.List()})
}

// handleJobByID dispatches every /jobs/{id} and /jobs/{id}/{action}
// route by trimming the prefix and switching on the remaining subpath.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	const prefix = "/jobs/"
	remainder := strings.TrimPrefix(r.URL.Path, prefix)
	if remainder == "" {
		httputil.NotFound(w, "missing job id")
		return
	}

	jobID := remainder
	action := ""
	if idx := strings.Index(remainder, "/"); idx != -1 {
		jobID = remainder[:idx]
		action = remainder[idx+1:]
	}
	if jobID == "" {
		httputil.NotFound(w, "missing job id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleJobStatus(w, r, jobID)
	case action == "pause" && r.Method == http.MethodPost:
		s.handleJobControl(w, r, jobID, s.mgr.Pause)
	case action == "resume" && r.Method == http.MethodPost:
		s.handleJobControl(w, r, jobID, s.mgr.Resume)
	case action == "stop" && r.Method == http.MethodPost:
		s.handleJobStop(w, r, jobID)
	case action == "seek" && r.Method == http.MethodPost:
		s.handleJobSeek(w, r, jobID)
	case action == "events" && r.Method == http.MethodGet:
		s.handleJobEvents(w, r, jobID)
	default:
		httputil.NotFound(w, "unknown job route")
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	status, err := s.mgr.Status(jobID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	httputil.WriteJSONOK(w, status)
}

func (s *Server) handleJobControl(w http.ResponseWriter, r *http.Request, jobID string, op func(string) error) {
	if err := op(jobID); err != nil {
		writeAppError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"ok": true})
}

func (s *Server) handleJobStop(w http.ResponseWriter, r *http.Request, jobID string) {
	status, err := s.mgr.Stop(jobID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"ok": true, "status": status})
}

func (s *Server) handleJobSeek(w http.ResponseWriter, r *http.Request, jobID string) {
	var body struct {
		DeltaFrames int64 `json:"delta_frames"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperr.Wrap(apperr.InvalidInput, "failed to parse request body", err))
		return
	}
	if err := s.mgr.Seek(jobID, body.DeltaFrames); err != nil {
		writeAppError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"ok": true})
}

// handleJobEvents serves GET /jobs/{id}/events: a paginated read
// through EventStore.ReadLogs scoped to the job's camera.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	status, err := s.mgr.Status(jobID)
	if err != nil {
		writeAppError(w, err)
		return
	}

	q := r.URL.Query()
	query := store.LogQuery{
		CameraID:  status.CameraID,
		EventType: q.Get("event_type"),
		Limit:     100,
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			query.Limit = n
		}
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			query.Since = t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			query.Until = t
		}
	}

	records, err := s.events.ReadLogs(r.Context(), query)
	if err != nil {
		writeAppError(w, apperr.Wrap(apperr.StoreError, "failed to read events", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"events": records})
}
