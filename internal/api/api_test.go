package api

import (
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rdcounter/rdcounter/internal/apperr"
	"github.com/rdcounter/rdcounter/internal/config"
	"github.com/rdcounter/rdcounter/internal/job"
	"github.com/rdcounter/rdcounter/internal/model"
	"github.com/rdcounter/rdcounter/internal/store"
	"github.com/rdcounter/rdcounter/internal/videoio"
)

type fakeDetector struct{}

func (fakeDetector) Detect(ctx context.Context, f model.Frame) ([]model.Detection, error) {
	return nil, nil
}

type fakeSourceOpener struct{}

func (fakeSourceOpener) OpenFileVideo(ctx context.Context, path string) (videoio.Decoder, error) {
	return nil, apperr.New(apperr.SourceUnavailable, "fake opener: not implemented in tests")
}
func (fakeSourceOpener) OpenRTSP(ctx context.Context, url string) (videoio.Decoder, error) {
	return nil, apperr.New(apperr.SourceUnavailable, "fake opener: not implemented in tests")
}
func (fakeSourceOpener) NewOutputEncoder(path string, w, h int, fps float64) (videoio.Encoder, error) {
	return nil, apperr.New(apperr.Fatal, "fake opener: not implemented in tests")
}

type fakeEventStore struct {
	events []store.EventRecord
}

func (f *fakeEventStore) RecordEvent(ctx context.Context, ev store.EventRecord) (int64, error) {
	ev.ID = int64(len(f.events) + 1)
	f.events = append(f.events, ev)
	return ev.ID, nil
}
func (f *fakeEventStore) RecordCompletion(ctx context.Context, c store.CompletionRecord) error {
	return nil
}
func (f *fakeEventStore) ReadLogs(ctx context.Context, q store.LogQuery) ([]store.EventRecord, error) {
	var out []store.EventRecord
	for _, ev := range f.events {
		if q.CameraID != "" && ev.CameraID != q.CameraID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *fakeEventStore) {
	t.Helper()
	events := &fakeEventStore{}
	mgr := job.NewManager(config.Default(), fakeDetector{}, events, nil, fakeSourceOpener{}, videoio.CVJPEGEncoder{}, videoio.Annotator{})
	return NewServer(mgr, events, t.TempDir()), events
}

func doRequest(s *Server, method, target string, body *strings.Reader) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, body)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestHandleHealthzRejectsNonGet(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/healthz", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHandleJobsListEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/jobs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	jobs, ok := body["jobs"].([]any)
	if !ok {
		t.Fatalf("jobs field has unexpected type %T", body["jobs"])
	}
	if len(jobs) != 0 {
		t.Errorf("got %d jobs, want 0 on a fresh manager", len(jobs))
	}
}

func TestHandleStreamUnknownJobReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/stream/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleJobStatusUnknownJobReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/jobs/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleJobByIDUnknownActionReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/jobs/some-job/frobnicate", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for an unrecognized action", rec.Code)
	}
}

func TestHandleJobByIDMissingIDReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/jobs/", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleJobPauseUnknownJobReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/jobs/does-not-exist/pause", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleJobSeekUnknownJobReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	body := strings.NewReader(`{"delta_frames": 5}`)
	rec := doRequest(s, http.MethodPost, "/jobs/does-not-exist/seek", body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleJobsVideoRequiresCameraID(t *testing.T) {
	s, _ := newTestServer(t)

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "clip.mp4")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("not-really-a-video"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/jobs/video", strings.NewReader(buf.String()))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a missing camera_id", rec.Code)
	}
}

func TestHandleJobsRTSPRequiresFields(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/jobs/rtsp", strings.NewReader(`{}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a missing camera_id/rtsp_url", rec.Code)
	}
}

func TestHandleJobsRTSPRequiresLineWhenCountEnabled(t *testing.T) {
	s, _ := newTestServer(t)
	body := `{"camera_id":"cam-1","rtsp_url":"rtsp://example.invalid/stream","count_enabled":true}`
	rec := doRequest(s, http.MethodPost, "/jobs/rtsp", strings.NewReader(body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when count_enabled is true but line is omitted", rec.Code)
	}
}

func TestHandleRTSPTestReportsProbeFailure(t *testing.T) {
	s, _ := newTestServer(t)
	s.probe = func(ctx context.Context, url string, timeout time.Duration) (model.StreamProperties, error) {
		return model.StreamProperties{}, apperr.New(apperr.SourceUnavailable, "connection refused")
	}
	rec := doRequest(s, http.MethodPost, "/rtsp/test", strings.NewReader(`{"rtsp_url":"rtsp://example.invalid/stream"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when the probe itself fails", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if ok, _ := body["ok"].(bool); ok {
		t.Error("ok = true, want false for a failed probe")
	}
}

func TestHandleRTSPTestReportsProbeSuccess(t *testing.T) {
	s, _ := newTestServer(t)
	s.probe = func(ctx context.Context, url string, timeout time.Duration) (model.StreamProperties, error) {
		return model.StreamProperties{Width: 1920, Height: 1080, FPS: 30}, nil
	}
	rec := doRequest(s, http.MethodPost, "/rtsp/test", strings.NewReader(`{"rtsp_url":"rtsp://example.invalid/stream"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if ok, _ := body["ok"].(bool); !ok {
		t.Fatal("ok = false, want true for a successful probe")
	}
	if w, _ := body["width"].(float64); w != 1920 {
		t.Errorf("width = %v, want 1920", body["width"])
	}
}

func TestHandleRTSPTestRequiresURL(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/rtsp/test", strings.NewReader(`{}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a missing rtsp_url", rec.Code)
	}
}

func TestParseLineQueryRequiresAllCoordinates(t *testing.T) {
	q, err := url.ParseQuery("line_x1=10&line_y1=0&line_x2=10")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parseLineQuery(q); err == nil {
		t.Fatal("expected an error for a missing line_y2 parameter")
	}
}

func TestParseLineQueryParsesAllFields(t *testing.T) {
	q, err := url.ParseQuery("line_x1=10&line_y1=0&line_x2=10&line_y2=100&line_threshold=3.5")
	if err != nil {
		t.Fatal(err)
	}
	ls, err := parseLineQuery(q)
	if err != nil {
		t.Fatal(err)
	}
	if ls.X1 != 10 || ls.Y1 != 0 || ls.X2 != 10 || ls.Y2 != 100 || ls.Threshold != 3.5 {
		t.Errorf("parsed lineSpec = %+v, want {10 0 10 100 3.5}", ls)
	}
}

func TestNewBoundaryFormat(t *testing.T) {
	b := newBoundary()
	if !strings.HasPrefix(b, "rdcounter") {
		t.Errorf("boundary %q does not start with the rdcounter prefix", b)
	}
	if len(b) < 16 {
		t.Errorf("boundary %q shorter than the required 16 ASCII characters", b)
	}
	b2 := newBoundary()
	if b == b2 {
		t.Error("newBoundary produced the same token twice in a row")
	}
}

func TestWriteAppErrorMapsCodeToStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAppError(rec, apperr.New(apperr.NotFound, "job missing"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != string(apperr.NotFound) {
		t.Errorf("code field = %q, want %q", body["code"], apperr.NotFound)
	}
}
