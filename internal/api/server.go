// Package api exposes the job-management REST surface and the MJPEG
// live-stream endpoint over a *http.ServeMux: a single mux built once
// in ServeMux(), wrapped in LoggingMiddleware, served by Start(ctx,
// listen) with context-driven graceful shutdown.
package api

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rdcounter/rdcounter/internal/httputil"
	"github.com/rdcounter/rdcounter/internal/job"
	"github.com/rdcounter/rdcounter/internal/model"
	"github.com/rdcounter/rdcounter/internal/store"
	"github.com/rdcounter/rdcounter/internal/videoio/rtsp"
)

// ANSI escape codes for status-code coloring in the access log.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// RTSPProbe is the pre-flight connectivity check POST /rtsp/test runs.
// It is a function type rather than an interface so the production
// wiring (videoio/rtsp.Probe) and test fakes both satisfy it directly.
type RTSPProbe func(ctx context.Context, url string, timeout time.Duration) (model.StreamProperties, error)

// Server wires the job manager and event store to the REST + MJPEG
// surface. It holds no job state of its own.
type Server struct {
	mgr       *job.Manager
	events    store.EventStore
	probe     RTSPProbe
	uploadDir string

	mux *http.ServeMux
}

// NewServer constructs a Server. uploadDir is where POST /jobs/video
// writes the incoming multipart file before handing its path to the
// manager as a FILE_VIDEO job source.
func NewServer(mgr *job.Manager, events store.EventStore, uploadDir string) *Server {
	return &Server{
		mgr:       mgr,
		events:    events,
		probe:     rtsp.Probe,
		uploadDir: uploadDir,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration for every
// request. The MJPEG stream handler writes many bytes over one long
// request; this still logs a single line when the handler returns.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)

		portPrefix := ""
		if host := r.Host; host != "" {
			if _, p, err := net.SplitHostPort(host); err == nil {
				portPrefix = ":" + p
			}
		}
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, portPrefix+r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the server's mux, building it on first call. Callers
// may register further routes before Start is invoked.
func (s *Server) ServeMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/jobs/video", s.handleJobsVideo)
	s.mux.HandleFunc("/jobs/rtsp", s.handleJobsRTSP)
	s.mux.HandleFunc("/jobs", s.handleJobsList)
	s.mux.HandleFunc("/jobs/", s.handleJobByID) // {id}, {id}/pause|resume|stop|seek|events
	s.mux.HandleFunc("/stream/", s.handleStream)
	s.mux.HandleFunc("/rtsp/test", s.handleRTSPTest)
	return s.mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

// Start runs the HTTP server until ctx is canceled, then shuts it down
// gracefully within a short deadline: ListenAndServe in a goroutine,
// select on ctx.Done()/the serve error.
func (s *Server) Start(ctx context.Context, listen string) error {
	mux := s.ServeMux()
	server := &http.Server{
		Addr:    listen,
		Handler: LoggingMiddleware(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if closeErr := server.Close(); closeErr != nil {
				log.Printf("HTTP server force close error: %v", closeErr)
			}
		}
		log.Printf("HTTP server routine stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	httputil.MethodNotAllowed(w)
}
