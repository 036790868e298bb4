package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/rdcounter/rdcounter/internal/broadcast"
	"github.com/rdcounter/rdcounter/internal/httputil"
)

// newBoundary returns a fresh ASCII boundary token at least 16
// characters long, generated fresh per response.
func newBoundary() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to
		// a fixed token rather than panic mid-request.
		return "rdcounterstreamboundary"
	}
	return "rdcounter" + hex.EncodeToString(buf[:])
}

// handleStream serves GET /stream/{id}: a bit-exact multipart/x-mixed-replace
// MJPEG stream, framed by hand rather than via mime/multipart.Writer so no
// terminating boundary is ever emitted; clients detect end of stream
// by disconnect.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/stream/")
	if jobID == "" {
		httputil.NotFound(w, "missing job id")
		return
	}

	bc, err := s.mgr.Broadcaster(jobID)
	if err != nil {
		httputil.NotFound(w, "unknown or expired job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported by response writer")
		return
	}

	boundary := newBoundary()
	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", boundary))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := bc.Subscribe()
	defer sub.Unsubscribe()

	cancel := r.Context().Done()
	for {
		frame, _, result := sub.Next(cancel)
		switch result {
		case broadcast.ResultEnded, broadcast.ResultCanceled:
			return
		case broadcast.ResultFrame:
			if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame)); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
