package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rdcounter/rdcounter/internal/apperr"
	"github.com/rdcounter/rdcounter/internal/httputil"
)

const rtspProbeTimeout = 5 * time.Second

// handleRTSPTest serves POST /rtsp/test: a pre-flight connectivity
// check callers run before submitting a job, so a misconfigured camera
// URL fails fast instead of only surfacing once a job is already
// running.
func (s *Server) handleRTSPTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		RTSPUrl string `json:"rtsp_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperr.Wrap(apperr.InvalidInput, "failed to parse request body", err))
		return
	}
	if req.RTSPUrl == "" {
		writeAppError(w, apperr.New(apperr.InvalidInput, "rtsp_url is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), rtspProbeTimeout)
	defer cancel()

	props, err := s.probe(ctx, req.RTSPUrl, rtspProbeTimeout)
	if err != nil {
		httputil.WriteJSONOK(w, map[string]any{"ok": false, "reason": err.Error()})
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"ok":     true,
		"width":  props.Width,
		"height": props.Height,
		"fps":    props.FPS,
	})
}
