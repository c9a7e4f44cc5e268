package httpapi

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/esp32fleet/core/internal/apierr"
	"github.com/esp32fleet/core/internal/buffer"
)

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// handleBufferRead serves `GET /api/buffer?port&count?&since?&search?`.
// since and search are mutually exclusive views over the same ring;
// count limits a plain recent-entries read.
func (s *Server) handleBufferRead(w http.ResponseWriter, r *http.Request) {
	port := r.URL.Query().Get("port")
	if port == "" {
		writeError(w, http.StatusBadRequest, "port is required")
		return
	}

	if search := r.URL.Query().Get("search"); search != "" {
		re, err := regexp.Compile(search)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid search pattern: "+err.Error())
			return
		}
		limit := queryInt(r, "count", 0)
		entries := s.app.Buffers.Search(port, re, limit)
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
		return
	}

	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		since, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		lines, truncated, next := s.app.Buffers.Since(port, since)
		writeJSON(w, http.StatusOK, map[string]any{
			"lines":        lines,
			"truncated":    truncated,
			"nextSequence": next,
		})
		return
	}

	count := queryInt(r, "count", 100)
	writeJSON(w, http.StatusOK, map[string]any{"lines": s.app.Buffers.Recent(port, count)})
}

func (s *Server) handleBufferStats(w http.ResponseWriter, r *http.Request) {
	port := r.URL.Query().Get("port")
	if port == "" {
		writeJSON(w, http.StatusOK, map[string]any{"stats": s.app.Buffers.AllStats()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": s.app.Buffers.Stats(port)})
}

func (s *Server) handleBufferClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port string `json:"port"`
	}
	// Body is optional: clearing all ports omits it entirely.
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
	}
	if req.Port == "" {
		s.app.Buffers.ClearAll()
	} else {
		s.app.Buffers.Clear(req.Port)
	}
	writeJSON(w, http.StatusOK, nil)
}

type captureRequest struct {
	Port      string `json:"port"`
	Pattern   string `json:"pattern"`
	TimeoutMs int    `json:"timeout_ms"`
	MaxLines  int    `json:"max_lines"`
}

func (cr captureRequest) timeout() time.Duration {
	if cr.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(cr.TimeoutMs) * time.Millisecond
}

func (s *Server) parseCaptureRequest(r *http.Request) (captureRequest, *regexp.Regexp, error) {
	var req captureRequest
	if err := decodeJSON(r, &req); err != nil {
		return req, nil, err
	}
	if req.Port == "" || req.Pattern == "" {
		return req, nil, apierr.New(apierr.InvalidInput, "port and pattern are required")
	}
	re, err := regexp.Compile(req.Pattern)
	if err != nil {
		return req, nil, apierr.Wrap(apierr.PatternInvalid, "invalid capture pattern", err)
	}
	return req, re, nil
}

// handleCaptureStart begins a capture and returns immediately with its
// id.
func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	req, re, err := s.parseCaptureRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	capture := s.app.Buffers.StartCapture(req.Port, re, req.timeout(), req.MaxLines)
	writeJSON(w, http.StatusOK, map[string]any{"captureId": capture.ID})
}

// handleCaptureWait begins a capture and blocks until it resolves.
func (s *Server) handleCaptureWait(w http.ResponseWriter, r *http.Request) {
	req, re, err := s.parseCaptureRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	capture := s.app.Buffers.StartCapture(req.Port, re, req.timeout(), req.MaxLines)

	ctx, cancel := requestContext(r)
	defer cancel()
	result, ok := capture.Wait(ctx)
	if !ok {
		writeError(w, http.StatusGatewayTimeout, "capture wait cancelled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        result.State == buffer.CaptureMatched,
		"reason":    result.State,
		"captureId": result.CaptureID,
		"port":      result.Port,
		"line":      result.MatchLine,
		"lines":     result.Lines,
	})
}

func (s *Server) handleCaptureCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CaptureID string `json:"captureId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	ok := s.app.Buffers.CancelCapture(req.CaptureID)
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": ok})
}

func (s *Server) handleCaptureList(w http.ResponseWriter, r *http.Request) {
	port := r.URL.Query().Get("port")
	writeJSON(w, http.StatusOK, map[string]any{"captures": s.app.Buffers.ActiveCaptures(port)})
}
