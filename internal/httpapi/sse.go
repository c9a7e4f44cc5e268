package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/esp32fleet/core/internal/logger"
)

// handleEvents serves `GET /events`: replay buffer first, then live
// events, with a keep-alive comment frame so intermediaries don't close
// the idle connection. Connection close unsubscribes within one
// keep-alive interval.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.app.Broadcaster.Subscribe()
	defer s.app.Broadcaster.Unsubscribe(sub)

	ctx := r.Context()
	for {
		ev, keepAlive, ok := sub.Next(ctx)
		if !ok {
			return
		}
		if keepAlive {
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
			continue
		}

		data, err := json.Marshal(ev)
		if err != nil {
			logger.Warn("sse: failed to marshal event", "error", err)
			continue
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}
