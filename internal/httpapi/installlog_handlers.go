package httpapi

import (
	"net/http"

	"github.com/esp32fleet/core/internal/events"
)

func (s *Server) handleInstallLogsGet(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	records, err := s.app.InstallLogs.Recent(limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": records})
}

func (s *Server) handleInstallLogsPost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port  string                 `json:"port"`
		Entry events.InstallLogEntry `json:"entry"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Port == "" {
		writeError(w, http.StatusBadRequest, "port is required")
		return
	}
	result := s.app.InstallLogs.Submit(req.Port, req.Entry)
	payload := map[string]any{}
	if result.Duplicate {
		payload["duplicate"] = true
	} else {
		payload["key"] = result.Key
	}
	writeJSON(w, http.StatusOK, payload)
}
