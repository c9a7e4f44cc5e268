package httpapi

import (
	"net/http"
)

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	recs, diag, err := s.app.Enumerator.List(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	payload := map[string]any{"ports": recs}
	if len(recs) == 0 && (diag.Stdout != "" || diag.Stderr != "") {
		payload["diagnostics"] = diag
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleGetNicknames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"portNicknames": s.app.Config.Nicknames()})
}

func (s *Server) handleSetNickname(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port     string `json:"port"`
		Nickname string `json:"nickname"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Port == "" {
		writeError(w, http.StatusBadRequest, "port is required")
		return
	}
	nicknames, err := s.app.Config.SetNickname(req.Port, req.Nickname)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"portNicknames": nicknames})
}
