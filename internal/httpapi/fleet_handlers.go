package httpapi

import (
	"net/http"
	"time"
)

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SketchPath string `json:"sketch_path"`
		FQBN       string `json:"fqbn"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.SketchPath == "" {
		writeError(w, http.StatusBadRequest, "sketch_path is required")
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	result, err := s.app.Fleet.CompileOne(ctx, req.SketchPath, req.FQBN)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port      string `json:"port"`
		BuildPath string `json:"build_path"`
		FQBN      string `json:"fqbn"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Port == "" || req.BuildPath == "" {
		writeError(w, http.StatusBadRequest, "port and build_path are required")
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	result := s.app.Fleet.UploadOne(ctx, req.Port, req.BuildPath, req.FQBN)
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleFlashAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SketchPath string `json:"sketch_path"`
		FQBN       string `json:"fqbn"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.SketchPath == "" {
		writeError(w, http.StatusBadRequest, "sketch_path is required")
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	result, err := s.app.Fleet.FlashAll(ctx, req.SketchPath, req.FQBN)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleResetDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port    string `json:"port"`
		Method  string `json:"method"`
		DelayMs int    `json:"delay_ms"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Port == "" {
		writeError(w, http.StatusBadRequest, "port is required")
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	delay := time.Duration(req.DelayMs) * time.Millisecond
	if err := s.app.Fleet.ResetDevice(ctx, req.Port, req.Method, delay); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
