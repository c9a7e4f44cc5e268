package httpapi

import (
	"net/http"
	"regexp"

	"github.com/esp32fleet/core/internal/monitor"
)

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port         string `json:"port"`
		Baud         int    `json:"baud"`
		AutoBaud     bool   `json:"auto_baud"`
		Raw          bool   `json:"raw"`
		MaxSeconds   int    `json:"max_seconds"`
		MaxLines     int    `json:"max_lines"`
		StopOn       string `json:"stop_on"`
		DetectReboot *bool  `json:"detect_reboot"` // defaults to on when omitted
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Port == "" {
		writeError(w, http.StatusBadRequest, "port is required")
		return
	}

	opts := monitor.Options{
		Port:         req.Port,
		Baud:         req.Baud,
		AutoBaud:     req.AutoBaud,
		RawMode:      req.Raw,
		MaxLines:     req.MaxLines,
		MaxSeconds:   req.MaxSeconds,
		ResetPulse:   true,
		DetectReboot: req.DetectReboot == nil || *req.DetectReboot,
	}
	if opts.Baud == 0 {
		opts.Baud = s.app.Config.Get().DefaultBaud
	}
	if req.StopOn != "" {
		re, err := regexp.Compile(req.StopOn)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid stop_on pattern: "+err.Error())
			return
		}
		opts.StopOn = re
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	sess, err := s.app.Monitors.Start(ctx, opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": sess.Token,
		"port":  sess.Options.Port,
		"baud":  sess.Baud(),
	})
}

func summaryPayload(summary *monitor.Summary) map[string]any {
	if summary == nil {
		return map[string]any{}
	}
	return map[string]any{
		"reason":         summary.Reason,
		"elapsedSeconds": summary.ElapsedSeconds,
		"lastLine":       summary.LastLine,
		"exitCode":       summary.ExitCode,
		"rebootDetected": summary.RebootDetected,
	}
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Port  string `json:"port"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Token == "" && req.Port == "" {
		writeError(w, http.StatusBadRequest, "token or port is required")
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	summary, err := s.app.Monitors.Stop(ctx, req.Token, req.Port)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryPayload(summary))
}

func (s *Server) handleMonitorStopAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	summaries := s.app.Monitors.StopAll(ctx)
	payloads := make([]map[string]any, 0, len(summaries))
	for _, summary := range summaries {
		payloads = append(payloads, summaryPayload(summary))
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": payloads})
}

func (s *Server) handleMonitorList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.app.Monitors.ListSessions()})
}
