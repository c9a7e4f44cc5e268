// Package httpapi is the JSON+SSE surface stitching together the
// broadcaster, ring buffers, monitor manager, install-log ingester,
// device health monitor, fleet orchestrator, and workspace config
// behind a single mux-routed server.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/esp32fleet/core/internal/apierr"
	"github.com/esp32fleet/core/internal/appctx"
	"github.com/esp32fleet/core/internal/logger"
)

// Server is the stateless-per-request HTTP+SSE surface.
type Server struct {
	app *appctx.Context
	mux *http.ServeMux

	shutdown func()
}

// New builds a Server wired to app. shutdown is invoked by
// POST /api/server/restart to signal an external supervisor; it may be
// nil in tests.
func New(app *appctx.Context, shutdown func()) *Server {
	s := &Server{app: app, shutdown: shutdown, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.withCORS(s.mux).ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /events", s.handleEvents)

	s.mux.HandleFunc("GET /api/ports", s.handlePorts)
	s.mux.HandleFunc("GET /api/port-nicknames", s.handleGetNicknames)
	s.mux.HandleFunc("POST /api/port-nicknames", s.handleSetNickname)

	s.mux.HandleFunc("POST /api/monitor/start", s.handleMonitorStart)
	s.mux.HandleFunc("POST /api/monitor/stop", s.handleMonitorStop)
	s.mux.HandleFunc("POST /api/monitor/stop-all", s.handleMonitorStopAll)
	s.mux.HandleFunc("GET /api/monitors", s.handleMonitorList)

	s.mux.HandleFunc("GET /api/buffer", s.handleBufferRead)
	s.mux.HandleFunc("GET /api/buffer-stats", s.handleBufferStats)
	s.mux.HandleFunc("POST /api/buffer/clear", s.handleBufferClear)

	s.mux.HandleFunc("POST /api/capture/start", s.handleCaptureStart)
	s.mux.HandleFunc("POST /api/capture/wait", s.handleCaptureWait)
	s.mux.HandleFunc("POST /api/capture/cancel", s.handleCaptureCancel)
	s.mux.HandleFunc("GET /api/captures", s.handleCaptureList)

	s.mux.HandleFunc("GET /api/install-logs", s.handleInstallLogsGet)
	s.mux.HandleFunc("POST /api/install-logs", s.handleInstallLogsPost)

	s.mux.HandleFunc("GET /api/device-health", s.handleDeviceHealth)

	s.mux.HandleFunc("POST /api/compile", s.handleCompile)
	s.mux.HandleFunc("POST /api/upload", s.handleUpload)
	s.mux.HandleFunc("POST /api/flash-all", s.handleFlashAll)
	s.mux.HandleFunc("POST /api/reset-device", s.handleResetDevice)

	s.mux.HandleFunc("GET /api/spiffs/{op}", s.handleSPIFFS)
	s.mux.HandleFunc("POST /api/spiffs/{op}", s.handleSPIFFS)
	s.mux.HandleFunc("DELETE /api/spiffs/{op}", s.handleSPIFFS)

	s.mux.HandleFunc("POST /api/server/restart", s.handleServerRestart)
}

// withCORS honours preflight for every route with a permissive default.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.app.CORSOrigin
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes the uniform success envelope {ok:true, ...payload}.
func writeJSON(w http.ResponseWriter, code int, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["ok"]; !ok {
		payload["ok"] = code < 400
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// writeError writes the uniform failure envelope {ok:false, error}.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": msg})
}

// writeErr translates err into the envelope using apierr.Status when
// err carries a Kind, defaulting to 500.
func writeErr(w http.ResponseWriter, err error) {
	logger.Warn("request failed", "error", err)
	writeError(w, apierr.Status(err), err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return apierr.New(apierr.InvalidInput, "missing request body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apierr.Wrap(apierr.InvalidInput, "invalid JSON body", err)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(consoleHTML))
}

func (s *Server) handleServerRestart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nil)
	if s.shutdown != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdown()
		}()
	}
}

// requestContext derives a per-request context bounded by a generous
// upper bound, so a misbehaving external tool invocation can't wedge a
// handler goroutine forever.
func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 5*time.Minute)
}

// consoleHTML is the minimal placeholder for the console front-end,
// which is an external client of this API; this stub exists only so
// GET / returns something coherent.
const consoleHTML = `<!DOCTYPE html>
<html><head><title>ESP32 Fleet</title></head>
<body><h1>ESP32 Fleet Orchestrator</h1>
<p>API surface under /api; live events at /events.</p>
</body></html>
`
