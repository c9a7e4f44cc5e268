package httpapi

import (
	"net/http"
)

// handleSPIFFS proxies `GET/POST/DELETE /api/spiffs/{op}` straight
// through to the device's own HTTP endpoints.
func (s *Server) handleSPIFFS(w http.ResponseWriter, r *http.Request) {
	op := r.PathValue("op")
	deviceIP := r.URL.Query().Get("device_ip")
	if deviceIP == "" {
		writeError(w, http.StatusBadRequest, "device_ip is required")
		return
	}

	query := r.URL.Query()
	query.Del("device_ip")

	ctx, cancel := requestContext(r)
	defer cancel()

	env, err := s.app.SPIFFS.Do(ctx, deviceIP, op, r.Method, query, r.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	if !env.OK && env.Status >= 400 {
		status = env.Status
	}
	w.WriteHeader(status)
	w.Write(env.Body)
}
