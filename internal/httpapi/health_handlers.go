package httpapi

import "net/http"

// handleDeviceHealth serves `GET /api/device-health?port?`. With no
// port, the fleet-wide aggregate additionally reports the count of
// ports in each monitor session state, so an orchestrating agent gets
// full fleet status in one round-trip.
func (s *Server) handleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	if port := r.URL.Query().Get("port"); port != "" {
		writeJSON(w, http.StatusOK, map[string]any{"report": s.app.Health.Report(port)})
		return
	}

	sessions := s.app.Monitors.ListSessions()
	byState := map[string]int{}
	for _, sess := range sessions {
		byState[string(sess.State)]++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"summary": s.app.Health.Summary(),
		"reports": s.app.Health.AllReports(),
		"sessionsByState": byState,
	})
}
