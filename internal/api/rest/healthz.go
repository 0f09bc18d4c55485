package rest

import "net/http"

// Health handles GET /health. Redis is reported but never fails the check:
// the control plane serves without it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	redisStatus := "unavailable"
	if h.sessions != nil && h.sessions.Available(r.Context()) {
		redisStatus = "ok"
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"redis":  redisStatus,
	})
}
