package handler

import (
	"net/http"

	natsclient "github.com/capitalize-ai/avatar-relay/internal/nats"
)

// SessionCounter reports the number of live visitor sessions.
type SessionCounter interface {
	Count() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	natsClient *natsclient.Client
	sessions   SessionCounter
}

// NewHealthHandler creates a new health handler. A nil NATS client means
// live updates are process-local.
func NewHealthHandler(natsClient *natsclient.Client, sessions SessionCounter) *HealthHandler {
	return &HealthHandler{
		natsClient: natsClient,
		sessions:   sessions,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	natsState := "disabled"
	if h.natsClient != nil {
		if !h.natsClient.IsConnected() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "NATS not connected",
			})
			return
		}
		natsState = "connected"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"nats":     natsState,
		"sessions": h.sessions.Count(),
	})
}
