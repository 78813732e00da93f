package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/avatar-relay/internal/middleware"
	"github.com/capitalize-ai/avatar-relay/internal/model"
	"github.com/capitalize-ai/avatar-relay/pkg/logger"
)

// AdminService is the operator view of the session registry.
type AdminService interface {
	List() []model.SessionSummary
	EndSession(ctx context.Context, visitorID string) bool
	Sweep(ctx context.Context, idle time.Duration) []string
}

// AdminHandler handles the operator endpoints.
type AdminHandler struct {
	service     AdminService
	idleTimeout time.Duration
	logger      *logger.Logger
}

// NewAdminHandler creates a new admin handler. idleTimeout is the default
// threshold for a manual sweep.
func NewAdminHandler(svc AdminService, idleTimeout time.Duration, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		service:     svc,
		idleTimeout: idleTimeout,
		logger:      log.Named("admin"),
	}
}

// ListSessions handles GET /api/v1/admin/sessions
func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.service.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// EndSession handles DELETE /api/v1/admin/sessions/{visitorID}
func (h *AdminHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	visitorID := chi.URLParam(r, "visitorID")
	if err := middleware.ValidateVisitorID(visitorID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.service.EndSession(r.Context(), visitorID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	h.logger.Info("session ended by operator",
		zap.String("visitor_id", visitorID),
		zap.String("subject", middleware.GetSubject(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Sweep handles POST /api/v1/admin/sweep. An ?idle= duration overrides
// the configured threshold.
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	idle := h.idleTimeout
	if raw := r.URL.Query().Get("idle"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid idle duration")
			return
		}
		idle = parsed
	}
	if idle <= 0 {
		writeError(w, http.StatusBadRequest, "idle duration must be positive")
		return
	}

	expired := h.service.Sweep(r.Context(), idle)
	if expired == nil {
		expired = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"expired": expired,
		"count":   len(expired),
	})
}
