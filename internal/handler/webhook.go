package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/avatar-relay/internal/middleware"
	"github.com/capitalize-ai/avatar-relay/internal/model"
	"github.com/capitalize-ai/avatar-relay/internal/service"
	"github.com/capitalize-ai/avatar-relay/internal/webhook"
	"github.com/capitalize-ai/avatar-relay/pkg/logger"
)

// EventDispatcher processes a decoded webhook envelope.
type EventDispatcher interface {
	Dispatch(ctx context.Context, env *model.WebhookEnvelope, authHeader string) (*webhook.Result, error)
}

// WebhookHandler handles inbound bot platform events.
type WebhookHandler struct {
	dispatcher EventDispatcher
	logger     *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(d EventDispatcher, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		dispatcher: d,
		logger:     log.Named("webhook"),
	}
}

// Receive handles POST /webhook/wotnot
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, "read webhook body failed", err)
		return
	}

	var env model.WebhookEnvelope
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			h.fail(w, r, "decode webhook body failed", err)
			return
		}
	}

	res, err := h.dispatcher.Dispatch(ctx, &env, r.Header.Get("Authorization"))
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	case err != nil:
		h.fail(w, r, "webhook processing failed", err)
		return
	}

	if res.Handshake {
		writeJSON(w, http.StatusOK, map[string]string{"token": res.Token})
		return
	}

	h.logger.Debug("webhook processed",
		zap.Int("relayed", res.Relayed),
		zap.Int("ignored", res.Ignored),
		zap.Int("dropped", res.Dropped),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// fail answers 500 for anything that goes wrong while processing, including
// a body that is not JSON.
func (h *WebhookHandler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		zap.Error(err),
	)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
