package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/avatar-relay/internal/heygen"
	"github.com/capitalize-ai/avatar-relay/internal/middleware"
	"github.com/capitalize-ai/avatar-relay/internal/model"
	"github.com/capitalize-ai/avatar-relay/pkg/logger"
)

// ChatService is the part of the session registry the browser API uses.
type ChatService interface {
	BeginSession(ctx context.Context) (*model.VisitorSession, string, error)
	ProvisionAvatar(ctx context.Context, visitorID, avatarID, voiceID string) (*model.AvatarSessionState, error)
	ScheduleGreeting(visitorID, greeting string)
	SendVisitorMessage(ctx context.Context, visitorID, text string) (string, error)
	EndSession(ctx context.Context, visitorID string) bool
	History(visitorID string) ([]model.MessageRecord, error)
	ListAvatars(ctx context.Context) ([]heygen.StreamingAvatar, error)
}

// ChatHandler handles the browser chat endpoints.
type ChatHandler struct {
	service ChatService
	logger  *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(svc ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		service: svc,
		logger:  log.Named("chat"),
	}
}

// Start handles POST /api/start-chat
func (h *ChatHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.logger.WithContext(middleware.GetCorrelationID(ctx), "")

	var req model.StartChatRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	req.AvatarID = strings.TrimSpace(req.AvatarID)
	req.VoiceID = strings.TrimSpace(req.VoiceID)
	for _, id := range []string{req.AvatarID, req.VoiceID} {
		if err := middleware.ValidateAvatarOverride(id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	session, greeting, err := h.service.BeginSession(ctx)
	if err != nil {
		log.Error("failed to start conversation", zap.Error(err))
		writeError(w, statusFor(err), "failed to start conversation")
		return
	}
	log = log.With(zap.String("visitor_id", session.VisitorID))

	avatar, err := h.service.ProvisionAvatar(ctx, session.VisitorID, req.AvatarID, req.VoiceID)
	if err != nil {
		log.Error("failed to provision avatar", zap.Error(err))
		h.service.EndSession(context.WithoutCancel(ctx), session.VisitorID)
		writeError(w, http.StatusInternalServerError, "failed to start avatar session")
		return
	}

	if greeting != "" && avatar.SessionReady {
		h.service.ScheduleGreeting(session.VisitorID, greeting)
	}

	resp := &model.StartChatResponse{
		Success:   true,
		VisitorID: session.VisitorID,
		ThreadID:  session.ThreadID,
		Avatar:    model.NewAvatarInfo(avatar),
	}
	if greeting != "" {
		resp.InitialMessage = &greeting
	}

	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/send-message
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.SendMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.VisitorID = strings.TrimSpace(req.VisitorID)
	req.Message = strings.TrimSpace(req.Message)
	if req.VisitorID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "visitor_id and message are required")
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	messageID, err := h.service.SendVisitorMessage(ctx, req.VisitorID, req.Message)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound {
			writeError(w, status, "session not found")
			return
		}
		h.logger.WithContext(middleware.GetCorrelationID(ctx), req.VisitorID).
			Error("failed to send message", zap.Error(err))
		writeError(w, status, "failed to send message")
		return
	}

	writeJSON(w, http.StatusOK, &model.SendMessageResponse{
		Success:   true,
		Message:   "Message sent successfully",
		MessageID: messageID,
	})
}

// Stop handles POST /api/stop-chat. The body may be JSON, JSON sent as
// text/plain by navigator.sendBeacon, or a url-encoded form.
func (h *ChatHandler) Stop(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	visitorID := stopVisitorID(r.Header.Get("Content-Type"), body)
	if visitorID == "" {
		writeError(w, http.StatusBadRequest, "visitor_id is required")
		return
	}

	ended := h.service.EndSession(context.WithoutCancel(r.Context()), visitorID)
	h.logger.Debug("stop requested", zap.String("visitor_id", visitorID), zap.Bool("ended", ended))

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func stopVisitorID(contentType string, body []byte) string {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "application/x-www-form-urlencoded" {
		var req model.StopChatRequest
		if err := json.Unmarshal(body, &req); err == nil {
			return strings.TrimSpace(req.VisitorID)
		}
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(values.Get("visitor_id"))
}

// History handles GET /api/sessions/{visitorID}/messages
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	visitorID := chi.URLParam(r, "visitorID")
	if err := middleware.ValidateVisitorID(visitorID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := h.service.History(visitorID)
	if err != nil {
		writeError(w, statusFor(err), "session not found")
		return
	}

	writeJSON(w, http.StatusOK, &model.HistoryResponse{
		VisitorID: visitorID,
		Messages:  messages,
	})
}

// Avatars handles GET /api/avatars
func (h *ChatHandler) Avatars(w http.ResponseWriter, r *http.Request) {
	avatars, err := h.service.ListAvatars(r.Context())
	if err != nil {
		h.logger.Error("failed to list avatars", zap.Error(err))
		writeError(w, statusFor(err), "failed to list avatars")
		return
	}
	if avatars == nil {
		avatars = []heygen.StreamingAvatar{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"avatars": avatars,
	})
}
