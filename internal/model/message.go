package model

import (
	"time"
)

// MessageType is the author side of a logged message.
type MessageType string

const (
	MessageTypeBot  MessageType = "bot"
	MessageTypeUser MessageType = "user"
)

// Message sources.
const (
	SourceGreeting = "greeting"
	SourceWebhook  = "webhook"
	SourceVisitor  = "visitor"
)

// Button is one choice of a bot button message.
type Button struct {
	Title string `json:"title"`
	Type  string `json:"type"`
}

// MessageRecord is one entry of a visitor's message log.
type MessageRecord struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
	Buttons   []Button    `json:"buttons,omitempty"`
	Source    string      `json:"source,omitempty"`
}

// Clone returns a copy that does not share the Buttons slice.
func (m MessageRecord) Clone() MessageRecord {
	if m.Buttons != nil {
		m.Buttons = append([]Button(nil), m.Buttons...)
	}
	return m
}

// StartChatRequest optionally overrides the avatar and voice.
type StartChatRequest struct {
	AvatarID string `json:"avatar_id,omitempty"`
	VoiceID  string `json:"voice_id,omitempty"`
}

// AvatarInfo is the browser-facing part of an avatar session.
type AvatarInfo struct {
	SessionID        string `json:"session_id"`
	AccessToken      string `json:"access_token"`
	URL              string `json:"url"`
	RealtimeEndpoint string `json:"realtime_endpoint"`
	AvatarID         string `json:"avatar_id"`
	VoiceID          string `json:"voice_id"`
	SessionReady     bool   `json:"session_ready"`
}

// NewAvatarInfo projects an avatar state for the browser.
func NewAvatarInfo(a *AvatarSessionState) *AvatarInfo {
	if a == nil {
		return nil
	}
	return &AvatarInfo{
		SessionID:        a.SessionID,
		AccessToken:      a.AccessToken,
		URL:              a.URL,
		RealtimeEndpoint: a.RealtimeEndpoint,
		AvatarID:         a.AvatarID,
		VoiceID:          a.VoiceID,
		SessionReady:     a.SessionReady,
	}
}

// StartChatResponse is returned by the start endpoint.
type StartChatResponse struct {
	Success        bool        `json:"success"`
	VisitorID      string      `json:"visitor_id"`
	ThreadID       string      `json:"thread_id"`
	InitialMessage *string     `json:"initial_message"`
	Avatar         *AvatarInfo `json:"avatar"`
}

// SendMessageRequest is the visitor message payload.
type SendMessageRequest struct {
	VisitorID string `json:"visitor_id"`
	Message   string `json:"message"`
}

// SendMessageResponse acknowledges a forwarded visitor message.
type SendMessageResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"message_id,omitempty"`
}

// StopChatRequest identifies the session to stop.
type StopChatRequest struct {
	VisitorID string `json:"visitor_id"`
}

// HistoryResponse lists a visitor's message log.
type HistoryResponse struct {
	VisitorID string          `json:"visitor_id"`
	Messages  []MessageRecord `json:"messages"`
}

// LiveUpdate is the payload pushed to a visitor room.
type LiveUpdate struct {
	VisitorID string        `json:"visitor_id"`
	Message   MessageRecord `json:"message"`
}
