// Package model defines data structures for the avatar relay.
package model

import (
	"time"
)

// VisitorSession is one browser chat session and its message log.
type VisitorSession struct {
	VisitorID    string          `json:"visitor_id"`
	ThreadID     string          `json:"thread_id"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
	Messages     []MessageRecord `json:"messages"`
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (s *VisitorSession) Clone() *VisitorSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]MessageRecord, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// SessionSummary is the admin view of a live session.
type SessionSummary struct {
	VisitorID     string    `json:"visitor_id"`
	ThreadID      string    `json:"thread_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	MessageCount  int       `json:"message_count"`
	AvatarSession string    `json:"avatar_session_id,omitempty"`
	AvatarReady   bool      `json:"avatar_ready"`
}

// AvatarSessionState tracks one avatar streaming session bound to a visitor.
// SessionReady implies WebRTCStarted.
type AvatarSessionState struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	URL              string    `json:"url"`
	RealtimeEndpoint string    `json:"realtime_endpoint"`
	AvatarID         string    `json:"avatar_id"`
	VoiceID          string    `json:"voice_id"`
	WebRTCStarted    bool      `json:"webrtc_started"`
	SessionReady     bool      `json:"session_ready"`
	// TransportAttempts counts transport negotiation calls made for this
	// session, including the one made while provisioning.
	TransportAttempts int       `json:"transport_attempts"`
	StartedAt         time.Time `json:"started_at"`
}

// MarkReady records a successful transport negotiation.
func (a *AvatarSessionState) MarkReady() {
	a.WebRTCStarted = true
	a.SessionReady = true
}

// Clone returns a copy of the state.
func (a *AvatarSessionState) Clone() *AvatarSessionState {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}
