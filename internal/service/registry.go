// Package service owns visitor sessions and keeps them correlated with the
// bot platform threads and avatar streaming sessions they belong to.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/avatar-relay/internal/heygen"
	"github.com/capitalize-ai/avatar-relay/internal/model"
	"github.com/capitalize-ai/avatar-relay/internal/textutil"
	"github.com/capitalize-ai/avatar-relay/internal/wotnot"
	"github.com/capitalize-ai/avatar-relay/pkg/logger"
	"github.com/capitalize-ai/avatar-relay/pkg/metrics"
)

const maxIDAttempts = 5

// ConversationGateway is the subset of the bot platform client the registry uses.
type ConversationGateway interface {
	StartConversation(ctx context.Context, visitorID string) (*wotnot.Conversation, error)
	SendVisitorMessage(ctx context.Context, threadID, text, visitorID string) (*wotnot.MessageAck, error)
}

// AvatarGateway is the subset of the avatar platform client the registry uses.
type AvatarGateway interface {
	CreateToken(ctx context.Context) (*heygen.Token, error)
	NewSession(ctx context.Context, avatarID, voiceID string) (*heygen.Session, error)
	StartSession(ctx context.Context, sessionID string) (*heygen.Result, error)
	SendTask(ctx context.Context, sessionID, text string) (*heygen.TaskAck, error)
	StopSession(ctx context.Context, sessionID string) error
	ListAvatars(ctx context.Context) ([]heygen.StreamingAvatar, error)
}

// Broadcaster pushes a processed bot message to one visitor's room.
type Broadcaster interface {
	Broadcast(ctx context.Context, visitorID string, msg model.MessageRecord)
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator overrides visitor ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) { r.now = fn }
}

// WithDefaultAvatar sets the avatar and voice used when a request names none.
func WithDefaultAvatar(avatarID, voiceID string) Option {
	return func(r *Registry) {
		r.defaultAvatarID = avatarID
		r.defaultVoiceID = voiceID
	}
}

// WithMaxTransportAttempts caps transport negotiation calls per avatar
// session. Zero or less means no cap.
func WithMaxTransportAttempts(n int) Option {
	return func(r *Registry) {
		if n < 0 {
			n = 0
		}
		r.maxTransportAttempts = n
	}
}

// WithGreetingDelay sets the pause before the greeting is spoken.
func WithGreetingDelay(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.greetingDelay = d
		}
	}
}

// Registry holds every live visitor session, the visitor/thread mapping in
// both directions and the avatar state per visitor.
//
// Mutations of one visitor's records happen under that visitor's lock; the
// maps themselves are guarded by mu. Locks are always taken visitor first.
type Registry struct {
	conversations ConversationGateway
	avatars       AvatarGateway
	broadcaster   Broadcaster
	logger        *logger.Logger

	newID                func() string
	now                  func() time.Time
	defaultAvatarID      string
	defaultVoiceID       string
	maxTransportAttempts int
	greetingDelay        time.Duration

	locks *keyedMutex

	mu           sync.RWMutex
	sessions     map[string]*model.VisitorSession
	threads      map[string]string
	avatarStates map[string]*model.AvatarSessionState
	reserved     map[string]struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRegistry creates a registry. broadcaster may be nil.
func NewRegistry(conversations ConversationGateway, avatars AvatarGateway, broadcaster Broadcaster, log *logger.Logger, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		conversations:        conversations,
		avatars:              avatars,
		broadcaster:          broadcaster,
		logger:               log.Named("registry"),
		newID:                func() string { return uuid.NewString() },
		now:                  time.Now,
		maxTransportAttempts: 0,
		greetingDelay:        time.Second,
		locks:                newKeyedMutex(),
		sessions:             make(map[string]*model.VisitorSession),
		threads:              make(map[string]string),
		avatarStates:         make(map[string]*model.AvatarSessionState),
		reserved:             make(map[string]struct{}),
		baseCtx:              ctx,
		cancel:               cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close cancels pending background work and waits for it to finish.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

// BeginSession opens a remote thread for a fresh visitor and records the
// mapping before returning. The returned greeting is empty when the
// platform sent no bot message.
func (r *Registry) BeginSession(ctx context.Context) (*model.VisitorSession, string, error) {
	visitorID, err := r.reserveID()
	if err != nil {
		return nil, "", err
	}
	defer r.release(visitorID)

	unlock := r.locks.Lock(visitorID)
	defer unlock()

	log := r.logger.With(zap.String("visitor_id", visitorID))

	// A stale avatar under a reused identifier must never outlive the new session.
	r.teardownAvatar(ctx, visitorID)

	conv, err := r.conversations.StartConversation(ctx, visitorID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: start conversation: %w", ErrUpstream, err)
	}
	threadID := conv.ThreadID()
	if threadID == "" {
		return nil, "", fmt.Errorf("%w: no thread id in conversation response", ErrUpstream)
	}

	now := r.now()
	session := &model.VisitorSession{
		VisitorID:    visitorID,
		ThreadID:     threadID,
		CreatedAt:    now,
		LastActivity: now,
		Messages:     []model.MessageRecord{},
	}

	var greeting string
	if raw, ok := conv.FirstBotMessage(); ok {
		greeting = textutil.StripMarkup(raw)
	}
	if greeting != "" {
		session.Messages = append(session.Messages, model.MessageRecord{
			Type:      model.MessageTypeBot,
			Message:   greeting,
			Timestamp: now,
			Source:    model.SourceGreeting,
		})
		metrics.MessagesTotal.WithLabelValues(string(model.MessageTypeBot), model.SourceGreeting).Inc()
	}

	r.mu.Lock()
	if prev, ok := r.threads[threadID]; ok && prev != visitorID {
		log.Warn("thread already mapped, remapping", zap.String("thread_id", threadID), zap.String("previous_visitor_id", prev))
	}
	r.sessions[visitorID] = session
	r.threads[threadID] = visitorID
	r.mu.Unlock()

	metrics.VisitorSessionsActive.Inc()
	log.Info("visitor session started",
		zap.String("thread_id", threadID),
		zap.String("greeting", greeting),
	)

	return session.Clone(), greeting, nil
}

// SendVisitorMessage logs a visitor message and forwards it to the thread.
// The bot reply arrives later through the webhook.
func (r *Registry) SendVisitorMessage(ctx context.Context, visitorID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if visitorID == "" || text == "" {
		return "", fmt.Errorf("%w: visitor_id and message are required", ErrValidation)
	}

	unlock := r.locks.Lock(visitorID)
	defer unlock()

	now := r.now()
	r.mu.Lock()
	session, ok := r.sessions[visitorID]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: visitor %s", ErrNotFound, visitorID)
	}
	session.Messages = append(session.Messages, model.MessageRecord{
		Type:      model.MessageTypeUser,
		Message:   text,
		Timestamp: now,
		Source:    model.SourceVisitor,
	})
	session.LastActivity = now
	threadID := session.ThreadID
	r.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues(string(model.MessageTypeUser), model.SourceVisitor).Inc()

	ack, err := r.conversations.SendVisitorMessage(ctx, threadID, text, visitorID)
	if err != nil {
		return "", fmt.Errorf("%w: send message: %w", ErrUpstream, err)
	}
	return ack.Identifier(), nil
}

// EndSession stops the avatar (remote errors ignored) and drops every local
// record of the visitor. It reports whether anything was removed.
func (r *Registry) EndSession(ctx context.Context, visitorID string) bool {
	if visitorID == "" {
		return false
	}
	unlock := r.locks.Lock(visitorID)
	defer unlock()
	return r.endLocked(ctx, visitorID)
}

func (r *Registry) endLocked(ctx context.Context, visitorID string) bool {
	hadAvatar := r.teardownAvatar(ctx, visitorID)

	r.mu.Lock()
	session, ok := r.sessions[visitorID]
	if ok {
		delete(r.sessions, visitorID)
		if r.threads[session.ThreadID] == visitorID {
			delete(r.threads, session.ThreadID)
		}
	}
	r.mu.Unlock()

	if ok {
		metrics.VisitorSessionsActive.Dec()
		r.logger.Info("visitor session ended",
			zap.String("visitor_id", visitorID),
			zap.String("thread_id", session.ThreadID),
		)
	}
	return ok || hadAvatar
}

// Session returns a copy of the visitor's session.
func (r *Registry) Session(visitorID string) (*model.VisitorSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[visitorID]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Avatar returns a copy of the visitor's avatar state.
func (r *Registry) Avatar(visitorID string) (*model.AvatarSessionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.avatarStates[visitorID]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// VisitorForThread resolves a thread key to its visitor.
func (r *Registry) VisitorForThread(threadKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.threads[strings.TrimSpace(threadKey)]
	return v, ok
}

// History returns the visitor's message log.
func (r *Registry) History(visitorID string) ([]model.MessageRecord, error) {
	s, ok := r.Session(visitorID)
	if !ok {
		return nil, fmt.Errorf("%w: visitor %s", ErrNotFound, visitorID)
	}
	return s.Messages, nil
}

// List summarizes live sessions, oldest first.
func (r *Registry) List() []model.SessionSummary {
	r.mu.RLock()
	out := make([]model.SessionSummary, 0, len(r.sessions))
	for id, s := range r.sessions {
		summary := model.SessionSummary{
			VisitorID:    id,
			ThreadID:     s.ThreadID,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
			MessageCount: len(s.Messages),
		}
		if a, ok := r.avatarStates[id]; ok {
			summary.AvatarSession = a.SessionID
			summary.AvatarReady = a.SessionReady
		}
		out = append(out, summary)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].VisitorID < out[j].VisitorID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ListAvatars proxies the avatar platform listing.
func (r *Registry) ListAvatars(ctx context.Context) ([]heygen.StreamingAvatar, error) {
	avatars, err := r.avatars.ListAvatars(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list avatars: %w", ErrUpstream, err)
	}
	return avatars, nil
}

// reserveID picks an alphanumeric identifier not held by any live or
// starting session.
func (r *Registry) reserveID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < maxIDAttempts; i++ {
		id := textutil.Alphanumeric(r.newID())
		if id == "" {
			continue
		}
		if _, ok := r.sessions[id]; ok {
			continue
		}
		if _, ok := r.reserved[id]; ok {
			continue
		}
		r.reserved[id] = struct{}{}
		return id, nil
	}
	return "", errors.New("could not allocate a unique visitor id")
}

func (r *Registry) release(visitorID string) {
	r.mu.Lock()
	delete(r.reserved, visitorID)
	r.mu.Unlock()
}

func (r *Registry) appendLocked(visitorID string, rec model.MessageRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[visitorID]
	if !ok {
		return false
	}
	s.Messages = append(s.Messages, rec)
	s.LastActivity = rec.Timestamp
	return true
}
