package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/avatar-relay/internal/model"
	"github.com/capitalize-ai/avatar-relay/pkg/metrics"
)

// Speak outcomes, also used as metric labels.
const (
	speakSent      = "sent"
	speakFailed    = "failed"
	speakNoAvatar  = "no_avatar"
	speakNotReady  = "not_ready"
	speakDropped   = "dropped"
	speakEmptyText = "empty"
)

// ProvisionAvatar creates an avatar streaming session for the visitor,
// replacing any existing one. A failed transport negotiation is not an
// error: the state is stored unready and the next speak retries.
func (r *Registry) ProvisionAvatar(ctx context.Context, visitorID, avatarID, voiceID string) (*model.AvatarSessionState, error) {
	unlock := r.locks.Lock(visitorID)
	defer unlock()

	r.mu.RLock()
	_, ok := r.sessions[visitorID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: visitor %s", ErrNotFound, visitorID)
	}

	if avatarID == "" {
		avatarID = r.defaultAvatarID
	}
	if voiceID == "" {
		voiceID = r.defaultVoiceID
	}
	log := r.logger.With(zap.String("visitor_id", visitorID), zap.String("avatar_id", avatarID))

	r.teardownAvatar(ctx, visitorID)

	if _, err := r.avatars.CreateToken(ctx); err != nil {
		return nil, fmt.Errorf("%w: create avatar token: %w", ErrUpstream, err)
	}

	sess, err := r.avatars.NewSession(ctx, avatarID, voiceID)
	if err != nil {
		return nil, fmt.Errorf("%w: create avatar session: %w", ErrUpstream, err)
	}
	if sess == nil || sess.SessionID == "" {
		return nil, fmt.Errorf("%w: avatar session response had no session id", ErrUpstream)
	}

	state := &model.AvatarSessionState{
		SessionID:        sess.SessionID,
		AccessToken:      sess.AccessToken,
		URL:              sess.URL,
		RealtimeEndpoint: sess.RealtimeEndpoint,
		AvatarID:         avatarID,
		VoiceID:          voiceID,
		StartedAt:        r.now(),
	}

	r.mu.Lock()
	r.avatarStates[visitorID] = state
	r.mu.Unlock()
	metrics.AvatarSessionsActive.Inc()

	r.negotiate(ctx, visitorID, state)

	log.Info("avatar session provisioned",
		zap.String("session_id", state.SessionID),
		zap.Bool("session_ready", state.SessionReady),
	)

	r.mu.RLock()
	defer r.mu.RUnlock()
	return state.Clone(), nil
}

// Speak sends text to the visitor's avatar. It never returns an error:
// every failure is logged and the message is dropped.
func (r *Registry) Speak(ctx context.Context, visitorID, text string) {
	unlock := r.locks.Lock(visitorID)
	defer unlock()
	r.speakLocked(ctx, visitorID, text)
}

func (r *Registry) speakLocked(ctx context.Context, visitorID, text string) string {
	outcome := r.speak(ctx, visitorID, text)
	metrics.RecordSpeak(outcome)
	return outcome
}

func (r *Registry) speak(ctx context.Context, visitorID, text string) string {
	log := r.logger.With(zap.String("visitor_id", visitorID))

	if text == "" {
		return speakEmptyText
	}

	r.mu.RLock()
	state, ok := r.avatarStates[visitorID]
	r.mu.RUnlock()
	if !ok {
		log.Debug("no avatar session, skipping speak")
		return speakNoAvatar
	}

	// state fields only change under this visitor's lock, which we hold.
	if !state.SessionReady {
		if state.WebRTCStarted || r.attemptsExhausted(state) {
			log.Warn("avatar transport not ready, dropping speech",
				zap.String("session_id", state.SessionID),
				zap.Bool("webrtc_started", state.WebRTCStarted),
				zap.Int("transport_attempts", state.TransportAttempts),
			)
			return speakDropped
		}
		if !r.negotiate(ctx, visitorID, state) {
			return speakNotReady
		}
	}

	ack, err := r.avatars.SendTask(ctx, state.SessionID, text)
	if err != nil {
		log.Warn("avatar speak failed", zap.String("session_id", state.SessionID), zap.Error(err))
		return speakFailed
	}
	if ack == nil {
		log.Warn("avatar speak returned no result", zap.String("session_id", state.SessionID))
		return speakFailed
	}
	if !ack.OK() {
		log.Warn("avatar speak rejected",
			zap.String("session_id", state.SessionID),
			zap.Int("code", ack.Code),
			zap.String("message", ack.Message),
		)
		return speakFailed
	}
	log.Debug("avatar speak sent", zap.String("session_id", state.SessionID), zap.String("task_id", ack.Data.TaskID))
	return speakSent
}

// attemptsExhausted reports whether an optional negotiation cap is reached.
// Without a cap every message retries while the transport is not started.
func (r *Registry) attemptsExhausted(state *model.AvatarSessionState) bool {
	return r.maxTransportAttempts > 0 && state.TransportAttempts >= r.maxTransportAttempts
}

// negotiate makes one transport start call and records its outcome.
func (r *Registry) negotiate(ctx context.Context, visitorID string, state *model.AvatarSessionState) bool {
	res, err := r.avatars.StartSession(ctx, state.SessionID)
	ok := err == nil && res != nil && res.OK()

	r.mu.Lock()
	state.TransportAttempts++
	if ok {
		state.MarkReady()
	}
	attempts := state.TransportAttempts
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("visitor_id", visitorID),
		zap.String("session_id", state.SessionID),
		zap.Int("transport_attempts", attempts),
	}
	switch {
	case err != nil:
		r.logger.Warn("avatar transport start failed", append(fields, zap.Error(err))...)
	case res == nil:
		r.logger.Warn("avatar transport start returned no result", fields...)
	case !ok:
		r.logger.Warn("avatar transport start rejected", append(fields, zap.Int("code", res.Code), zap.String("message", res.Message))...)
	default:
		r.logger.Info("avatar transport started", fields...)
	}
	return ok
}

// ScheduleGreeting speaks the greeting after the configured delay, but only
// if the avatar is ready by then.
func (r *Registry) ScheduleGreeting(visitorID, greeting string) {
	if greeting == "" {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		timer := time.NewTimer(r.greetingDelay)
		defer timer.Stop()
		select {
		case <-r.baseCtx.Done():
			return
		case <-timer.C:
		}

		unlock := r.locks.Lock(visitorID)
		defer unlock()

		r.mu.RLock()
		state, ok := r.avatarStates[visitorID]
		ready := ok && state.SessionReady
		r.mu.RUnlock()
		if !ready {
			r.logger.Debug("avatar not ready, greeting not spoken", zap.String("visitor_id", visitorID))
			return
		}
		r.speakLocked(r.baseCtx, visitorID, greeting)
	}()
}

// teardownAvatar stops the remote session, ignoring failures, and removes
// the local state. The caller holds the visitor lock.
func (r *Registry) teardownAvatar(ctx context.Context, visitorID string) bool {
	r.mu.RLock()
	state, ok := r.avatarStates[visitorID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := r.avatars.StopSession(context.WithoutCancel(ctx), state.SessionID); err != nil {
		r.logger.Warn("avatar stop failed, removing local state anyway",
			zap.String("visitor_id", visitorID),
			zap.String("session_id", state.SessionID),
			zap.Error(err),
		)
	}

	r.mu.Lock()
	delete(r.avatarStates, visitorID)
	r.mu.Unlock()
	metrics.AvatarSessionsActive.Dec()

	r.logger.Info("avatar session stopped",
		zap.String("visitor_id", visitorID),
		zap.String("session_id", state.SessionID),
	)
	return true
}
