package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweep ends every session idle for at least idle and returns their IDs.
func (r *Registry) Sweep(ctx context.Context, idle time.Duration) []string {
	if idle <= 0 {
		return nil
	}
	now := r.now()

	r.mu.RLock()
	candidates := make([]string, 0)
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity) >= idle {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	var expired []string
	for _, id := range candidates {
		if r.expireIfIdle(ctx, id, now, idle) {
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		r.logger.Info("idle sessions expired", zap.Int("count", len(expired)), zap.Duration("idle", idle))
	}
	return expired
}

// expireIfIdle re-checks activity under the visitor lock before ending.
func (r *Registry) expireIfIdle(ctx context.Context, visitorID string, now time.Time, idle time.Duration) bool {
	unlock := r.locks.Lock(visitorID)
	defer unlock()

	r.mu.RLock()
	s, ok := r.sessions[visitorID]
	stillIdle := ok && now.Sub(s.LastActivity) >= idle
	r.mu.RUnlock()
	if !stillIdle {
		return false
	}
	return r.endLocked(ctx, visitorID)
}

// RunSweeper sweeps on every tick until ctx is done. A non-positive idle or
// interval disables it.
func (r *Registry) RunSweeper(ctx context.Context, interval, idle time.Duration) error {
	if interval <= 0 || idle <= 0 {
		r.logger.Info("idle sweep disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx, idle)
		}
	}
}
