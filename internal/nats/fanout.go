package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/avatar-relay/internal/model"
	"github.com/capitalize-ai/avatar-relay/pkg/logger"
	"github.com/capitalize-ai/avatar-relay/pkg/metrics"
)

const (
	// SubjectPrefix is the prefix for all live update subjects.
	SubjectPrefix = "relay.visitor"

	subjectSuffix = "message"
)

// Subject returns the subject live updates for a visitor are published on.
func Subject(visitorID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, visitorID, subjectSuffix)
}

// AllVisitorsSubject matches every visitor's live updates.
func AllVisitorsSubject() string {
	return Subject("*")
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Deliverer writes an update to locally connected browsers.
type Deliverer interface {
	Deliver(update model.LiveUpdate) int
}

type envelope struct {
	Origin      string           `json:"origin"`
	PublishedAt time.Time        `json:"published_at"`
	Update      model.LiveUpdate `json:"update"`
}

// Fanout publishes live updates to NATS and delivers every update received
// from NATS, including this replica's own, to the local hub.
type Fanout struct {
	publisher Publisher
	local     Deliverer
	origin    string
	logger    *logger.Logger
}

// NewFanout creates a fanout publishing through pub.
func NewFanout(pub Publisher, local Deliverer, log *logger.Logger) *Fanout {
	return &Fanout{
		publisher: pub,
		local:     local,
		origin:    uuid.NewString(),
		logger:    log.Named("fanout"),
	}
}

// Broadcast publishes msg for visitorID. When publishing is impossible the
// update is delivered locally so browsers on this replica still get it.
func (f *Fanout) Broadcast(_ context.Context, visitorID string, msg model.MessageRecord) {
	update := model.LiveUpdate{VisitorID: visitorID, Message: msg}

	if !validToken(visitorID) {
		f.logger.Warn("visitor id not usable as subject token, delivering locally", zap.String("visitor_id", visitorID))
		f.local.Deliver(update)
		return
	}

	data, err := json.Marshal(envelope{Origin: f.origin, PublishedAt: time.Now().UTC(), Update: update})
	if err != nil {
		f.logger.Error("encode live update failed", zap.Error(err))
		f.local.Deliver(update)
		return
	}

	if err := f.publisher.Publish(Subject(visitorID), data); err != nil {
		metrics.BroadcastsTotal.WithLabelValues("publish_failed").Inc()
		f.logger.Warn("publish live update failed, delivering locally",
			zap.String("visitor_id", visitorID),
			zap.Error(err),
		)
		f.local.Deliver(update)
		return
	}
	metrics.BroadcastsTotal.WithLabelValues("published").Inc()
}

// Run subscribes to every visitor's subject and delivers until ctx is done.
func (f *Fanout) Run(ctx context.Context, conn *nats.Conn) error {
	sub, err := conn.Subscribe(AllVisitorsSubject(), func(m *nats.Msg) {
		f.handle(m.Subject, m.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to live updates: %w", err)
	}
	f.logger.Info("subscribed to live updates", zap.String("subject", sub.Subject))

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && conn.IsConnected() {
		f.logger.Warn("unsubscribe failed", zap.Error(err))
	}
	return nil
}

func (f *Fanout) handle(subject string, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Warn("dropping malformed live update", zap.String("subject", subject), zap.Error(err))
		return
	}
	if env.Update.VisitorID == "" || Subject(env.Update.VisitorID) != subject {
		f.logger.Warn("live update does not match subject", zap.String("subject", subject), zap.String("visitor_id", env.Update.VisitorID))
		return
	}
	n := f.local.Deliver(env.Update)
	f.logger.Debug("live update received",
		zap.String("visitor_id", env.Update.VisitorID),
		zap.Bool("own", env.Origin == f.origin),
		zap.Int("delivered", n),
	)
}

func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}
