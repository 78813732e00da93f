// Package webhook validates and classifies bot platform notifications and
// routes message events to the session registry.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/avatar-relay/internal/model"
	"github.com/capitalize-ai/avatar-relay/internal/service"
	"github.com/capitalize-ai/avatar-relay/pkg/logger"
	"github.com/capitalize-ai/avatar-relay/pkg/metrics"
)

// Event outcomes, also used as metric labels.
const (
	OutcomeRelayed = "relayed"
	OutcomeIgnored = "ignored"
	OutcomeDropped = "dropped"
	OutcomeInvalid = "invalid"
	OutcomeFailed  = "failed"
)

// Relay receives bot messages correlated by thread.
type Relay interface {
	RelayInboundBotMessage(ctx context.Context, threadKey string, msg model.InboundMessage) error
}

// Result describes what a dispatch did.
type Result struct {
	// Handshake is set for a verification request; Token is echoed back.
	Handshake bool
	Token     string
	Relayed   int
	Ignored   int
	Dropped   int
}

// Dispatcher is stateless apart from the shared secret.
type Dispatcher struct {
	token  string
	relay  Relay
	logger *logger.Logger
}

// NewDispatcher creates a dispatcher. An empty token rejects every request.
func NewDispatcher(token string, relay Relay, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		token:  token,
		relay:  relay,
		logger: log.Named("webhook"),
	}
}

// Dispatch verifies the envelope and processes its events. authHeader is
// the raw Authorization header, consulted when the body has no token.
// A mismatch returns service.ErrUnauthorized before anything else happens.
func (d *Dispatcher) Dispatch(ctx context.Context, env *model.WebhookEnvelope, authHeader string) (*Result, error) {
	if env == nil {
		env = &model.WebhookEnvelope{}
	}
	if !d.authorized(env, authHeader) {
		d.logger.Warn("webhook token rejected")
		return nil, fmt.Errorf("%w: invalid webhook token", service.ErrUnauthorized)
	}

	if env.Token != nil && len(env.Events) == 0 {
		d.logger.Info("webhook verification request received")
		return &Result{Handshake: true, Token: *env.Token}, nil
	}

	res := &Result{}
	for i := range env.Events {
		switch outcome := d.handle(ctx, &env.Events[i]); outcome {
		case OutcomeRelayed:
			res.Relayed++
		case OutcomeIgnored:
			res.Ignored++
		default:
			res.Dropped++
		}
	}
	return res, nil
}

func (d *Dispatcher) authorized(env *model.WebhookEnvelope, authHeader string) bool {
	if d.token == "" {
		return false
	}
	presented := ""
	if env.Token != nil {
		presented = *env.Token
	}
	if presented == "" {
		presented = authHeader
	}
	presented = strings.TrimSpace(presented)
	if len(presented) > len("bearer ") && strings.EqualFold(presented[:len("bearer ")], "bearer ") {
		presented = strings.TrimSpace(presented[len("bearer "):])
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(d.token)) == 1
}

func (d *Dispatcher) handle(ctx context.Context, ev *model.WebhookEvent) string {
	eventType := ev.Event.Type
	threadKey := ev.Conversation.Key.String()
	log := d.logger.With(zap.String("event_type", eventType), zap.String("thread_id", threadKey))

	var outcome string
	switch eventType {
	case model.EventTypeMessage:
		outcome = d.handleMessage(ctx, ev, log)
	case model.EventTypeConversationCreate:
		log.Info("conversation created", zap.String("visitor_key", ev.Visitor.Key.String()))
		outcome = OutcomeIgnored
	default:
		log.Debug("ignoring unhandled event type")
		outcome = OutcomeIgnored
	}
	metrics.RecordWebhookEvent(eventType, outcome)
	return outcome
}

func (d *Dispatcher) handleMessage(ctx context.Context, ev *model.WebhookEvent, log *logger.Logger) string {
	msg, err := decodeMessage(ev)
	if err != nil {
		log.Warn("invalid message event", zap.Error(err))
		return OutcomeInvalid
	}

	err = d.relay.RelayInboundBotMessage(ctx, ev.Conversation.Key.String(), msg)
	switch {
	case err == nil:
		if msg.Sender == model.SenderBot {
			return OutcomeRelayed
		}
		return OutcomeIgnored
	case errors.Is(err, service.ErrNotFound):
		return OutcomeDropped
	default:
		log.Error("relaying message failed", zap.Error(err))
		return OutcomeFailed
	}
}

// decodeMessage validates a message event against the schema for its
// message type.
func decodeMessage(ev *model.WebhookEvent) (model.InboundMessage, error) {
	if ev.Conversation.Key == "" {
		return model.InboundMessage{}, errors.New("missing conversation key")
	}
	p := ev.Event.Payload
	msg := model.InboundMessage{
		Kind:   strings.ToLower(strings.TrimSpace(p.Message.Type)),
		Sender: strings.ToLower(strings.TrimSpace(p.MessageBy.Type)),
		Metadata: map[string]string{
			"conversation_key": ev.Conversation.Key.String(),
		},
	}
	if v := ev.Visitor.Key.String(); v != "" {
		msg.Metadata["visitor_key"] = v
	}

	switch msg.Kind {
	case model.MessageKindText:
		msg.Text = p.Message.Text
	case model.MessageKindButton:
		if len(p.Message.Payload) == 0 {
			return msg, errors.New("button message without payload")
		}
		var bp model.ButtonPayload
		if err := json.Unmarshal(p.Message.Payload, &bp); err != nil {
			return msg, fmt.Errorf("decode button payload: %w", err)
		}
		msg.Title = bp.Title
		msg.Buttons = bp.Buttons
	}
	return msg, nil
}
