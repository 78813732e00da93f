package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/avatar-relay/internal/model"
	"github.com/capitalize-ai/avatar-relay/internal/textutil"
	"github.com/capitalize-ai/avatar-relay/pkg/metrics"
)

// RelayInboundBotMessage correlates a bot message from the webhook with its
// visitor, logs it, speaks it and pushes it to the visitor's room.
// Visitor-authored and blank messages are ignored. An unknown thread
// returns ErrNotFound and is otherwise dropped.
func (r *Registry) RelayInboundBotMessage(ctx context.Context, threadKey string, msg model.InboundMessage) error {
	threadKey = strings.TrimSpace(threadKey)
	log := r.logger.With(zap.String("thread_id", threadKey), zap.String("message_kind", msg.Kind))
	for k, v := range msg.Metadata {
		log = log.With(zap.String(k, v))
	}

	visitorID, ok := r.VisitorForThread(threadKey)
	if !ok {
		log.Warn("no visitor for thread, dropping message")
		return fmt.Errorf("%w: thread %s", ErrNotFound, threadKey)
	}
	log = log.With(zap.String("visitor_id", visitorID))

	switch strings.ToLower(msg.Sender) {
	case model.SenderBot:
	case model.SenderVisitor:
		log.Debug("ignoring visitor-authored message")
		return nil
	default:
		log.Debug("ignoring message from unhandled sender", zap.String("sender", msg.Sender))
		return nil
	}

	rec, speech, ok := buildRecord(msg)
	if !ok {
		log.Info("bot message empty after cleaning, dropping")
		return nil
	}
	rec.Timestamp = r.now()

	unlock := r.locks.Lock(visitorID)
	defer unlock()

	// The session may have ended while we waited for the lock.
	if current, ok := r.VisitorForThread(threadKey); !ok || current != visitorID || !r.appendLocked(visitorID, rec) {
		log.Warn("visitor session ended before message could be relayed")
		return fmt.Errorf("%w: visitor %s", ErrNotFound, visitorID)
	}
	metrics.MessagesTotal.WithLabelValues(string(rec.Type), rec.Source).Inc()

	r.speakLocked(ctx, visitorID, speech)

	if r.broadcaster != nil {
		r.broadcaster.Broadcast(ctx, visitorID, rec.Clone())
	}
	log.Debug("bot message relayed")
	return nil
}

// buildRecord turns a bot message into a log record and the text to speak.
func buildRecord(msg model.InboundMessage) (model.MessageRecord, string, bool) {
	switch msg.Kind {
	case model.MessageKindText:
		text := textutil.StripMarkup(msg.Text)
		if text == "" {
			return model.MessageRecord{}, "", false
		}
		return model.MessageRecord{
			Type:    model.MessageTypeBot,
			Message: text,
			Source:  model.SourceWebhook,
		}, text, true

	case model.MessageKindButton:
		title := textutil.StripMarkup(msg.Title)
		if title == "" {
			return model.MessageRecord{}, "", false
		}
		buttons := make([]model.Button, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			label := textutil.StripMarkup(b.Title)
			if label == "" {
				continue
			}
			buttons = append(buttons, model.Button{Title: label, Type: strings.TrimSpace(b.Type)})
		}
		return model.MessageRecord{
			Type:    model.MessageTypeBot,
			Message: title,
			Source:  model.SourceWebhook,
			Buttons: buttons,
		}, title, true
	}
	return model.MessageRecord{}, "", false
}
