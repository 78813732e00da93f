// Package wotnot is the outbound gateway to the bot platform.
package wotnot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/avatar-relay/internal/model"
	"github.com/capitalize-ai/avatar-relay/internal/textutil"
	"github.com/capitalize-ai/avatar-relay/pkg/logger"
	"github.com/capitalize-ai/avatar-relay/pkg/metrics"
	"github.com/capitalize-ai/avatar-relay/pkg/tracing"
)

const (
	platform         = "wotnot"
	defaultGreeting  = "Hello"
	fromTypeBot      = "BOT"
	fromTypeVisitor  = "VISITOR"
	maxResponseBytes = 1 << 20
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wotnot: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// SystemVariables are reported to the bot platform when a conversation starts.
type SystemVariables struct {
	Timezone        string `json:"timezone"`
	ReferrerURL     string `json:"referrerUrl"`
	BrowserLanguage string `json:"browserLanguage"`
}

// Config holds client settings.
type Config struct {
	BaseURL    string
	APIKey     string
	BotKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	System     SystemVariables
}

// Client calls the bot platform REST API. Each call is a single attempt.
type Client struct {
	baseURL    string
	apiKey     string
	publishKey string
	system     SystemVariables
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a bot platform client.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("wotnot: base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("wotnot: API key is required")
	}
	publishKey := textutil.Alphanumeric(cfg.BotKey)
	if publishKey == "" {
		return nil, errors.New("wotnot: bot key is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	system := cfg.System
	if system == (SystemVariables{}) {
		system = SystemVariables{
			Timezone:        "Asia/Calcutta",
			ReferrerURL:     "https://wotnot.io",
			BrowserLanguage: "en-GB",
		}
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		publishKey: publishKey,
		system:     system,
		httpClient: httpClient,
		logger:     log.Named(platform),
	}, nil
}

type messageData struct {
	Body string `json:"body"`
}

type outboundMessage struct {
	Data messageData `json:"data"`
	Type string      `json:"type"`
}

type variables struct {
	System SystemVariables `json:"system"`
}

type sender struct {
	UserExternalID string `json:"user_external_id,omitempty"`
	Type           string `json:"type"`
}

type startConversationRequest struct {
	Channel    string          `json:"channel"`
	Message    outboundMessage `json:"message"`
	Variables  variables       `json:"variables"`
	PublishKey string          `json:"publish_key"`
	From       sender          `json:"from"`
}

type sendMessageRequest struct {
	Message outboundMessage `json:"message"`
	User    sender          `json:"user"`
}

// Conversation is the response of a conversation start.
type Conversation struct {
	Conversation struct {
		ID model.FlexID `json:"id"`
	} `json:"conversation"`
	Messages []ConversationMessage `json:"messages"`
}

// ConversationMessage is one message returned alongside a new conversation.
type ConversationMessage struct {
	From struct {
		Type string `json:"type"`
	} `json:"from"`
	Data messageData `json:"data"`
}

// ThreadID returns the remote thread identifier, empty when absent.
func (c *Conversation) ThreadID() string {
	if c == nil {
		return ""
	}
	return c.Conversation.ID.String()
}

// FirstBotMessage returns the raw body of the first bot-authored message.
func (c *Conversation) FirstBotMessage() (string, bool) {
	if c == nil {
		return "", false
	}
	for _, m := range c.Messages {
		if strings.EqualFold(m.From.Type, fromTypeBot) {
			return m.Data.Body, true
		}
	}
	return "", false
}

// MessageAck is the response of a message send.
type MessageAck struct {
	ID        model.FlexID `json:"id"`
	MessageID model.FlexID `json:"message_id"`
}

// Identifier returns whichever message id the platform reported.
func (a *MessageAck) Identifier() string {
	if a == nil {
		return ""
	}
	if a.ID != "" {
		return a.ID.String()
	}
	return a.MessageID.String()
}

// StartConversation opens a remote thread for the visitor.
func (c *Client) StartConversation(ctx context.Context, visitorID string) (*Conversation, error) {
	req := startConversationRequest{
		Channel:    "API",
		Message:    outboundMessage{Data: messageData{Body: defaultGreeting}, Type: model.MessageKindText},
		Variables:  variables{System: c.system},
		PublishKey: c.publishKey,
		From:       sender{UserExternalID: textutil.Alphanumeric(visitorID), Type: fromTypeVisitor},
	}

	var out Conversation
	if err := c.post(ctx, "start_conversation", c.baseURL+"/conversations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendVisitorMessage forwards a visitor message to an existing thread.
func (c *Client) SendVisitorMessage(ctx context.Context, threadID, text, visitorID string) (*MessageAck, error) {
	req := sendMessageRequest{
		Message: outboundMessage{Data: messageData{Body: text}, Type: model.MessageKindText},
		User:    sender{Type: fromTypeVisitor},
	}

	var out MessageAck
	url := fmt.Sprintf("%s/conversation/%s/messages", c.baseURL, threadID)
	if err := c.post(ctx, "send_message", url, req, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("visitor message forwarded",
		zap.String("thread_id", threadID),
		zap.String("visitor_id", visitorID),
		zap.String("message_id", out.Identifier()),
	)
	return &out, nil
}

func (c *Client) post(ctx context.Context, op, url string, body, out any) (err error) {
	ctx, span := tracing.StartSpan(ctx, platform, platform+"."+op, attribute.String("http.url", url))
	start := time.Now()
	status := "error"
	defer func() {
		metrics.RecordUpstream(platform, op, status, time.Since(start).Seconds())
		tracing.EndSpan(span, err)
		if err != nil {
			c.logger.Debug("bot platform call failed", zap.String("operation", op), zap.Error(err))
		}
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("wotnot: marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("wotnot: create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wotnot: %s request failed: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	status = http.StatusText(resp.StatusCode)
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("wotnot: read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, URL: url, Body: truncate(string(raw), 512)}
	}

	c.logger.Debug("bot platform call succeeded", zap.String("operation", op), zap.Int("status", resp.StatusCode))

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("wotnot: decode %s response: %w", op, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
