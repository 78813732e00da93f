// Package heygen is the outbound gateway to the streaming avatar platform.
package heygen

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

	"github.com/capitalize-ai/avatar-relay/pkg/logger"
	"github.com/capitalize-ai/avatar-relay/pkg/metrics"
	"github.com/capitalize-ai/avatar-relay/pkg/tracing"
)

const (
	platform         = "heygen"
	maxResponseBytes = 1 << 20

	// CodeSuccess is the application-level success code the platform
	// reports in the body of a 2xx response.
	CodeSuccess = 100

	// Task defaults: the avatar repeats the text verbatim and the call
	// returns once the utterance is queued.
	TaskModeSync   = "sync"
	TaskTypeRepeat = "repeat"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("heygen: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Config holds client settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Quality     string
	IdleTimeout int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client calls the streaming avatar REST API. Each call is a single attempt.
type Client struct {
	baseURL     string
	apiKey      string
	quality     string
	idleTimeout int
	httpClient  *http.Client
	logger      *logger.Logger
}

// NewClient creates an avatar platform client.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("heygen: base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("heygen: API key is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	quality := cfg.Quality
	if quality == "" {
		quality = "medium"
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 120
	}

	return &Client{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		quality:     quality,
		idleTimeout: idle,
		httpClient:  httpClient,
		logger:      log.Named(platform),
	}, nil
}

// Result is the envelope every platform response shares.
type Result struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the platform signalled success.
func (r Result) OK() bool {
	return r.Code == CodeSuccess
}

// Token is a short-lived streaming token.
type Token struct {
	Token string `json:"token"`
}

type tokenResponse struct {
	Result
	Data Token `json:"data"`
}

// Session describes a newly created streaming session.
type Session struct {
	SessionID        string `json:"session_id"`
	AccessToken      string `json:"access_token"`
	URL              string `json:"url"`
	RealtimeEndpoint string `json:"realtime_endpoint"`
}

type sessionResponse struct {
	Result
	Data Session `json:"data"`
}

// StreamingAvatar is one entry of the avatar listing.
type StreamingAvatar struct {
	AvatarID      string `json:"avatar_id"`
	PoseName      string `json:"pose_name,omitempty"`
	DefaultVoice  string `json:"default_voice,omitempty"`
	NormalPreview string `json:"normal_preview,omitempty"`
	IsPublic      bool   `json:"is_public"`
	Status        string `json:"status,omitempty"`
}

type avatarListResponse struct {
	Result
	Data []StreamingAvatar `json:"data"`
}

// TaskAck is returned when a speak task is accepted.
type TaskAck struct {
	Result
	Data struct {
		TaskID     string  `json:"task_id"`
		DurationMS float64 `json:"duration_ms"`
	} `json:"data"`
}

type voiceSettings struct {
	Rate float64 `json:"rate"`
}

type sttSettings struct {
	Provider   string  `json:"provider"`
	Confidence float64 `json:"confidence"`
}

type newSessionRequest struct {
	AvatarID            string        `json:"avatar_id"`
	VoiceID             string        `json:"voice_id"`
	Quality             string        `json:"quality"`
	Voice               voiceSettings `json:"voice"`
	VideoEncoding       string        `json:"video_encoding"`
	DisableIdleTimeout  bool          `json:"disable_idle_timeout"`
	Version             string        `json:"version"`
	STTSettings         sttSettings   `json:"stt_settings"`
	ActivityIdleTimeout int           `json:"activity_idle_timeout"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type taskRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	TaskMode  string `json:"task_mode"`
	TaskType  string `json:"task_type"`
}

// CreateToken requests a streaming token.
func (c *Client) CreateToken(ctx context.Context) (*Token, error) {
	var out tokenResponse
	if err := c.do(ctx, http.MethodPost, "create_token", "/v1/streaming.create_token", struct{}{}, &out); err != nil {
		return nil, err
	}
	if out.Data.Token == "" {
		return nil, errors.New("heygen: create_token returned no token")
	}
	return &out.Data, nil
}

// NewSession creates a streaming session for the avatar and voice.
func (c *Client) NewSession(ctx context.Context, avatarID, voiceID string) (*Session, error) {
	req := newSessionRequest{
		AvatarID:            avatarID,
		VoiceID:             voiceID,
		Quality:             c.quality,
		Voice:               voiceSettings{Rate: 1},
		VideoEncoding:       "VP8",
		Version:             "v2",
		STTSettings:         sttSettings{Provider: "deepgram", Confidence: 0.55},
		ActivityIdleTimeout: c.idleTimeout,
	}

	var out sessionResponse
	if err := c.do(ctx, http.MethodPost, "new_session", "/v1/streaming.new", req, &out); err != nil {
		return nil, err
	}
	if out.Data.SessionID == "" {
		return nil, errors.New("heygen: streaming.new returned no session id")
	}
	return &out.Data, nil
}

// StartSession negotiates the transport of a created session. A nil error
// with a non-success code means the platform answered but did not start it.
func (c *Client) StartSession(ctx context.Context, sessionID string) (*Result, error) {
	var out Result
	if err := c.do(ctx, http.MethodPost, "start_session", "/v1/streaming.start", sessionRequest{SessionID: sessionID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendTask asks the avatar to repeat text.
func (c *Client) SendTask(ctx context.Context, sessionID, text string) (*TaskAck, error) {
	req := taskRequest{
		SessionID: sessionID,
		Text:      text,
		TaskMode:  TaskModeSync,
		TaskType:  TaskTypeRepeat,
	}

	var out TaskAck
	if err := c.do(ctx, http.MethodPost, "send_task", "/v1/streaming.task", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopSession terminates a streaming session.
func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	var out Result
	return c.do(ctx, http.MethodPost, "stop_session", "/v1/streaming.stop", sessionRequest{SessionID: sessionID}, &out)
}

// ListAvatars returns the avatars available for streaming.
func (c *Client) ListAvatars(ctx context.Context) ([]StreamingAvatar, error) {
	var out avatarListResponse
	if err := c.do(ctx, http.MethodGet, "list_avatars", "/v1/streaming/avatar.list", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) do(ctx context.Context, method, op, path string, body, out any) (err error) {
	url := c.baseURL + path
	ctx, span := tracing.StartSpan(ctx, platform, platform+"."+op, attribute.String("http.url", url))
	start := time.Now()
	status := "error"
	defer func() {
		metrics.RecordUpstream(platform, op, status, time.Since(start).Seconds())
		tracing.EndSpan(span, err)
		if err != nil {
			c.logger.Debug("avatar platform call failed", zap.String("operation", op), zap.Error(err))
		}
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("heygen: marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("heygen: create %s request: %w", op, err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("heygen: %s request failed: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	status = http.StatusText(resp.StatusCode)
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("heygen: read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, URL: url, Body: truncate(string(raw), 512)}
	}

	c.logger.Debug("avatar platform call succeeded", zap.String("operation", op), zap.Int("status", resp.StatusCode))

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("heygen: decode %s response: %w", op, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
