package heygen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/capitalize-ai/avatar-relay/pkg/logger"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "secret", Timeout: 2 * time.Second}, logger.NewNop())
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k"}, logger.NewNop())
	require.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://x"}, logger.NewNop())
	require.Error(t, err)
}

func TestCreateToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/streaming.create_token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"code":100,"data":{"token":"tok-1"}}`))
	})
	c := newTestClient(t, mux)

	tok, err := c.CreateToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Token)
}

func TestCreateToken_MissingToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/streaming.create_token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":100,"data":{}}`))
	})
	c := newTestClient(t, mux)

	_, err := c.CreateToken(context.Background())
	require.Error(t, err)
}

func TestNewSession_SendsOptions(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/streaming.new", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"code":100,"data":{
			"session_id":"S1","access_token":"AT","url":"wss://u","realtime_endpoint":"wss://rt"}}`))
	})
	c := newTestClient(t, mux)

	sess, err := c.NewSession(context.Background(), "avatar-1", "voice-1")
	require.NoError(t, err)
	assert.Equal(t, Session{SessionID: "S1", AccessToken: "AT", URL: "wss://u", RealtimeEndpoint: "wss://rt"}, *sess)

	assert.Equal(t, "avatar-1", got["avatar_id"])
	assert.Equal(t, "voice-1", got["voice_id"])
	assert.Equal(t, "medium", got["quality"])
	assert.Equal(t, "VP8", got["video_encoding"])
	assert.Equal(t, "v2", got["version"])
	assert.Equal(t, float64(120), got["activity_idle_timeout"])
	stt := got["stt_settings"].(map[string]any)
	assert.Equal(t, "deepgram", stt["provider"])
	assert.Equal(t, 0.55, stt["confidence"])
}

func TestNewSession_NoSessionID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/streaming.new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":400,"message":"bad avatar"}`))
	})
	c := newTestClient(t, mux)

	_, err := c.NewSession(context.Background(), "a", "v")
	require.Error(t, err)
}

func TestStartSession_ReportsCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/streaming.start", func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.SessionID == "good" {
			_, _ = w.Write([]byte(`{"code":100,"message":"success"}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":10005,"message":"session state wrong"}`))
	})
	c := newTestClient(t, mux)

	res, err := c.StartSession(context.Background(), "good")
	require.NoError(t, err)
	assert.True(t, res.OK())

	res, err = c.StartSession(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, res.OK())
}

func TestSendTask(t *testing.T) {
	var got taskRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/streaming.task", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"code":100,"data":{"task_id":"t1","duration_ms":1200}}`))
	})
	c := newTestClient(t, mux)

	ack, err := c.SendTask(context.Background(), "S1", "Hello")
	require.NoError(t, err)
	assert.True(t, ack.OK())
	assert.Equal(t, "t1", ack.Data.TaskID)
	assert.Equal(t, taskRequest{SessionID: "S1", Text: "Hello", TaskMode: "sync", TaskType: "repeat"}, got)
}

func TestStopSession_StatusError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/streaming.stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":404}`))
	})
	c := newTestClient(t, mux)

	err := c.StopSession(context.Background(), "S1")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestListAvatars(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/streaming/avatar.list", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Empty(t, r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"code":100,"data":[{"avatar_id":"Pedro_CasualLook_public","is_public":true,"status":"ACTIVE"}]}`))
	})
	c := newTestClient(t, mux)

	avatars, err := c.ListAvatars(context.Background())
	require.NoError(t, err)
	require.Len(t, avatars, 1)
	assert.Equal(t, "Pedro_CasualLook_public", avatars[0].AvatarID)
	assert.True(t, avatars[0].IsPublic)
}

func TestFailedCall_LeavesLoggingToCaller(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/streaming.start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	core, logs := observer.New(zapcore.InfoLevel)
	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "secret", Timeout: 2 * time.Second}, &logger.Logger{Logger: zap.New(core)})
	require.NoError(t, err)

	_, err = c.StartSession(context.Background(), "S1")
	require.Error(t, err)
	assert.Zero(t, logs.Len())
}
