package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/avatar-relay/internal/model"
	"github.com/capitalize-ai/avatar-relay/pkg/logger"
)

type wireFrame struct {
	Event     string           `json:"event"`
	VisitorID string           `json:"visitor_id"`
	Data      model.LiveUpdate `json:"data"`
	Error     string           `json:"error"`
}

func newTestHub(t *testing.T, origins ...string) (*Hub, string) {
	t.Helper()
	hub := NewHub(origins, logger.NewNop())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f wireFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHub_JoinByQueryAndReceive(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url+"?visitor_id=V1")

	joined := readFrame(t, conn)
	assert.Equal(t, EventJoined, joined.Event)
	assert.Equal(t, "V1", joined.VisitorID)
	require.Equal(t, 1, hub.RoomSize("V1"))

	hub.Broadcast(context.Background(), "V1", model.MessageRecord{Type: model.MessageTypeBot, Message: "Hello"})

	f := readFrame(t, conn)
	assert.Equal(t, EventNewMessage, f.Event)
	assert.Equal(t, "V1", f.Data.VisitorID)
	assert.Equal(t, "Hello", f.Data.Message.Message)
}

func TestHub_JoinByFrame(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "join", "visitor_id": "abc123"}))
	joined := readFrame(t, conn)
	assert.Equal(t, EventJoined, joined.Event)

	assert.Equal(t, 1, hub.Deliver(model.LiveUpdate{VisitorID: "abc123", Message: model.MessageRecord{Message: "x"}}))
	assert.Equal(t, EventNewMessage, readFrame(t, conn).Event)
}

func TestHub_RoomsAreIsolated(t *testing.T) {
	hub, url := newTestHub(t)
	v1 := dial(t, url+"?visitor_id=V1")
	v2 := dial(t, url+"?visitor_id=V2")
	readFrame(t, v1)
	readFrame(t, v2)

	assert.Equal(t, 1, hub.Deliver(model.LiveUpdate{VisitorID: "V1", Message: model.MessageRecord{Message: "only v1"}}))
	assert.Equal(t, "only v1", readFrame(t, v1).Data.Message.Message)

	require.NoError(t, v2.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := v2.ReadMessage()
	require.Error(t, err)
}

func TestHub_RejoinMovesRoom(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url+"?visitor_id=A")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "join", "visitor_id": "B"}))
	readFrame(t, conn)

	assert.Equal(t, 0, hub.RoomSize("A"))
	assert.Equal(t, 1, hub.RoomSize("B"))
}

func TestHub_InvalidFrames(t *testing.T) {
	_, url := newTestHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, EventError, readFrame(t, conn).Event)

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "join", "visitor_id": "bad id!"}))
	f := readFrame(t, conn)
	assert.Equal(t, EventError, f.Event)
	assert.Equal(t, "invalid visitor_id", f.Error)

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "dance"}))
	assert.Equal(t, "unknown event", readFrame(t, conn).Error)
}

func TestHub_DisconnectLeavesRoom(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url+"?visitor_id=V1")
	readFrame(t, conn)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.RoomSize("V1") == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.Deliver(model.LiveUpdate{VisitorID: "V1"}))
}

func TestHub_OriginCheck(t *testing.T) {
	_, url := newTestHub(t, "https://allowed.example")

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://allowed.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = conn.Close()
}
