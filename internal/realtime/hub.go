// Package realtime pushes relayed bot messages to browsers over websockets.
// Each visitor has a room; a connection joins the room of its own visitor ID.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/avatar-relay/internal/model"
	"github.com/capitalize-ai/avatar-relay/internal/textutil"
	"github.com/capitalize-ai/avatar-relay/pkg/logger"
	"github.com/capitalize-ai/avatar-relay/pkg/metrics"
)

// Frame events.
const (
	EventJoin       = "join"
	EventJoined     = "joined"
	EventNewMessage = "new_message"
	EventError      = "error"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 4096
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Event     string `json:"event"`
	VisitorID string `json:"visitor_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	room    string
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Hub tracks connections per visitor room.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logger.Logger

	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
}

// NewHub creates a hub accepting upgrades from allowedOrigins. An empty list
// or "*" accepts any origin.
func NewHub(allowedOrigins []string, log *logger.Logger) *Hub {
	h := &Hub{
		logger:  log.Named("realtime"),
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// A visitor_id query parameter joins that room immediately.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.IncrementWebSocketConnections()
	h.logger.Debug("websocket connected", zap.String("client_id", c.id))

	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		delete(h.clients, c)
		h.mu.Unlock()
		_ = conn.Close()
		metrics.DecrementWebSocketConnections()
		h.logger.Debug("websocket disconnected", zap.String("client_id", c.id))
	}()

	if v := r.URL.Query().Get("visitor_id"); v != "" {
		h.handleJoin(c, v)
	}

	done := make(chan struct{})
	defer close(done)
	go h.keepAlive(c, done)

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.send(c, Frame{Event: EventError, Error: "invalid frame"})
			continue
		}
		switch f.Event {
		case EventJoin:
			h.handleJoin(c, f.VisitorID)
		default:
			h.send(c, Frame{Event: EventError, Error: "unknown event"})
		}
	}
}

func (h *Hub) keepAlive(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleJoin(c *client, visitorID string) {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" || textutil.Alphanumeric(visitorID) != visitorID {
		h.send(c, Frame{Event: EventError, Error: "invalid visitor_id"})
		return
	}
	h.join(c, visitorID)
	h.send(c, Frame{Event: EventJoined, VisitorID: visitorID})
	h.logger.Debug("client joined room", zap.String("client_id", c.id), zap.String("visitor_id", visitorID))
}

func (h *Hub) join(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.room = room
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if c.room == "" {
		return
	}
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

func (h *Hub) send(c *client, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := c.write(data); err != nil {
		h.logger.Debug("websocket write failed", zap.String("client_id", c.id), zap.Error(err))
	}
}

// Broadcast emits a new_message frame to the visitor's room only.
func (h *Hub) Broadcast(_ context.Context, visitorID string, msg model.MessageRecord) {
	h.Deliver(model.LiveUpdate{VisitorID: visitorID, Message: msg})
}

// Deliver writes update to every connection in its room and returns how
// many received it. Connections that fail to write are dropped.
func (h *Hub) Deliver(update model.LiveUpdate) int {
	data, err := json.Marshal(Frame{Event: EventNewMessage, Data: update})
	if err != nil {
		h.logger.Error("encode live update failed", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[update.VisitorID]))
	for c := range h.rooms[update.VisitorID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	if len(members) == 0 {
		metrics.BroadcastsTotal.WithLabelValues("no_listeners").Inc()
		h.logger.Debug("no listeners for visitor", zap.String("visitor_id", update.VisitorID))
		return 0
	}

	delivered := 0
	for _, c := range members {
		if err := c.write(data); err != nil {
			h.logger.Warn("live update write failed, dropping connection",
				zap.String("client_id", c.id),
				zap.String("visitor_id", update.VisitorID),
				zap.Error(err),
			)
			h.leave(c)
			_ = c.conn.Close()
			continue
		}
		delivered++
	}
	metrics.BroadcastsTotal.WithLabelValues("delivered").Add(float64(delivered))
	return delivered
}

// RoomSize returns the number of connections in a visitor's room.
func (h *Hub) RoomSize(visitorID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[visitorID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		h.removeLocked(c)
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		_ = c.conn.Close()
	}
}
