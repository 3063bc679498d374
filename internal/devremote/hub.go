package devremote

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcus/herd/internal/realtime"
	"github.com/marcus/herd/internal/schema"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
	leaveEvent   = "phx_leave"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan realtime.Frame
	done chan struct{}

	mu     sync.Mutex
	topics map[string]bool
}

func (c *client) joined(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func (c *client) enqueue(f realtime.Frame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Hub fans change notifications out to websocket subscribers speaking the
// Phoenix channel protocol.
type Hub struct {
	authorize func(token string) bool
	metrics   *Metrics

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub. authorize validates join access tokens; nil
// accepts any.
func NewHub(authorize func(token string) bool, m *Metrics) *Hub {
	return &Hub{authorize: authorize, metrics: m, clients: make(map[*client]struct{})}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a postgres_changes frame to every client joined to the
// notification's schema. Slow clients miss frames rather than block writes.
func (h *Hub) Broadcast(n realtime.Notification) {
	payload, err := json.Marshal(map[string]any{
		"data": map[string]any{
			"schema":           n.Schema,
			"table":            n.Table,
			"type":             n.Type,
			"commit_timestamp": schema.FormatTime(time.Now()),
		},
	})
	if err != nil {
		slog.Error("encode change frame", "err", err)
		return
	}
	topic := realtime.Topic(n.Schema)
	f := realtime.Frame{Topic: topic, Event: realtime.EventPostgresChanges, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.joined(topic) {
			continue
		}
		if !c.enqueue(f) && h.metrics != nil {
			h.metrics.RecordDroppedFrame()
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.conn.Close()
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and runs the channel protocol until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logFor(r.Context()).Debug("websocket upgrade", "err", err)
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan realtime.Frame, clientBuffer),
		done:   make(chan struct{}),
		topics: make(map[string]bool),
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	defer h.unregister(c)
	defer conn.Close()
	defer close(c.done)

	go h.writeLoop(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		h.handleFrame(c, f)
	}
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func reply(f realtime.Frame, status string, response any) realtime.Frame {
	payload, _ := json.Marshal(map[string]any{"status": status, "response": response})
	return realtime.Frame{Topic: f.Topic, Event: realtime.EventReply, Ref: f.Ref, Payload: payload}
}

func (h *Hub) handleFrame(c *client, f realtime.Frame) {
	switch f.Event {
	case realtime.EventHeartbeat:
		c.enqueue(reply(f, "ok", map[string]any{}))
	case realtime.EventJoin:
		var join realtime.JoinPayload
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &join); err != nil {
				c.enqueue(reply(f, "error", map[string]string{"reason": "malformed join"}))
				return
			}
		}
		if h.authorize != nil && !h.authorize(join.AccessToken) {
			c.enqueue(reply(f, "error", map[string]string{"reason": "unauthorized"}))
			return
		}
		c.mu.Lock()
		c.topics[f.Topic] = true
		c.mu.Unlock()
		c.enqueue(reply(f, "ok", map[string]any{"postgres_changes": join.Config.PostgresChanges}))
	case leaveEvent:
		c.mu.Lock()
		delete(c.topics, f.Topic)
		c.mu.Unlock()
		c.enqueue(reply(f, "ok", map[string]any{}))
	default:
		c.enqueue(reply(f, "error", map[string]string{"reason": "unknown event " + f.Event}))
	}
}
