package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowd/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize: 1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription filters which events a client receives.
type Subscription struct {
	AllEvents bool `json:"allEvents"`
	Tags []Tag `json:"tags"`
	Escrow string `json:"escrow"`
}

// client is one WebSocket connection subscribed to the hub.
type client struct {
	hub *Hub
	conn *websocket.Conn
	send chan []byte
	mu sync.RWMutex
	sub Subscription
}

// MaxClients bounds concurrent WebSocket connections.
const MaxClients = 10000

// Hub fans emitted events out to subscribed WebSocket clients. Observers use
// this instead of reading escrow state directly.
type Hub struct {
	clients map[*client]bool
	broadcast chan Event
	register chan *client
	unregister chan *client
	mu sync.RWMutex
	logger *slog.Logger
	done chan struct{}
	maxClients int

	totalEvents atomic.Int64
	totalClients atomic.Int64
}

// NewHub creates a new event-stream hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		broadcast: make(chan Event, 256),
		register: make(chan *client),
		unregister: make(chan *client),
		logger: logger,
		done: make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run drives the hub's main loop until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("event hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("event hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.totalClients.Add(1)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case e := <-h.broadcast:
			h.totalEvents.Add(1)
			metrics.EventsEmittedTotal.WithLabelValues(string(e.Tag)).Inc()
			h.mu.RLock()
			var slow []*client
			payload := serialize(e)
			for c := range h.clients {
				if shouldSend(c, e) {
					select {
					case c.send <- payload:
					default:
						slow = append(slow, c)
					}
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					if _, ok := h.clients[c]; ok {
						close(c.send)
						delete(h.clients, c)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

func shouldSend(c *client, e Event) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if sub.Escrow != "" && sub.Escrow != e.Escrow {
		return false
	}
	if len(sub.Tags) == 0 {
		return true
	}
	for _, t := range sub.Tags {
		if t == e.Tag {
			return true
		}
	}
	return false
}

func serialize(e Event) []byte {
	data, _ := json.Marshal(e)
	return data
}

// Stats returns a snapshot of hub activity for health/admin endpoints.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents": h.totalEvents.Load(),
		"totalClients": h.totalClients.Load(),
	}
}

// Broadcast hands an event to the hub for fan-out. Non-blocking: drops the
// event (with a warning) if the hub's internal queue is full.
func (h *Hub) Broadcast(e Event) {
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("event broadcast queue full, dropping event", "tag", e.Tag, "escrow", e.Escrow)
	}
}

// HandleWebSocket upgrades an HTTP request to a subscription connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub: h,
		conn: conn,
		send: make(chan []byte, 256),
		sub: Subscription{AllEvents: true},
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
