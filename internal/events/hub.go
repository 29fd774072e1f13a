// Package events fans job and artifact notifications out to websocket
// subscribers. Polling remains the canonical client contract; the stream is
// a convenience for UIs that want live updates.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one job or artifact notification.
type Event struct {
	Type     string    `json:"type"` // "job" or "artifact"
	JobID    string    `json:"jobId,omitempty"`
	Status   string    `json:"status,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Path     string    `json:"path,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// Hub relays published events to all registered websocket connections.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
}

// NewHub creates a hub; call Run before registering connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			return
		case conn := <-h.register:
			h.clients[conn] = true
		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
		case msg := <-h.broadcast:
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
		}
	}
}

// Publish sends ev to all subscribers. It never blocks; events are dropped
// when the hub is saturated or not running, since every event is also
// recoverable by polling.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

// Register adds a connection to the hub. After shutdown the connection is
// closed instead, so callers never block on a hub that has stopped running.
func (h *Hub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

// Unregister removes a connection and closes it.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		conn.Close()
	}
}
