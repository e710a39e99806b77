package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/jotworks/jot/internal/debug"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Worker status server binds loopback only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub pushes events to connected websocket clients. It doubles as the
// http.Handler for the worker status server's /events endpoint and as a
// notify.Handler receiving published events.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]bool)}
}

func (h *Hub) ID() string           { return "websocket" }
func (h *Hub) Handles() []EventType { return nil }
func (h *Hub) Priority() int        { return 40 }

// Handle broadcasts the event to all connected clients. Clients whose
// writes fail are dropped; the next event goes to the survivors.
func (h *Hub) Handle(_ context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			debug.Logf("notify: websocket client write failed, dropping: %v", err)
			client.Close()
			delete(h.clients, client)
		}
	}
	return nil
}

// ClientCount returns how many clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and keeps it registered until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Logf("notify: websocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain client messages until disconnect; the hub only pushes.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// CloseAll disconnects every client, used during worker shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}
