// Package controlplane serves the Cluster Coordinator's rebalance
// notification channel: a websocket broadcast any connected subscriber
// (an operator dashboard, another worker process) can use to learn about
// an account reassignment the instant it happens, instead of waiting out
// a worker's own poll interval. The database poll remains the source of
// truth; a worker that never connects here still converges.
package controlplane

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client wraps one subscriber's websocket connection.
type Client struct {
	conn *websocket.Conn
}

// Hub tracks every connected subscriber and broadcasts rebalance
// notifications to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     zerolog.Logger
}

// NewHub builds an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), log: log}
}

// Register adds a subscriber's connection under id, replacing and closing
// any previous connection registered under the same id.
func (h *Hub) Register(id string, conn *websocket.Conn) *Client {
	client := &Client{conn: conn}

	h.mu.Lock()
	if prev, ok := h.clients[id]; ok {
		_ = prev.conn.Close()
	}
	h.clients[id] = client
	h.mu.Unlock()

	return client
}

// Unregister removes and closes a subscriber's connection.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	client, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()

	if ok {
		_ = client.conn.Close()
	}
}

// Broadcast sends msg to every connected subscriber, dropping (and
// unregistering) any connection that fails to accept the write.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	targets := make(map[string]*Client, len(h.clients))
	for id, c := range h.clients {
		targets[id] = c
	}
	h.mu.RUnlock()

	for id, client := range targets {
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Warn().Err(err).Str("subscriber", id).Msg("control plane broadcast failed, dropping subscriber")
			go h.Unregister(id)
		}
	}
}

// SubscriberCount reports how many subscribers are currently connected.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// pingInterval is declared for keep-alive pings, but nothing in this package
// reads it: the hub sends no pings and drops a subscriber only when a write
// to it fails or it unregisters.
const pingInterval = 30 * time.Second
