package websocket

import (
	"sync"

	"github.com/rs/zerolog"
)

// Hub tracks every open client so shutdown can close them together. Message
// routing lives elsewhere; the hub only knows who is connected.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	draining bool
	logger   zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

// Register adds a client. It returns false once the hub is draining, in which
// case the caller must close the client itself.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Draining reports whether Shutdown has been called.
func (h *Hub) Draining() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.draining
}

// Shutdown stops accepting registrations and closes every client with
// 1001 going away. Each client's own read loop performs its cleanup.
func (h *Hub) Shutdown() int {
	h.mu.Lock()
	h.draining = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.CloseWith(CloseGoingAway, "server shutting down")
	}
	h.logger.Info().Int("clients", len(clients)).Msg("Closed all clients")
	return len(clients)
}
