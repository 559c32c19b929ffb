package server

import (
	"sync"

	"github.com/teranos/grimoire/logger"
	"github.com/teranos/grimoire/metrics"
)

// Hub fans resolution events out to connected websocket clients. It
// implements metrics.Emitter, and Emit never blocks: a client too slow
// to drain its buffer misses events rather than stalling resolution.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// Emit broadcasts one event to every connected client, dropping it for
// clients with full buffers.
func (h *Hub) Emit(event metrics.ResolutionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- event:
		default:
			// Full buffer; the client keeps its connection and catches
			// the next event.
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}

	logger.Debugw("Event stream client connected",
		"client_id", c.id,
		logger.FieldCount, len(h.clients))
}

// unregister removes the client and closes its send channel exactly
// once. Removal and broadcast share the mutex, so no Emit can race the
// close.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)

	logger.Debugw("Event stream client disconnected",
		"client_id", c.id,
		logger.FieldCount, len(h.clients))
}

// ClientCount returns the number of connected event stream clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects every client, used at shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
		c.closeConn()
	}
}
