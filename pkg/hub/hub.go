// Package hub fans pose results out to websocket listeners.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Hub tracks listeners and broadcasts JSON results to them. The newest
// result is retained and replayed to listeners that join later.
type Hub struct {
	name   string
	logger *slog.Logger

	clients map[*Client]bool
	latest  []byte

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	// guards clients and latest for readers outside Run
	mu sync.RWMutex

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Int64
}

// New creates a hub. A nil logger uses slog.Default().
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:       name,
		logger:     logger.With("component", "hub", "hub", name),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
	}
}

// Run is the hub loop; it returns after Stop. Run it in a goroutine.
func (h *Hub) Run() {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				h.remove(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			if h.latest != nil {
				c.send <- h.latest
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("listener joined", "listeners", count)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				h.remove(c)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("listener left", "listeners", count)

		case data := <-h.broadcast:
			h.mu.Lock()
			h.latest = data
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.remove(c)
					h.logger.Warn("dropped slow listener")
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

// Stop ends Run and disconnects every listener. It is safe to call twice.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast queues pre-encoded JSON for every listener. When the hub is
// backed up the message is discarded and counted.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue full, dropping result")
	}
}

// BroadcastJSON encodes v and broadcasts it.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// ClientCount returns the number of connected listeners.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many broadcasts were discarded.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// IsRunning returns whether Run is active.
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}
