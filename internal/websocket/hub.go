// Package websocket serves the operator monitor feed: per-call events and a
// periodic sessions overview, each filtered to the businesses a client may see.
package websocket

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/metrics"
	"github.com/altiora-ai/callcore/internal/types"
)

// Hub maintains the set of active clients and fans out monitor messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound messages: types.MonitorEvent, types.SessionsOverview or raw []byte
	broadcast chan any

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex to protect clients map
	mu sync.RWMutex

	logger zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan any, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     logger.With().Str("component", "monitor_hub").Logger(),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.Get().RecordWebSocketConnect()
			h.logger.Info().
				Str("client_id", client.id).
				Int("total_clients", total).
				Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.remove(client)
				h.logger.Info().
					Str("client_id", client.id).
					Int("total_clients", len(h.clients)).
					Msg("client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			switch m := message.(type) {
			case types.MonitorEvent:
				h.broadcastEvent(m)
			case types.SessionsOverview:
				h.broadcastOverview(m)
			case []byte:
				h.broadcastRaw(m)
			}
		}
	}
}

// Publish queues a call event for every client allowed to see its business.
// It never blocks; events are dropped when the hub is saturated.
func (h *Hub) Publish(ev types.MonitorEvent) {
	h.enqueue(ev)
}

// PublishOverview queues a sessions overview.
func (h *Hub) PublishOverview(o types.SessionsOverview) {
	h.enqueue(o)
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(message []byte) {
	h.enqueue(message)
}

func (h *Hub) enqueue(msg any) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn().Msg("monitor queue full, dropping message")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastRaw(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.deliver(client, message)
	}
}

func (h *Hub) broadcastEvent(ev types.MonitorEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal monitor event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.Allows(ev.BusinessID) {
			h.deliver(client, data)
		}
	}
}

// broadcastOverview sends each client the overview restricted to its businesses
func (h *Hub) broadcastOverview(o types.SessionsOverview) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		filtered := client.FilterOverview(&o)
		if filtered == nil {
			continue
		}
		data, err := json.Marshal(filtered)
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to marshal sessions overview")
			continue
		}
		h.deliver(client, data)
	}
}

// deliver must be called with mu held.
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.send <- data:
		metrics.Get().RecordWebSocketMessage()
	default:
		h.remove(client)
		metrics.Get().RecordWebSocketError()
		h.logger.Warn().
			Str("client_id", client.id).
			Msg("client send buffer full, closing connection")
	}
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	close(client.send)
	metrics.Get().RecordWebSocketDisconnect()
}
