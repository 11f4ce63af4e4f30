package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub fans out envelopes to every connected WebSocket subscriber.
// Subscribers may attach and detach at any time; a slow or broken
// subscriber is pruned without affecting delivery to the rest.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]bool
	logger  zerolog.Logger

	// status builds the payload pushed to a subscriber immediately on
	// attach, so new viewers learn liveness without waiting for a tick.
	status func() any

	upgrader websocket.Upgrader
}

// NewHub constructs an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  logger.With().Str("component", "broadcast").Logger(),
		status:  func() any { return map[string]any{"connected": true} },
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from a separate origin in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetStatusFunc installs the callback that produces the initial status
// payload for new subscribers.
func (h *Hub) SetStatusFunc(fn func() any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = fn
}

// Publish delivers the envelope to every currently connected subscriber.
// Subscribers whose buffers are full or whose connections have failed
// are closed and removed; the publish itself never fails.
func (h *Hub) Publish(envelope Envelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error().Err(err).Str("type", envelope.Type).Msg("failed to encode envelope")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			h.dropLocked(client)
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.dropLocked(client)
	}
}

// ServeWS upgrades the request and attaches the connection as a
// subscriber until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(h, conn, uuid.NewString())
	h.register(client)

	go client.writePump()
	client.readPump()
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	statusFn := h.status
	h.mu.Unlock()

	h.logger.Debug().Str("client_id", client.id).Msg("subscriber attached")

	payload, err := json.Marshal(NewEnvelope(EventStatus, statusFn()))
	if err != nil {
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(client)
}

// dropLocked removes a subscriber; idempotent, caller holds h.mu.
func (h *Hub) dropLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.logger.Debug().Str("client_id", client.id).Msg("subscriber detached")
}

var _ Publisher = (*Hub)(nil)
