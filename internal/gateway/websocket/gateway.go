// Package websocket pushes lifecycle events to connected UI clients.
// Clients connect once and receive every agent and bus event as JSON.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hivemind/hivemind/internal/common/logger"
	"github.com/hivemind/hivemind/internal/events"
	eventbus "github.com/hivemind/hivemind/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway sits behind the same origin as the HTTP API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans lifecycle events out to every connected client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	bus    eventbus.EventBus
	sub    eventbus.Subscription
	logger *logger.Logger
}

// NewHub creates the gateway hub.
func NewHub(bus eventbus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		bus:     bus,
		logger:  log.WithFields(zap.String("component", "ws_gateway")),
	}
}

// Start subscribes to the full lifecycle subject space.
func (h *Hub) Start() error {
	sub, err := h.bus.Subscribe(events.SubjectAll, func(ctx context.Context, ev *eventbus.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		h.broadcast(payload)
		return nil
	})
	if err != nil {
		return err
	}
	h.sub = sub
	h.logger.Info("WebSocket gateway subscribed", zap.String("subject", events.SubjectAll))
	return nil
}

// Stop unsubscribes and closes all clients.
func (h *Hub) Stop() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// Handler upgrades an HTTP request to a WebSocket connection.
func (h *Hub) Handler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), conn, h, h.logger)
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Debug("Client connected", zap.String("client_id", client.ID))

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Slow consumer; drop the frame rather than block the bus.
			h.logger.Warn("Dropping frame for slow client", zap.String("client_id", c.ID))
		}
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
		h.logger.Debug("Client disconnected", zap.String("client_id", c.ID))
	}
}
