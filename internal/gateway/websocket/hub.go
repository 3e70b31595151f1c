// Package websocket is the live transport: one connection per client,
// request/response for commands, notifications for session and terminal
// events.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	ws "github.com/agentdeck/agentdeck/pkg/websocket"
)

// Hub manages all WebSocket client connections
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	// Channel for broadcasting notifications to every client
	broadcast chan *ws.Message

	dispatcher *ws.Dispatcher

	// done is closed when Run exits so Register/Unregister never block
	// on a loop that is no longer draining them.
	done chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ws.Message, 256),
		dispatcher: dispatcher,
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer func() {
		h.closeAllClients()
		close(h.done)
		h.logger.Info("WebSocket hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// Register adds a client to the hub. After shutdown the client is just
// marked closed; there is no loop left to track it.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.markClosed()
	}
}

// Unregister removes a client from the hub. Safe to call after the hub
// has stopped: read pumps unwind during shutdown too.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues a notification for every connected client.
func (h *Hub) Broadcast(msg *ws.Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast buffer full, dropping message",
			zap.String("action", msg.Action))
	}
}

// SubscribeBus forwards session lifecycle events from the event bus to
// every connected client, so session lists stay live across devices.
func (h *Hub) SubscribeBus(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe(events.SessionAll, func(ctx context.Context, ev *bus.Event) error {
		msg, err := ws.NewNotification(ev.Type, ev.Data)
		if err != nil {
			return err
		}
		h.Broadcast(msg)
		return nil
	})
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.markClosed()
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.markClosed()
		close(client.send)
	}
	h.mu.Unlock()

	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("Client send buffer full, dropping broadcast",
				zap.String("client_id", client.ID))
		}
	}
}
