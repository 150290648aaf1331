// Package websocket provides the unified WebSocket gateway over which the
// RPC surface and channel topics of the session daemon are exposed.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sessiond/core/internal/common/logger"
	ws "github.com/sessiond/core/pkg/websocket"
	"go.uber.org/zap"
)

// Hub manages all WebSocket client connections and the session/room
// channel subscriptions layered on top of them.
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients subscribed to a given session channel ("session.<id>")
	sessionSubscribers map[string]map[*Client]bool

	// Clients subscribed to a given room channel ("room.<id>")
	roomSubscribers map[string]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for broadcasting notifications to every client
	broadcast chan *ws.Message

	// Message dispatcher
	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		roomSubscribers:    make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan *ws.Message, 256),
		dispatcher:         dispatcher,
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sessionSubscribers = make(map[string]map[*Client]bool)
	h.roomSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for sessionID := range client.sessionSubscriptions {
			if clients, ok := h.sessionSubscribers[sessionID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.sessionSubscribers, sessionID)
				}
			}
		}
		for roomID := range client.roomSubscriptions {
			if clients, ok := h.roomSubscribers[roomID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.roomSubscribers, roomID)
				}
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage sends a message to every connected client.
func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// client buffer full: the message is dropped for this client
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to all connected clients.
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- msg
}

// BroadcastToSession sends a notification to clients subscribed to a session channel.
func (h *Hub) BroadcastToSession(sessionID string, msg *ws.Message) {
	h.broadcastTo(h.sessionSubscribers, sessionID, msg)
}

// BroadcastToRoom sends a notification to clients subscribed to a room channel.
func (h *Hub) BroadcastToRoom(roomID string, msg *ws.Message) {
	h.broadcastTo(h.roomSubscribers, roomID, msg)
}

func (h *Hub) broadcastTo(subscribers map[string]map[*Client]bool, key string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := subscribers[key]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// SubscribeToSession subscribes a client to a session's notification channel.
func (h *Hub) SubscribeToSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][client] = true
	client.sessionSubscriptions[sessionID] = true

	h.logger.Debug("client subscribed to session",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))
}

// UnsubscribeFromSession unsubscribes a client from a session's notification channel.
func (h *Hub) UnsubscribeFromSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.sessionSubscriptions, sessionID)
	if clients, ok := h.sessionSubscribers[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

// SubscribeToRoom subscribes a client to a room's notification channel.
func (h *Hub) SubscribeToRoom(client *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.roomSubscribers[roomID]; !ok {
		h.roomSubscribers[roomID] = make(map[*Client]bool)
	}
	h.roomSubscribers[roomID][client] = true
	client.roomSubscriptions[roomID] = true

	h.logger.Debug("client subscribed to room",
		zap.String("client_id", client.ID),
		zap.String("room_id", roomID))
}

// UnsubscribeFromRoom unsubscribes a client from a room's notification channel.
func (h *Hub) UnsubscribeFromRoom(client *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.roomSubscriptions, roomID)
	if clients, ok := h.roomSubscribers[roomID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.roomSubscribers, roomID)
		}
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher.
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}
