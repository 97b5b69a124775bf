// Package stream fans live execution chunks and hook events out to
// WebSocket clients. Clients subscribe by session id; "*" subscribes to
// everything.
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/hooks"
	"github.com/relaydev/relay/pkg/agentproto"
)

// StreamMessage is the envelope written to WebSocket clients.
type StreamMessage struct {
	Type      string            `json:"type"` // chunk, event
	SessionID string            `json:"session_id"`
	Chunk     *agentproto.Chunk `json:"chunk,omitempty"`
	Event     *hooks.Event      `json:"event,omitempty"`
}

// Hub tracks connected clients and their session subscriptions.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]bool
	sessions map[string]map[*Client]bool
	logger   *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients:  make(map[*Client]bool),
		sessions: make(map[string]map[*Client]bool),
		logger:   log,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("Stream client registered", zap.Int("clients", h.ClientCount()))
}

// Unregister removes a client and all of its subscriptions. Safe to call
// more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for sessionID, subs := range h.sessions {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.sessions, sessionID)
			}
		}
		c.closeSend()
	}
	h.mu.Unlock()
}

// SubscribeClient adds a client to a session's subscriber set.
func (h *Hub) SubscribeClient(c *Client, sessionID string) {
	h.mu.Lock()
	subs, ok := h.sessions[sessionID]
	if !ok {
		subs = make(map[*Client]bool)
		h.sessions[sessionID] = subs
	}
	subs[c] = true
	h.mu.Unlock()
}

// UnsubscribeClient removes a client from a session's subscriber set.
func (h *Hub) UnsubscribeClient(c *Client, sessionID string) {
	h.mu.Lock()
	if subs, ok := h.sessions[sessionID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.mu.Unlock()
}

// BroadcastChunk delivers a streamed chunk to the session's subscribers.
func (h *Hub) BroadcastChunk(sessionID string, chunk agentproto.Chunk) {
	h.broadcast(sessionID, StreamMessage{
		Type:      "chunk",
		SessionID: sessionID,
		Chunk:     &chunk,
	})
}

// BroadcastEvent delivers a hook event to the session's subscribers.
func (h *Hub) BroadcastEvent(event *hooks.Event) {
	h.broadcast(event.SessionID, StreamMessage{
		Type:      "event",
		SessionID: event.SessionID,
		Event:     event,
	})
}

func (h *Hub) broadcast(sessionID string, msg StreamMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal stream message", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0)
	for c := range h.sessions[sessionID] {
		targets = append(targets, c)
	}
	for c := range h.sessions["*"] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.Send(payload) {
			h.logger.Warn("Dropping stream message for slow client",
				zap.String("session_id", sessionID))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients are subscribed to a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// BindDispatcher forwards every hook event to the hub so WebSocket
// subscribers see the engine's lifecycle in real time.
func BindDispatcher(d *hooks.Dispatcher, hub *Hub) error {
	handler := func(ctx context.Context, event *hooks.Event) (interface{}, error) {
		hub.BroadcastEvent(event)
		return nil, nil
	}
	for _, eventType := range hooks.AllEventTypes() {
		if _, err := d.Register(eventType, handler, "ws-bridge"); err != nil {
			return err
		}
	}
	return nil
}
