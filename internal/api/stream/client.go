package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
	sendBuffer     = 256
)

// SubscriptionMessage is sent by clients to subscribe/unsubscribe.
type SubscriptionMessage struct {
	Action     string   `json:"action"` // subscribe, unsubscribe
	SessionIDs []string `json:"session_ids"`
}

// Client is one WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	mu         sync.RWMutex
	sessionIDs map[string]bool
	closed     bool
}

// NewClient wraps an upgraded connection and registers it with the hub.
// The caller runs ReadPump and WritePump.
func NewClient(hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	c := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		logger:     log,
		sessionIDs: make(map[string]bool),
	}
	hub.Register(c)
	return c
}

// ReadPump reads subscription messages from the WebSocket connection.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("Invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			for _, sessionID := range subMsg.SessionIDs {
				c.Subscribe(sessionID)
			}
		case "unsubscribe":
			for _, sessionID := range subMsg.SessionIDs {
				c.Unsubscribe(sessionID)
			}
		default:
			c.logger.Warn("Unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// WritePump writes queued messages to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a message for the client. Returns false when the client is
// gone or its buffer is full.
func (c *Client) Send(msg []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound queue exactly once. Called by the hub on
// unregister.
func (c *Client) closeSend() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// Subscribe subscribes the client to a session.
func (c *Client) Subscribe(sessionID string) {
	c.mu.Lock()
	c.sessionIDs[sessionID] = true
	c.mu.Unlock()
	c.hub.SubscribeClient(c, sessionID)
	c.logger.Debug("Subscribed to session", zap.String("session_id", sessionID))
}

// Unsubscribe unsubscribes the client from a session.
func (c *Client) Unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.sessionIDs, sessionID)
	c.mu.Unlock()
	c.hub.UnsubscribeClient(c, sessionID)
	c.logger.Debug("Unsubscribed from session", zap.String("session_id", sessionID))
}

// IsSubscribed returns true if the client is subscribed to a session.
func (c *Client) IsSubscribed(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionIDs[sessionID]
}
