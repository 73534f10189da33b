package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chorus-dev/chorus/internal/common/logger"
	ws "github.com/chorus-dev/chorus/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024
)

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// Sessions this client is subscribed to
	subscriptions map[string]bool

	logger *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		ID:            id,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump(ctx context.Context) {
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
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Invalid message format", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format")
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// WritePump pumps messages from the send channel to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// SubscribeRequest is the payload for session subscribe/unsubscribe actions
type SubscribeRequest struct {
	SessionID string `json:"session_id"`
}

// handleMessage processes an incoming message. Subscribe and unsubscribe
// are connection-level actions handled here; everything else goes through
// the dispatcher.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	switch msg.Action {
	case ws.ActionSessionSubscribe:
		var req SubscribeRequest
		if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required")
			return
		}
		c.hub.SubscribeToSession(c, req.SessionID)
		c.sendResponse(msg.ID, msg.Action, map[string]interface{}{
			"session_id": req.SessionID,
			"subscribed": true,
		})
		return

	case ws.ActionSessionUnsubscribe:
		var req SubscribeRequest
		if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required")
			return
		}
		c.hub.UnsubscribeFromSession(c, req.SessionID)
		c.sendResponse(msg.ID, msg.Action, map[string]interface{}{
			"session_id": req.SessionID,
			"subscribed": false,
		})
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error())
		return
	}
	if response != nil {
		c.Send(response)
	}
}

// Send queues a message for delivery to the client
func (c *Client) Send(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full, dropping message",
			zap.String("action", msg.Action))
	}
}

func (c *Client) sendResponse(id, action string, payload interface{}) {
	msg, err := ws.NewResponse(id, action, payload)
	if err != nil {
		c.logger.Error("Failed to build response", zap.Error(err))
		return
	}
	c.Send(msg)
}

func (c *Client) sendError(id, action, code, message string) {
	msg, err := ws.NewError(id, action, code, message, nil)
	if err != nil {
		c.logger.Error("Failed to build error response", zap.Error(err))
		return
	}
	c.Send(msg)
}
