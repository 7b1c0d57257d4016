package ws

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"vibechat/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

// Client is one authenticated live channel connection.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	user    *domain.User
	send    chan []byte
	limiter *rate.Limiter
	log     *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, user *domain.User, limiter *rate.Limiter, logger *slog.Logger) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		user:    user,
		send:    make(chan []byte, sendQueueSize),
		limiter: limiter,
		log:     logger.With("user_id", user.ID),
	}
}

// enqueue queues a frame for this client only. It reports false if the
// client is gone or too slow.
func (c *Client) enqueue(eventType string, payload any) bool {
	env, err := domain.NewEnvelope(eventType, payload)
	if err != nil {
		c.log.Error("encode frame", "type", eventType, "error", err)
		return false
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return false
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) sendError(code, msg string) {
	c.enqueue(domain.EventError, domain.ErrorPayload{Code: code, Message: msg})
}

// readPump decodes inbound frames and hands them to handle until the peer
// goes away.
func (c *Client) readPump(handle func(*Client, domain.Envelope)) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env domain.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read", "error", err)
			}
			return
		}
		handle(c, env)
	}
}

// writePump drains the send queue and keeps the peer alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
