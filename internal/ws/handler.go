package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"vibechat/internal/domain"
	"vibechat/internal/metrics"
	"vibechat/internal/service"
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin accepts requests without an Origin header (terminal
// clients) and browser requests from an allowed origin.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") && parts[1] != "" {
			return parts[1], nil
		}
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.User, error)
}

// Messenger is the message side of the chat service used by the handler.
type Messenger interface {
	CanJoin(ctx context.Context, conversationID, userID string) error
	Send(ctx context.Context, in service.SendInput) (*domain.Message, error)
}

type HandlerConfig struct {
	AllowedOrigins []string
	SendRate       float64
	SendBurst      int
}

// Handler serves the /ws endpoint.
//
// Inbound frames:
//   - joinConversation  -> membership check, then join the room
//   - leaveConversation -> leave the room
//   - sendMessage       -> store, then broadcast newMessage to the room
type Handler struct {
	hub         *Hub
	auth        Authenticator
	messages    Messenger
	metrics     *metrics.Metrics
	log         *slog.Logger
	cfg         HandlerConfig
	checkOrigin func(*http.Request) bool
	upgrader    websocket.Upgrader
}

func NewHandler(hub *Hub, auth Authenticator, messages Messenger, m *metrics.Metrics, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if cfg.SendRate <= 0 {
		cfg.SendRate = 5
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 10
	}
	checkOrigin := makeCheckOrigin(cfg.AllowedOrigins)
	return &Handler{
		hub:         hub,
		auth:        auth,
		messages:    messages,
		metrics:     m,
		log:         logger.With("component", "ws"),
		cfg:         cfg,
		checkOrigin: checkOrigin,
		upgrader: websocket.Upgrader{
			CheckOrigin:  checkOrigin,
			Subprotocols: []string{"bearer"},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	token, err := extractTokenFromWSRequest(r)
	if err != nil {
		var authErr wsAuthError
		if errors.As(err, &authErr) {
			http.Error(w, authErr.msg, authErr.status)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrForbidden):
			http.Error(w, "forbidden", http.StatusForbidden)
		case errors.Is(err, domain.ErrUnauthorized):
			http.Error(w, "invalid token", http.StatusUnauthorized)
		default:
			h.log.Error("authenticate", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade", "error", err)
		return
	}

	c := newClient(h.hub, conn, user, rate.NewLimiter(rate.Limit(h.cfg.SendRate), h.cfg.SendBurst), h.log)
	h.hub.Register(c)
	h.metrics.WSConnections.Inc()
	c.log.Info("connected")

	go c.writePump()
	c.enqueue(domain.EventConnected, domain.ConnectedPayload{UserID: user.ID})

	c.readPump(h.dispatch)
	h.metrics.WSConnections.Dec()
	c.log.Info("disconnected")
}

func (h *Handler) dispatch(c *Client, env domain.Envelope) {
	h.metrics.WSFrames.WithLabelValues(frameLabel(env.Type)).Inc()
	ctx := context.Background()

	switch env.Type {
	case domain.EventJoinConversation:
		var p domain.RoomPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.ConversationID == "" {
			c.sendError(domain.CodeBadRequest, "joinConversation requires conversationId")
			return
		}
		if err := h.messages.CanJoin(ctx, p.ConversationID, c.user.ID); err != nil {
			h.replyError(c, "join", err)
			return
		}
		h.hub.Join(p.ConversationID, c)
		c.log.Debug("joined", "conversation_id", p.ConversationID)

	case domain.EventLeaveConversation:
		var p domain.RoomPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.ConversationID == "" {
			c.sendError(domain.CodeBadRequest, "leaveConversation requires conversationId")
			return
		}
		h.hub.Leave(p.ConversationID, c)

	case domain.EventSendMessage:
		if !c.limiter.Allow() {
			h.metrics.RateLimited.Inc()
			c.sendError(domain.CodeRateLimited, "too many messages")
			return
		}
		var p domain.SendMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.ConversationID == "" {
			c.sendError(domain.CodeBadRequest, "sendMessage requires conversationId and content")
			return
		}
		msg, err := h.messages.Send(ctx, service.SendInput{
			ConversationID: p.ConversationID,
			SenderID:       c.user.ID,
			Content:        p.Content,
			Type:           p.Type,
			Payload:        p.Payload,
			ClientTempID:   p.ClientTempID,
		})
		if err != nil {
			h.replyError(c, "send", err)
			return
		}
		h.metrics.MessagesSent.Inc()

		out, err := domain.NewEnvelope(domain.EventNewMessage, msg)
		if err != nil {
			h.log.Error("encode message", "error", err)
			return
		}
		h.hub.BroadcastToRoom(p.ConversationID, out)
		// The sender still needs its echo when it has not joined the room.
		if !h.hub.InRoom(p.ConversationID, c) {
			c.enqueue(domain.EventNewMessage, msg)
		}

	default:
		c.log.Warn("unknown event type", "type", env.Type)
		c.sendError(domain.CodeBadRequest, fmt.Sprintf("unknown event %q", env.Type))
	}
}

// frameLabel keeps the metric label set bounded.
func frameLabel(eventType string) string {
	switch eventType {
	case domain.EventJoinConversation, domain.EventLeaveConversation, domain.EventSendMessage:
		return eventType
	}
	return "unknown"
}

func (h *Handler) replyError(c *Client, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		c.sendError(domain.CodeForbidden, "not a participant of this conversation")
	case errors.Is(err, domain.ErrUnauthorized):
		c.sendError(domain.CodeUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrNotFound):
		c.sendError(domain.CodeBadRequest, err.Error())
	default:
		c.log.Error(op, "error", err)
		c.sendError(domain.CodeInternal, "internal error")
	}
}
