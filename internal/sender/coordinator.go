// Package sender turns user submissions into pending messages, transmits
// them on the live channel and expires those whose echo never arrives.
package sender

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"vibechat/internal/domain"
	"vibechat/internal/msgstore"
)

// Transport transmits one outbound live event.
type Transport interface {
	Send(event string, payload any) error
}

// Coordinator is owned by the session loop together with the store it
// writes to. Timer expiry is reported through the onTimeout callback, which
// runs on the timer goroutine and must hand the temp id back to the owner
// loop; the loop then calls Expire.
type Coordinator struct {
	self      string
	timeout   time.Duration
	conn      Transport
	store     *msgstore.Store
	onTimeout func(tempID string)
	logger    *slog.Logger

	newID  func() string
	now    func() time.Time
	timers map[string]*time.Timer
}

func New(selfID string, conn Transport, store *msgstore.Store, timeout time.Duration, onTimeout func(tempID string), logger *slog.Logger) *Coordinator {
	return &Coordinator{
		self:      selfID,
		timeout:   timeout,
		conn:      conn,
		store:     store,
		onTimeout: onTimeout,
		logger:    logger.With("component", "sender"),
		newID:     uuid.NewString,
		now:       time.Now,
		timers:    make(map[string]*time.Timer),
	}
}

// Submit sends a text message and returns its client temp id. The
// conversation must be the one the store is scoped to.
func (c *Coordinator) Submit(conversationID, content string) (string, error) {
	return c.submit(conversationID, content, domain.MessageTypeText, nil)
}

// SubmitOffer sends a structured offer with an optional JSON payload.
func (c *Coordinator) SubmitOffer(conversationID, content string, payload json.RawMessage) (string, error) {
	return c.submit(conversationID, content, domain.MessageTypeOffer, payload)
}

func (c *Coordinator) submit(conversationID, content string, typ domain.MessageType, payload json.RawMessage) (string, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return "", domain.ErrEmptyContent
	}
	if conversationID == "" || conversationID != c.store.ConversationID() {
		return "", fmt.Errorf("submit to %q: conversation is not active: %w", conversationID, domain.ErrInvalidInput)
	}

	tempID := c.newID()
	msg := domain.Message{
		ConversationID: conversationID,
		SenderID:       c.self,
		Content:        text,
		Type:           typ,
		Payload:        payload,
		CreatedAt:      c.now().UTC(),
		ClientTempID:   tempID,
	}
	if err := c.store.IngestSent(msg); err != nil {
		return "", err
	}

	err := c.conn.Send(domain.EventSendMessage, domain.SendMessagePayload{
		ConversationID: conversationID,
		Content:        text,
		Type:           typ,
		Payload:        payload,
		ClientTempID:   tempID,
	})
	if err != nil {
		c.store.MarkFailed(tempID)
		c.logger.Warn("send failed", "temp_id", tempID, "error", err)
		return tempID, fmt.Errorf("send message: %w", err)
	}

	c.timers[tempID] = time.AfterFunc(c.timeout, func() { c.onTimeout(tempID) })
	return tempID, nil
}

// Resolve stops the timer of a message whose echo arrived.
func (c *Coordinator) Resolve(tempID string) {
	if t, ok := c.timers[tempID]; ok {
		t.Stop()
		delete(c.timers, tempID)
	}
}

// Expire marks a still-pending message failed. It reports false when the
// echo won the race or the message is unknown.
func (c *Coordinator) Expire(tempID string) bool {
	delete(c.timers, tempID)
	if !c.store.MarkFailed(tempID) {
		return false
	}
	c.logger.Info("send timed out", "temp_id", tempID, "timeout", c.timeout)
	return true
}

// Retry removes a failed message and submits its content again under a
// fresh temp id.
func (c *Coordinator) Retry(tempID string) (string, error) {
	m, ok := c.store.RemoveFailed(tempID)
	if !ok {
		return "", fmt.Errorf("retry %s: %w", tempID, domain.ErrNotFound)
	}
	return c.submit(m.ConversationID, m.Content, m.Type, m.Payload)
}

// Pending returns the number of armed timers.
func (c *Coordinator) Pending() int {
	return len(c.timers)
}

// Stop cancels every timer.
func (c *Coordinator) Stop() {
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}
