package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// MessageType distinguishes plain text from structured offers.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeOffer MessageType = "offer"
)

// DeliveryState tracks a message from local submission to server confirmation.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is a single chat message as seen by the client and sent on the wire.
// ID is empty while the message is pending; ClientTempID correlates a pending
// message with its echo.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Content        string          `json:"content"`
	Type           MessageType     `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	IsRead         bool            `json:"isRead"`
	DeliveryState  DeliveryState   `json:"deliveryState,omitempty"`
	ClientTempID   string          `json:"clientTempId,omitempty"`
}

// Local reports whether the message was originated by this client and has
// not been confirmed yet.
func (m *Message) Local() bool {
	return m.DeliveryState == DeliveryPending || m.DeliveryState == DeliveryFailed
}

// Before reports whether m sorts before o by (CreatedAt, ID).
func (m *Message) Before(o *Message) bool {
	return CompareMessages(m, o) < 0
}

// CompareMessages orders messages by CreatedAt, then ID lexically.
func CompareMessages(a, b *Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Participant is the other party of a conversation.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Vibe is the item a conversation was started about.
type Vibe struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// History is one page of durable conversation history.
type History struct {
	Messages    []Message    `json:"messages"`
	Participant *Participant `json:"participant"`
	Vibe        *Vibe        `json:"vibe"`
}

// Conversation describes the active conversation. UnreadCount and
// LastMessage are derived from the message log, never stored.
type Conversation struct {
	ID               string   `json:"id"`
	ParticipantID    string   `json:"participantId"`
	AssociatedItemID string   `json:"associatedItemId"`
	UnreadCount      int      `json:"unreadCount"`
	LastMessage      *Message `json:"lastMessage,omitempty"`
}

// User represents a backend account.
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	HashedPassword string    `json:"-"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationRecord is the backend row for a conversation.
type ConversationRecord struct {
	ID        string
	VibeID    string
	CreatedAt time.Time
}
