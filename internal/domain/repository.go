package domain

import (
	"context"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
}

// VibeRepository defines persistence operations for vibes.
type VibeRepository interface {
	Create(ctx context.Context, v *Vibe) error
	GetByID(ctx context.Context, id string) (*Vibe, error)
}

// ConversationRepository defines persistence operations for conversations.
type ConversationRepository interface {
	Create(ctx context.Context, c *ConversationRecord, participantIDs []string) error
	GetByID(ctx context.Context, id string) (*ConversationRecord, error)
	FindForVibe(ctx context.Context, vibeID, userA, userB string) (*ConversationRecord, error)
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	// ListForConversation returns messages newest first.
	ListForConversation(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error)
	MarkRead(ctx context.Context, id string) error
}

// ParticipantRepository defines operations around conversation participants.
type ParticipantRepository interface {
	ListParticipants(ctx context.Context, conversationID string) ([]*User, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}
