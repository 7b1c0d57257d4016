package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"vibechat/internal/domain"
)

// ConversationService starts conversations about vibes and serves history.
type ConversationService struct {
	vibes         domain.VibeRepository
	conversations domain.ConversationRepository
	participants  domain.ParticipantRepository
	messages      *MessageService
	maxLimit      int
}

func NewConversationService(
	vibes domain.VibeRepository,
	conversations domain.ConversationRepository,
	participants domain.ParticipantRepository,
	messages *MessageService,
	maxLimit int,
) *ConversationService {
	return &ConversationService{
		vibes:         vibes,
		conversations: conversations,
		participants:  participants,
		messages:      messages,
		maxLimit:      maxLimit,
	}
}

func (s *ConversationService) CreateVibe(ctx context.Context, ownerID, title string) (*domain.Vibe, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("title is required: %w", domain.ErrInvalidInput)
	}
	v := &domain.Vibe{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.vibes.Create(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// StartForVibe returns the conversation between userID and the vibe's
// owner, creating it on first contact.
func (s *ConversationService) StartForVibe(ctx context.Context, vibeID, userID string) (string, error) {
	vibe, err := s.vibes.GetByID(ctx, vibeID)
	if err != nil {
		return "", fmt.Errorf("get vibe: %w", err)
	}
	if vibe == nil {
		return "", fmt.Errorf("vibe %s: %w", vibeID, domain.ErrNotFound)
	}
	if vibe.OwnerID == userID {
		return "", fmt.Errorf("cannot start a conversation about your own vibe: %w", domain.ErrInvalidInput)
	}

	existing, err := s.conversations.FindForVibe(ctx, vibeID, userID, vibe.OwnerID)
	if err != nil {
		return "", fmt.Errorf("find conversation: %w", err)
	}
	if existing != nil {
		return existing.ID, nil
	}

	conv := &domain.ConversationRecord{
		ID:        uuid.NewString(),
		VibeID:    vibeID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.conversations.Create(ctx, conv, []string{userID, vibe.OwnerID}); err != nil {
		return "", err
	}
	return conv.ID, nil
}

// History returns one page of messages, newest first, with the other
// participant and the vibe.
func (s *ConversationService) History(ctx context.Context, conversationID, userID string, limit, offset int) (*domain.History, error) {
	if limit <= 0 || limit > s.maxLimit {
		limit = s.maxLimit
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative: %w", domain.ErrInvalidInput)
	}

	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}

	users, err := s.participants.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	h := &domain.History{Messages: []domain.Message{}}
	member := false
	for _, u := range users {
		if u.ID == userID {
			member = true
		} else if h.Participant == nil {
			h.Participant = &domain.Participant{ID: u.ID, Username: u.Username}
		}
	}
	if !member {
		return nil, domain.ErrForbidden
	}

	if h.Vibe, err = s.vibes.GetByID(ctx, conv.VibeID); err != nil {
		return nil, fmt.Errorf("get vibe: %w", err)
	}

	msgs, err := s.messages.List(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	h.Messages = msgs
	return h, nil
}
