package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"vibechat/internal/domain"
	"vibechat/internal/security"
)

const maxContentRunes = 4000

type MessageService struct {
	participants domain.ParticipantRepository
	messages     domain.MessageRepository
	encryptor    *security.Encryptor
	now          func() time.Time
}

func NewMessageService(
	participants domain.ParticipantRepository,
	messages domain.MessageRepository,
	encryptor *security.Encryptor,
) *MessageService {
	return &MessageService{
		participants: participants,
		messages:     messages,
		encryptor:    encryptor,
		now:          time.Now,
	}
}

type SendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           domain.MessageType
	Payload        json.RawMessage
	ClientTempID   string
}

// Send stores a message and returns it in plaintext with the sender's
// client temp id attached, ready to broadcast.
func (s *MessageService) Send(ctx context.Context, in SendInput) (*domain.Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, fmt.Errorf("content is required: %w", domain.ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		return nil, fmt.Errorf("content exceeds %d characters: %w", maxContentRunes, domain.ErrInvalidInput)
	}
	switch in.Type {
	case "":
		in.Type = domain.MessageTypeText
	case domain.MessageTypeText, domain.MessageTypeOffer:
	default:
		return nil, fmt.Errorf("unknown message type %q: %w", in.Type, domain.ErrInvalidInput)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return nil, fmt.Errorf("payload is not valid JSON: %w", domain.ErrInvalidInput)
	}

	if err := s.requireParticipant(ctx, in.ConversationID, in.SenderID); err != nil {
		return nil, err
	}

	sealed, err := s.encryptor.Encrypt(in.ConversationID, content)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        sealed,
		Type:           in.Type,
		Payload:        in.Payload,
		CreatedAt:      s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, err
	}

	m.Content = content
	m.ClientTempID = in.ClientTempID
	m.DeliveryState = domain.DeliveryConfirmed
	return m, nil
}

// List returns decrypted messages newest first.
func (s *MessageService) List(ctx context.Context, conversationID string, limit, offset int) ([]domain.Message, error) {
	rows, err := s.messages.ListForConversation(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(rows))
	for _, m := range rows {
		plain, err := s.encryptor.Decrypt(m.ConversationID, m.Content)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		m.Content = plain
		out = append(out, *m)
	}
	return out, nil
}

// MarkRead records that userID has read a message from the other party.
func (s *MessageService) MarkRead(ctx context.Context, messageID, userID string) error {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if m == nil {
		return fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	if err := s.requireParticipant(ctx, m.ConversationID, userID); err != nil {
		return err
	}
	if m.SenderID == userID {
		return fmt.Errorf("cannot mark own message read: %w", domain.ErrInvalidInput)
	}
	if m.IsRead {
		return nil
	}
	return s.messages.MarkRead(ctx, messageID)
}

// CanJoin reports whether userID may subscribe to the conversation.
func (s *MessageService) CanJoin(ctx context.Context, conversationID, userID string) error {
	return s.requireParticipant(ctx, conversationID, userID)
}

func (s *MessageService) requireParticipant(ctx context.Context, conversationID, userID string) error {
	ok, err := s.participants.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrForbidden
	}
	return nil
}
