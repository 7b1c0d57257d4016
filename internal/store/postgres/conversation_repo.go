package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"vibechat/internal/domain"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

// Create inserts the conversation and its participants in one transaction.
func (r *ConversationRepo) Create(ctx context.Context, c *domain.ConversationRecord, participantIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	created := toMillis(c.CreatedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, vibe_id, created_at) VALUES ($1, $2, $3)
	`, c.ID, c.VibeID, created); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for _, uid := range participantIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (user_id, conversation_id, joined_at) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, uid, c.ID, created); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.ConversationRecord, error) {
	return r.scan(r.db.QueryRowContext(ctx, `
		SELECT id, vibe_id, created_at FROM conversations WHERE id = $1
	`, id))
}

// FindForVibe returns the conversation about vibeID shared by both users.
func (r *ConversationRepo) FindForVibe(ctx context.Context, vibeID, userA, userB string) (*domain.ConversationRecord, error) {
	return r.scan(r.db.QueryRowContext(ctx, `
		SELECT c.id, c.vibe_id, c.created_at
		FROM conversations c
		JOIN conversation_participants pa ON pa.conversation_id = c.id AND pa.user_id = $1
		JOIN conversation_participants pb ON pb.conversation_id = c.id AND pb.user_id = $2
		WHERE c.vibe_id = $3
		ORDER BY c.created_at ASC
		LIMIT 1
	`, userA, userB, vibeID))
}

func (r *ConversationRepo) scan(row *sql.Row) (*domain.ConversationRecord, error) {
	c := &domain.ConversationRecord{}
	var created int64
	err := row.Scan(&c.ID, &c.VibeID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.CreatedAt = fromMillis(created)
	return c, nil
}
