package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"vibechat/internal/domain"
)

type VibeRepo struct {
	db *sql.DB
}

func NewVibeRepo(db *sql.DB) *VibeRepo {
	return &VibeRepo{db: db}
}

var _ domain.VibeRepository = (*VibeRepo)(nil)

func (r *VibeRepo) Create(ctx context.Context, v *domain.Vibe) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vibes (id, owner_id, title, created_at) VALUES (?, ?, ?, ?)
	`, v.ID, v.OwnerID, v.Title, toMillis(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert vibe: %w", err)
	}
	return nil
}

func (r *VibeRepo) GetByID(ctx context.Context, id string) (*domain.Vibe, error) {
	v := &domain.Vibe{}
	var created int64
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, created_at FROM vibes WHERE id = ?
	`, id).Scan(&v.ID, &v.OwnerID, &v.Title, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vibe: %w", err)
	}
	v.CreatedAt = fromMillis(created)
	return v, nil
}
