package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL for the chat schema. Timestamps are unix
// milliseconds so both stores share one representation.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id               TEXT         PRIMARY KEY,
			username         VARCHAR(50)  UNIQUE NOT NULL,
			hashed_password  VARCHAR(255) NOT NULL,
			is_active        BOOLEAN      NOT NULL DEFAULT TRUE,
			created_at       BIGINT       NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vibes (
			id         TEXT         PRIMARY KEY,
			owner_id   TEXT         NOT NULL REFERENCES users(id),
			title      VARCHAR(200) NOT NULL,
			created_at BIGINT       NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT   PRIMARY KEY,
			vibe_id    TEXT   NOT NULL REFERENCES vibes(id),
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			user_id         TEXT   NOT NULL REFERENCES users(id),
			conversation_id TEXT   NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			joined_at       BIGINT NOT NULL,
			PRIMARY KEY (user_id, conversation_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT        PRIMARY KEY,
			conversation_id TEXT        NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       TEXT        NOT NULL REFERENCES users(id),
			content         TEXT        NOT NULL,
			type            VARCHAR(16) NOT NULL DEFAULT 'text',
			payload         JSONB,
			created_at      BIGINT      NOT NULL,
			is_read         BOOLEAN     NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vibes_owner ON vibes(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_vibe ON conversations(vibe_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_conv ON conversation_participants(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at DESC, id DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
