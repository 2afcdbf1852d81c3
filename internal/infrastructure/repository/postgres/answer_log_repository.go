package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kirillkom/table-ai-assistant/internal/core/ports"
)

// AnswerLogRepository persists answered questions with a rolling
// expiry.
type AnswerLogRepository struct {
	db *sql.DB
}

func NewAnswerLogRepository(db *sql.DB) *AnswerLogRepository {
	return &AnswerLogRepository{db: db}
}

func (r *AnswerLogRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026083101)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS answer_log (
	id TEXT PRIMARY KEY,
	assistant TEXT NOT NULL,
	question TEXT NOT NULL,
	answer TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_answer_log_created_at ON answer_log (created_at);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure answer_log schema: %w", err)
	}
	return tx.Commit()
}

func (r *AnswerLogRepository) Insert(ctx context.Context, event ports.AnswerLogged) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO answer_log (id, assistant, question, answer, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO NOTHING
`, event.ID, event.Assistant, event.Question, event.Answer, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert answer log: %w", err)
	}
	return nil
}

func (r *AnswerLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM answer_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire answer log: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire answer log rows affected: %w", err)
	}
	return deleted, nil
}
