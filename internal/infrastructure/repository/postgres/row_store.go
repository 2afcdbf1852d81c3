package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
	"github.com/kirillkom/table-ai-assistant/internal/infrastructure/cache"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// RowStore reads the flat relation and persists embedding vectors back
// into its side-channel column.
type RowStore struct {
	db              *sql.DB
	table           string
	keyField        string
	embeddingColumn string

	queryCache *cache.Reference[[]domain.Row]
}

type RowStoreOptions struct {
	Table           string
	KeyField        string
	EmbeddingColumn string
	// QueryCacheTTL bounds how long semantic-values lookups are reused.
	QueryCacheTTL time.Duration
}

func NewRowStore(db *sql.DB, opts RowStoreOptions) *RowStore {
	ttl := opts.QueryCacheTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RowStore{
		db:              db,
		table:           opts.Table,
		keyField:        opts.KeyField,
		embeddingColumn: opts.EmbeddingColumn,
		queryCache:      cache.NewReference[[]domain.Row](cache.Options{TTL: ttl}),
	}
}

func (s *RowStore) Close() { s.queryCache.Close() }

func (s *RowStore) Query(ctx context.Context, sqlText string, args []any) ([]domain.Row, error) {
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	out := make([]domain.Row, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := domain.NewRow()
		for i, column := range columns {
			row.Set(column, normalizeSQLValue(values[i]))
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// QueryCached is an idempotent read keyed by query text. Rows are
// cloned on the way out so callers can mutate them freely.
func (s *RowStore) QueryCached(ctx context.Context, sqlText string) ([]domain.Row, error) {
	cached, err := s.queryCache.GetOrCreate(ctx, sqlText, func(ctx context.Context) ([]domain.Row, error) {
		return s.Query(ctx, sqlText, nil)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Row, len(cached))
	for i, row := range cached {
		out[i] = row.Clone()
	}
	return out, nil
}

// SaveEmbedding writes a row's vector into the embedding side channel,
// keyed by the relation's primary key.
func (s *RowStore) SaveEmbedding(ctx context.Context, key string, vector []float32) error {
	if s.embeddingColumn == "" {
		return nil
	}
	payload, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	query := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = $2", s.table, s.embeddingColumn, s.keyField)
	if _, err := s.db.ExecContext(ctx, query, string(payload), key); err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	return nil
}

func normalizeSQLValue(value any) any {
	switch v := value.(type) {
	case []byte:
		return string(v)
	default:
		return v
	}
}
