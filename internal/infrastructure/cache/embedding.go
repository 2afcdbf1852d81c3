package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
	"github.com/kirillkom/table-ai-assistant/internal/core/ports"
)

// EmbeddingCache serves row and question vectors through a coalescing
// reference cache. New row vectors are asynchronously persisted back to
// the row store so future requests skip the provider round-trip.
type EmbeddingCache struct {
	ref      *Reference[[]float32]
	provider ports.EmbeddingProvider
	store    ports.RowStore
	model    string
	logger   *slog.Logger

	// lookupTotal has a "result" label ("hit"/"miss"), passed in by the
	// metrics owner.
	lookupTotal *prometheus.CounterVec
}

type EmbeddingCacheOptions struct {
	Model       string
	IdleTimeout time.Duration
	TTL         time.Duration
	LookupTotal *prometheus.CounterVec
}

func NewEmbeddingCache(
	provider ports.EmbeddingProvider,
	store ports.RowStore,
	logger *slog.Logger,
	opts EmbeddingCacheOptions,
) *EmbeddingCache {
	return &EmbeddingCache{
		ref: NewReference[[]float32](Options{
			IdleTimeout: opts.IdleTimeout,
			TTL:         opts.TTL,
		}),
		provider:    provider,
		store:       store,
		model:       opts.Model,
		logger:      logger,
		lookupTotal: opts.LookupTotal,
	}
}

func (c *EmbeddingCache) Close() { c.ref.Close() }

func (c *EmbeddingCache) RowVector(ctx context.Context, row domain.Row, keyField string) ([]float32, error) {
	key := rowCacheKey(row)
	if vec, ok := c.ref.Get(key); ok {
		c.observe("hit")
		return vec, nil
	}
	c.observe("miss")

	return c.ref.GetOrCreate(ctx, key, func(ctx context.Context) ([]float32, error) {
		vec, err := c.provider.Embed(ctx, c.model, row.ContentText())
		if err != nil {
			return nil, fmt.Errorf("embed row: %w", err)
		}
		c.persist(row.Key(keyField), vec)
		return vec, nil
	})
}

func (c *EmbeddingCache) QuestionVector(ctx context.Context, text string) ([]float32, error) {
	key := "q:" + strconv.FormatUint(xxhash.Sum64String(text), 16)
	return c.ref.GetOrCreate(ctx, key, func(ctx context.Context) ([]float32, error) {
		vec, err := c.provider.Embed(ctx, c.model, text)
		if err != nil {
			return nil, fmt.Errorf("embed question: %w", err)
		}
		return vec, nil
	})
}

// Preload seeds the cache with a vector loaded off the row store during
// retrieval.
func (c *EmbeddingCache) Preload(row domain.Row, vector []float32) {
	if len(vector) == 0 {
		return
	}
	c.ref.Put(rowCacheKey(row), vector)
}

func (c *EmbeddingCache) persist(rowKey string, vec []float32) {
	if c.store == nil || rowKey == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.store.SaveEmbedding(ctx, rowKey, vec); err != nil {
			c.logger.Warn("embedding write-back failed", "row_key", rowKey, "error", err)
		}
	}()
}

func (c *EmbeddingCache) observe(result string) {
	if c.lookupTotal != nil {
		c.lookupTotal.WithLabelValues(result).Inc()
	}
}

func rowCacheKey(row domain.Row) string {
	return "r:" + strconv.FormatUint(row.ContentHash(), 16)
}
