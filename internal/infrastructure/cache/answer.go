package cache

import (
	"context"
	"time"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
)

// AnswerCache is a short-lived whole-answer cache keyed by question.
type AnswerCache struct {
	ref *Reference[*domain.Answer]
}

func NewAnswerCache(ttl, sweepInterval time.Duration) *AnswerCache {
	if sweepInterval <= 0 {
		sweepInterval = ttl / 2
	}
	return &AnswerCache{
		ref: NewReference[*domain.Answer](Options{
			TTL:           ttl,
			SweepInterval: sweepInterval,
		}),
	}
}

func (c *AnswerCache) Close() { c.ref.Close() }

func (c *AnswerCache) Get(key string) (*domain.Answer, bool) {
	answer, ok := c.ref.Get(key)
	if !ok {
		return nil, false
	}
	// Callers mutate answers in place; never hand out the cached copy.
	return answer.Clone(), true
}

func (c *AnswerCache) Put(key string, answer *domain.Answer) {
	c.ref.Put(key, answer.Clone())
}

// GetOrCreate computes the answer for key at most once across
// concurrent callers; late arrivals await the in-flight computation
// instead of running their own. create reports whether its answer is
// cacheable; degraded answers pass false and are shared with coalesced
// callers without being stored. The returned flag mirrors cacheability
// and is true for answers served from the cache. Every caller receives
// its own clone.
func (c *AnswerCache) GetOrCreate(ctx context.Context, key string, create func(context.Context) (*domain.Answer, bool, error)) (*domain.Answer, bool, error) {
	answer, stored, err := c.ref.GetOrCreateIf(ctx, key, func(ctx context.Context) (*domain.Answer, bool, error) {
		answer, cacheable, err := create(ctx)
		if err != nil {
			return nil, false, err
		}
		return answer.Clone(), cacheable, nil
	})
	if err != nil {
		return nil, false, err
	}
	return answer.Clone(), stored, nil
}
