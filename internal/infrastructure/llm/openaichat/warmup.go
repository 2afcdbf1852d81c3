package openaichat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
	"github.com/kirillkom/table-ai-assistant/internal/core/ports"
)

// Warmer pre-primes structured-output contracts so the first real call
// for a slot does not pay schema setup cost. Warm-ups are fire-and-
// forget and debounced per slot.
type Warmer struct {
	client   *Client
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	slots map[string]*rate.Limiter
}

func NewWarmer(client *Client, interval time.Duration, logger *slog.Logger) *Warmer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Warmer{
		client:   client,
		interval: interval,
		logger:   logger,
		slots:    make(map[string]*rate.Limiter),
	}
}

func (w *Warmer) Warm(slot string, schema *domain.ResponseSchema) {
	if schema == nil || !w.allow(slot) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err := w.client.Request(ctx, ports.AgentRequest{
			Operation:           "warmup:" + slot,
			Question:            "ok",
			ResponseSchema:      schema,
			MaxCompletionTokens: 16,
		})
		if err != nil {
			w.logger.Debug("schema warm-up failed", "slot", slot, "error", err)
		}
	}()
}

func (w *Warmer) allow(slot string) bool {
	w.mu.Lock()
	limiter, ok := w.slots[slot]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(w.interval), 1)
		w.slots[slot] = limiter
	}
	w.mu.Unlock()
	return limiter.Allow()
}
