package ports

import (
	"context"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
)

// Asker answers a natural-language question against the flat relation.
type Asker interface {
	Ask(ctx context.Context, question domain.Question) (*domain.Answer, error)
}
