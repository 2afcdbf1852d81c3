package usecase

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
)

type vectorResult struct {
	vector []float32
	err    error
}

// startQuestionEmbedding computes the question vector in the background
// so it overlaps the extraction stages. The computation deliberately
// outlives request cancellation: a late vector still lands in the cache
// for the next request.
func (u *AskUseCase) startQuestionEmbedding(ctx context.Context, question domain.Question) <-chan vectorResult {
	out := make(chan vectorResult, 1)
	background := context.WithoutCancel(ctx)
	go func() {
		vector, err := u.embeddings.QuestionVector(background, questionEmbeddingText(question))
		out <- vectorResult{vector: vector, err: err}
	}()
	return out
}

// questionEmbeddingText folds recent history into the question so the
// vector carries conversational context.
func questionEmbeddingText(question domain.Question) string {
	if len(question.History) == 0 {
		return question.Text
	}
	var b strings.Builder
	for _, turn := range question.History {
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	b.WriteString(question.Text)
	return b.String()
}

// applyEmbeddingScores re-ranks rows by cosine similarity against the
// question vector, racing the computation against the configured
// deadline. Losing the race keeps the unscored order and counts the
// loss; the in-flight computation is not cancelled, so its vectors still
// populate the cache. Scoring works on clones, never on the caller's
// rows.
func (u *AskUseCase) applyEmbeddingScores(ctx context.Context, cfg *domain.AssistantConfig, rows []domain.Row, fuzzyApplied bool, questionVec <-chan vectorResult) []domain.Row {
	if len(rows) == 0 {
		return rows
	}

	done := make(chan []domain.Row, 1)
	background := context.WithoutCancel(ctx)
	go func() {
		done <- u.scoreRowsByEmbedding(background, cfg, rows, fuzzyApplied, questionVec)
	}()

	var deadline <-chan time.Time
	if cfg.EmbeddingDeadline > 0 {
		timer := time.NewTimer(cfg.EmbeddingDeadline)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case scored := <-done:
		if scored == nil {
			return rows
		}
		return scored
	case <-deadline:
		u.observer.EmbeddingTooLate()
		return rows
	case <-ctx.Done():
		return rows
	}
}

func (u *AskUseCase) scoreRowsByEmbedding(ctx context.Context, cfg *domain.AssistantConfig, rows []domain.Row, fuzzyApplied bool, questionVec <-chan vectorResult) []domain.Row {
	question := <-questionVec
	if question.err != nil || len(question.vector) == 0 {
		if question.err != nil {
			u.logger.Warn("question embedding failed", "assistant", cfg.Name, "error", question.err)
		}
		return nil
	}

	scored := make([]domain.Row, len(rows))
	for i, row := range rows {
		scored[i] = row.Clone()
	}

	var wg sync.WaitGroup
	for _, row := range scored {
		wg.Add(1)
		go func(row domain.Row) {
			defer wg.Done()
			vector, err := u.embeddings.RowVector(ctx, row, cfg.KeyField)
			if err != nil {
				u.logger.Warn("row embedding failed",
					"assistant", cfg.Name,
					"key", row.Key(cfg.KeyField),
					"error", err,
				)
				return
			}
			score := cosineSimilarity(question.vector, vector) * cfg.EmbeddingWeight * 100
			if fuzzyApplied {
				row.SetSimilarity((row.Similarity() + score) / 2)
			} else {
				row.SetSimilarity(score)
			}
		}(row)
	}
	wg.Wait()

	domain.SortRowsBySimilarity(scored, cfg.KeyField)
	return scored
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
