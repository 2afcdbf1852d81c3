package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
	"github.com/kirillkom/table-ai-assistant/internal/core/ports"
)

const opSemanticFilter = "semantic_filter"

// SegmentCount bounds the fan-out between the configured minimum and
// maximum, growing with the row count.
func SegmentCount(rowCount, perSegment, minSegments, maxSegments int) int {
	if perSegment <= 0 {
		perSegment = 1
	}
	needed := (rowCount + perSegment - 1) / perSegment
	if needed < minSegments {
		needed = minSegments
	}
	if needed > maxSegments {
		needed = maxSegments
	}
	if needed < 1 {
		needed = 1
	}
	return needed
}

// DeterministicSplit partitions rows into segments by content hash so
// repeated runs over the same data distribute rows identically across
// process instances. Each row targets bucket hash mod segments and
// overflows circularly to the next non-full bucket; once every bucket is
// full the remaining rows are dropped.
func DeterministicSplit(rows []domain.Row, segments, perSegment int) [][]domain.Row {
	if segments <= 0 {
		return nil
	}
	if perSegment <= 0 {
		perSegment = 1
	}
	buckets := make([][]domain.Row, segments)
	filled := 0
	for _, row := range rows {
		if filled == segments {
			break
		}
		target := int(row.ContentHash() % uint64(segments))
		for probe := 0; probe < segments; probe++ {
			idx := (target + probe) % segments
			if len(buckets[idx]) >= perSegment {
				continue
			}
			buckets[idx] = append(buckets[idx], row)
			if len(buckets[idx]) == perSegment {
				filled++
			}
			break
		}
	}
	return buckets
}

// renderSegment turns one segment into prompt context in the configured
// format.
func renderSegment(rows []domain.Row, format domain.ContextFormat) (string, error) {
	switch format {
	case domain.ContextJSON:
		payload, err := json.Marshal(rows)
		if err != nil {
			return "", err
		}
		return string(payload), nil
	case domain.ContextMarkdown:
		return renderMarkdownTable(rows), nil
	default:
		return renderCompactTable(rows), nil
	}
}

func renderMarkdownTable(rows []domain.Row) string {
	if len(rows) == 0 {
		return ""
	}
	keys := rows[0].ContentKeys()
	var b strings.Builder
	b.WriteString("| " + strings.Join(keys, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(keys)) + "\n")
	for _, row := range rows {
		values := make([]string, len(keys))
		for i, key := range keys {
			value, _ := row.Get(key)
			values[i] = fmt.Sprintf("%v", value)
		}
		b.WriteString("| " + strings.Join(values, " | ") + " |\n")
	}
	return b.String()
}

// renderCompactTable is the token-efficient format: a header line of
// column names, then one pipe-delimited line per row.
func renderCompactTable(rows []domain.Row) string {
	if len(rows) == 0 {
		return ""
	}
	keys := rows[0].ContentKeys()
	var b strings.Builder
	b.WriteString(strings.Join(keys, "|") + "\n")
	for _, row := range rows {
		values := make([]string, len(keys))
		for i, key := range keys {
			value, _ := row.Get(key)
			values[i] = fmt.Sprintf("%v", value)
		}
		b.WriteString(strings.Join(values, "|") + "\n")
	}
	return b.String()
}

type segmentResult struct {
	value any
	err   error
}

// semanticFilter fans the ranked row set out to bounded-size agent
// calls and merges the per-segment answers in segment order. Failed
// segments are dropped as long as at least one survives.
func (u *AskUseCase) semanticFilter(ctx context.Context, cfg *domain.AssistantConfig, question domain.Question, rows []domain.Row) (any, error) {
	segments := DeterministicSplit(
		rows,
		SegmentCount(len(rows), cfg.SegmentRows, cfg.MinSegments, cfg.MaxSegments),
		cfg.SegmentRows,
	)
	schema := question.Overrides.ResponseSchema

	results := make([]segmentResult, len(segments))
	var wg sync.WaitGroup
	for i, segment := range segments {
		if len(segment) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, segment []domain.Row) {
			defer wg.Done()
			results[i] = u.filterSegment(ctx, cfg, question, segment, schema)
		}(i, segment)
	}
	wg.Wait()

	var (
		survivors []any
		firstErr  error
	)
	for i, result := range results {
		if len(segments[i]) == 0 {
			continue
		}
		if result.err != nil {
			u.observer.SegmentFailed()
			u.logger.Warn("segment failed",
				"assistant", cfg.Name,
				"segment", i,
				"error", result.err,
			)
			if firstErr == nil {
				firstErr = result.err
			}
			continue
		}
		survivors = append(survivors, result.value)
	}
	if len(survivors) == 0 {
		if firstErr == nil {
			firstErr = fmt.Errorf("no rows reached the agent")
		}
		return nil, domain.WrapError(domain.ErrAllSegmentsFailed, opSemanticFilter, firstErr)
	}

	return u.mergeSegments(ctx, cfg, question, survivors)
}

func (u *AskUseCase) filterSegment(ctx context.Context, cfg *domain.AssistantConfig, question domain.Question, segment []domain.Row, schema *domain.ResponseSchema) segmentResult {
	rendered, err := renderSegment(segment, cfg.ContextFormat)
	if err != nil {
		return segmentResult{err: err}
	}

	reply, err := u.agent.Request(ctx, ports.AgentRequest{
		Operation:      opSemanticFilter,
		SystemPrompt:   cfg.SemanticPrompt,
		Question:       question.Text + "\n\nRows:\n" + rendered,
		History:        question.History,
		ResponseSchema: schema,
		Timeout:        cfg.RequestTimeout,
		MaxRetries:     agentMaxRetries,
		MinDelay:       agentMinDelay,
		MaxDelay:       agentMaxDelay,
	})
	if err != nil {
		return segmentResult{err: err}
	}
	if reply.IsRefusal {
		return segmentResult{err: domain.WrapError(domain.ErrRefusal, opSemanticFilter, fmt.Errorf("segment refused"))}
	}
	if reply.JSON != nil {
		return segmentResult{value: reply.JSON}
	}
	// Path-based post-processing needs a tree; accept well-formed JSON
	// text even without a schema contract.
	if cfg.KeyPath != "" || cfg.SuitabilityPath != "" {
		var parsed any
		if err := json.Unmarshal([]byte(reply.Text), &parsed); err == nil {
			switch parsed.(type) {
			case map[string]any, []any:
				return segmentResult{value: parsed}
			}
		}
	}
	return segmentResult{value: reply.Text}
}

// mergeSegments folds survivor answers in segment order. A configured
// intro template seeds the accumulator; each segment then merges through
// the declarative merge template, or through structural concatenation
// when none is configured.
func (u *AskUseCase) mergeSegments(ctx context.Context, cfg *domain.AssistantConfig, question domain.Question, survivors []any) (any, error) {
	var acc any
	rest := survivors
	if cfg.IntroTemplate != "" {
		seeded, err := u.templates.Eval(ctx, cfg.IntroTemplate, map[string]any{
			"question": question.Text,
			"segments": len(survivors),
		})
		if err != nil {
			return nil, fmt.Errorf("intro template: %w", err)
		}
		acc = seeded
	} else {
		acc = survivors[0]
		rest = survivors[1:]
	}

	for i, segment := range rest {
		if cfg.MergeTemplate == "" {
			acc = defaultMerge(acc, segment)
			continue
		}
		merged, err := u.templates.Eval(ctx, cfg.MergeTemplate, map[string]any{
			"acc":   acc,
			"seg":   segment,
			"index": i,
		})
		if err != nil {
			return nil, fmt.Errorf("merge template: %w", err)
		}
		acc = merged
	}
	return acc, nil
}

// defaultMerge concatenates like shapes: strings join with a newline,
// arrays append, and maps union with array members concatenated.
func defaultMerge(acc, segment any) any {
	switch a := acc.(type) {
	case nil:
		return segment
	case string:
		if s, ok := segment.(string); ok {
			return a + "\n" + s
		}
	case []any:
		if s, ok := segment.([]any); ok {
			return append(a, s...)
		}
	case map[string]any:
		if s, ok := segment.(map[string]any); ok {
			for key, value := range s {
				existing, ok := a[key]
				if !ok {
					a[key] = value
					continue
				}
				left, leftOK := existing.([]any)
				right, rightOK := value.([]any)
				if leftOK && rightOK {
					a[key] = append(left, right...)
				}
			}
			return a
		}
	}
	return acc
}
