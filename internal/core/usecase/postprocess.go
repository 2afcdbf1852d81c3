package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
	"github.com/kirillkom/table-ai-assistant/internal/core/ports"
)

const opRewrite = "rewrite"

// postProcess runs the fixed transformation chain over the semantic
// answer: suitability filter, soft re-scoring, anti-hallucination,
// de-duplication, sort application, optional LLM rewrite, templated
// rendering and formatting/truncation.
func (u *AskUseCase) postProcess(ctx context.Context, cfg *domain.AssistantConfig, question domain.Question, answer *domain.Answer, rows []domain.Row, spec *domain.FilterSpec, sortSpec domain.SortSpec) error {
	byKey := rowsByKey(rows, cfg.KeyField)

	if answer.JSON != nil && cfg.SuitabilityPath != "" {
		answer.JSON = editAtPath(answer.JSON, cfg.SuitabilityPath, dropUnsuitable)
	}

	if answer.JSON != nil && cfg.KeyPath != "" {
		if cfg.SoftFilter {
			answer.JSON = editAtPath(answer.JSON, cfg.KeyPath, func(items []any, leaf string) []any {
				return softReorder(items, leaf, byKey, cfg, spec)
			})
		}

		scanned, removed := 0, 0
		answer.JSON = editAtPath(answer.JSON, cfg.KeyPath, func(items []any, leaf string) []any {
			kept := items[:0]
			for _, item := range items {
				key, ok := leafKey(item, leaf)
				scanned++
				if !ok {
					removed++
					continue
				}
				if _, exists := byKey[key]; !exists {
					removed++
					continue
				}
				kept = append(kept, item)
			}
			return kept
		})
		u.observer.HallucinationCheck(scanned, removed)

		answer.JSON = editAtPath(answer.JSON, cfg.KeyPath, dedupByKey)

		answer.JSON = editAtPath(answer.JSON, cfg.KeyPath, func(items []any, leaf string) []any {
			return applySortOrder(items, leaf, byKey, cfg, sortSpec)
		})
	}

	if cfg.RewritePrompt != "" {
		if err := u.rewriteAnswer(ctx, cfg, question, answer); err != nil {
			return err
		}
	}

	if cfg.OutputTemplate != "" {
		if err := u.renderOutputTemplate(ctx, cfg, question, answer, rows, byKey, spec, sortSpec); err != nil {
			return err
		}
	}

	if answer.Text == "" && answer.JSON != nil {
		payload, err := json.Marshal(answer.JSON)
		if err != nil {
			return err
		}
		answer.Text = string(payload)
	}

	u.formatAnswer(cfg, question, answer)
	return nil
}

func rowsByKey(rows []domain.Row, keyField string) map[string]domain.Row {
	out := make(map[string]domain.Row, len(rows))
	for _, row := range rows {
		key := row.Key(keyField)
		if key == "" {
			continue
		}
		if _, dup := out[key]; !dup {
			out[key] = row
		}
	}
	return out
}

// dropUnsuitable removes elements whose addressed value is boolean
// false.
func dropUnsuitable(items []any, leaf string) []any {
	kept := items[:0]
	for _, item := range items {
		value, ok := leafValue(item, leaf)
		if ok {
			if suitable, isBool := value.(bool); isBool && !suitable {
				continue
			}
		}
		kept = append(kept, item)
	}
	return kept
}

// dedupByKey keeps the first occurrence of each distinct key value.
// Comparison is content based, never reference based.
func dedupByKey(items []any, leaf string) []any {
	seen := make(map[string]struct{}, len(items))
	kept := items[:0]
	for _, item := range items {
		key, ok := leafKey(item, leaf)
		if !ok {
			kept = append(kept, item)
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, item)
	}
	return kept
}

// softReorder re-scores answer entries by degree of match against the
// original filters instead of removing them, then reorders descending.
func softReorder(items []any, leaf string, byKey map[string]domain.Row, cfg *domain.AssistantConfig, spec *domain.FilterSpec) []any {
	scores := make([]float64, len(items))
	for i, item := range items {
		key, ok := leafKey(item, leaf)
		if !ok {
			continue
		}
		row, exists := byKey[key]
		if !exists {
			continue
		}
		scores[i] = matchDegree(row, cfg, spec)
	}
	indexes := make([]int, len(items))
	for i := range indexes {
		indexes[i] = i
	}
	sort.SliceStable(indexes, func(a, b int) bool {
		return scores[indexes[a]] > scores[indexes[b]]
	})
	out := make([]any, len(items))
	for i, idx := range indexes {
		out[i] = items[idx]
	}
	return out
}

// matchDegree counts how many filter constraints the row satisfies:
// numeric range containment and exact or array membership.
func matchDegree(row domain.Row, cfg *domain.AssistantConfig, spec *domain.FilterSpec) float64 {
	degree := 0.0
	for _, field := range cfg.Fields {
		value := spec.Field(field.Name)
		if value.Empty() {
			continue
		}
		raw, ok := row.Get(field.Name)
		if !ok || raw == nil {
			continue
		}
		if field.Numeric() {
			f, ok := domain.ToFloat(raw)
			if !ok {
				continue
			}
			if value.MinSet && f < value.Min {
				continue
			}
			if value.MaxSet && f > value.Max {
				continue
			}
			degree++
			continue
		}
		actual := rowFieldValues(row, field.Name)
		matched := false
		for _, wanted := range value.Values {
			wantedKey := domain.KeyString(wanted)
			for _, a := range actual {
				if strings.EqualFold(a, wantedKey) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if matched {
			degree++
		}
	}
	return degree
}

// applySortOrder removes and re-inserts answer entries in the order
// given by the sort spec over the full retrieved rows, falling back to
// descending similarity.
func applySortOrder(items []any, leaf string, byKey map[string]domain.Row, cfg *domain.AssistantConfig, sortSpec domain.SortSpec) []any {
	rowOf := func(item any) (domain.Row, bool) {
		key, ok := leafKey(item, leaf)
		if !ok {
			return domain.Row{}, false
		}
		row, exists := byKey[key]
		return row, exists
	}

	sort.SliceStable(items, func(a, b int) bool {
		rowA, okA := rowOf(items[a])
		rowB, okB := rowOf(items[b])
		if !okA || !okB {
			return false
		}
		for _, key := range sortSpec {
			valueA, _ := rowA.Get(key.Field)
			valueB, _ := rowB.Get(key.Field)
			cmp := compareValues(valueA, valueB)
			if cmp == 0 {
				continue
			}
			if key.Direction == domain.SortDesc {
				return cmp > 0
			}
			return cmp < 0
		}
		return rowA.Similarity() > rowB.Similarity()
	})
	return items
}

func compareValues(a, b any) int {
	fa, okA := domain.ToFloat(a)
	fb, okB := domain.ToFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(domain.KeyString(a), domain.KeyString(b))
}

// rewriteAnswer is the optional output-to-answer transform: one more
// agent call that reshapes the semantic answer into the caller's
// requested final form.
func (u *AskUseCase) rewriteAnswer(ctx context.Context, cfg *domain.AssistantConfig, question domain.Question, answer *domain.Answer) error {
	current := answer.Text
	if answer.JSON != nil {
		payload, err := json.Marshal(answer.JSON)
		if err != nil {
			return err
		}
		current = string(payload)
	}

	reply, err := u.agent.Request(ctx, ports.AgentRequest{
		Operation:      opRewrite,
		SystemPrompt:   cfg.RewritePrompt,
		Question:       question.Text + "\n\nAnswer:\n" + current,
		History:        question.History,
		ResponseSchema: question.Overrides.ResponseSchema,
		Timeout:        cfg.RequestTimeout,
		MaxRetries:     agentMaxRetries,
		MinDelay:       agentMinDelay,
		MaxDelay:       agentMaxDelay,
	})
	if err != nil {
		return err
	}
	if reply.IsRefusal {
		return domain.WrapError(domain.ErrRefusal, opRewrite, errors.New("rewrite refused"))
	}
	if reply.JSON != nil {
		answer.JSON = mapToAny(reply.JSON)
		answer.Text = ""
		answer.Structured = true
		return nil
	}
	answer.Text = reply.Text
	return nil
}

func mapToAny(m map[string]any) any { return any(m) }

// renderOutputTemplate evaluates the configured tree-transformation
// template with the full pipeline context in scope.
func (u *AskUseCase) renderOutputTemplate(ctx context.Context, cfg *domain.AssistantConfig, question domain.Question, answer *domain.Answer, rows []domain.Row, byKey map[string]domain.Row, spec *domain.FilterSpec, sortSpec domain.SortSpec) error {
	referenced := make(map[string]struct{})
	if answer.JSON != nil && cfg.KeyPath != "" {
		editAtPath(answer.JSON, cfg.KeyPath, func(items []any, leaf string) []any {
			for _, item := range items {
				if key, ok := leafKey(item, leaf); ok {
					referenced[key] = struct{}{}
				}
			}
			return items
		})
	}

	allRows := make([]any, 0, len(rows))
	restRows := make([]any, 0, len(rows))
	for _, row := range rows {
		content := row.ContentMap()
		allRows = append(allRows, content)
		if _, used := referenced[row.Key(cfg.KeyField)]; !used {
			restRows = append(restRows, content)
		}
	}

	filters := make(map[string]any, len(spec.Fields))
	for name, value := range spec.Fields {
		entry := map[string]any{}
		if len(value.Values) > 0 {
			entry["values"] = value.Values
		}
		if value.MinSet {
			entry["min"] = value.Min
		}
		if value.MaxSet {
			entry["max"] = value.Max
		}
		filters[name] = entry
	}

	sortEnv := make([]any, 0, len(sortSpec))
	for _, key := range sortSpec {
		sortEnv = append(sortEnv, map[string]any{
			"field":     key.Field,
			"direction": string(key.Direction),
		})
	}

	result, err := u.templates.Eval(ctx, cfg.OutputTemplate, map[string]any{
		"answer":   answer.JSON,
		"text":     answer.Text,
		"question": question.Text,
		"rows":     allRows,
		"rest":     restRows,
		"filters":  filters,
		"sort":     sortEnv,
		"get_full_row": func(key any) map[string]any {
			row, ok := byKey[domain.KeyString(key)]
			if !ok {
				return nil
			}
			return row.ContentMap()
		},
	})
	if err != nil {
		return err
	}
	if text, ok := result.(string); ok {
		answer.Text = text
		answer.JSON = nil
		answer.Structured = false
		return nil
	}
	answer.JSON = result
	answer.Text = ""
	answer.Structured = true
	return nil
}

// formatAnswer applies the optional string template, the character
// whitelist and the hard length cap. Formatting problems degrade to the
// unformatted text rather than failing the request.
func (u *AskUseCase) formatAnswer(cfg *domain.AssistantConfig, question domain.Question, answer *domain.Answer) {
	text := answer.Text

	if cfg.SmartFormat != "" {
		parsed, err := template.New("smart_format").Parse(cfg.SmartFormat)
		if err != nil {
			u.logger.Warn("smart format template invalid", "assistant", cfg.Name, "error", err)
		} else {
			var b strings.Builder
			data := struct {
				Answer   string
				Question string
			}{Answer: text, Question: question.Text}
			if err := parsed.Execute(&b, data); err != nil {
				u.logger.Warn("smart format render failed", "assistant", cfg.Name, "error", err)
			} else {
				text = b.String()
			}
		}
	}

	if cfg.AllowedCharsPattern != "" {
		// Pattern validity is checked at configuration load.
		if re, err := regexp.Compile(cfg.AllowedCharsPattern); err == nil {
			text = strings.Join(re.FindAllString(text, -1), "")
		}
	}

	if cfg.MaxAnswerLength > 0 {
		runes := []rune(text)
		if len(runes) > cfg.MaxAnswerLength {
			text = string(runes[:cfg.MaxAnswerLength])
		}
	}

	answer.Text = text
}
