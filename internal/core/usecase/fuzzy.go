package usecase

import (
	"fmt"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
)

// applyFuzzyScores re-ranks rows against the array-valued filter entries
// of fuzzy-enabled fields. Scores accumulate weighted into the transient
// fuzzy field; once every field is processed the total folds additively
// into the similarity score and rows sort descending.
func applyFuzzyScores(cfg *domain.AssistantConfig, spec *domain.FilterSpec, rows []domain.Row) bool {
	scored := false
	for _, field := range cfg.Fields {
		if !field.Fuzzy {
			continue
		}
		requested := spec.Field(field.Name)
		if requested.Empty() || len(requested.Values) == 0 {
			continue
		}
		weight := field.FuzzyWeight
		if weight <= 0 {
			weight = 1
		}
		wanted := make([]string, 0, len(requested.Values))
		for _, value := range requested.Values {
			wanted = append(wanted, fmt.Sprintf("%v", value))
		}
		for _, row := range rows {
			best := bestFuzzyScore(field.FuzzyFunc, wanted, rowFieldValues(row, field.Name))
			if best > 0 {
				row.AddFuzzyScore(float64(best) * weight)
				scored = true
			}
		}
	}
	if !scored {
		return false
	}
	for _, row := range rows {
		row.SetSimilarity(row.Similarity() + row.FuzzyScore())
		row.ClearFuzzyScore()
	}
	domain.SortRowsBySimilarity(rows, cfg.KeyField)
	return true
}

func rowFieldValues(row domain.Row, field string) []string {
	raw, ok := row.Get(field)
	if !ok || raw == nil {
		return nil
	}
	if items, ok := raw.([]any); ok {
		out := make([]string, 0, len(items))
		for _, item := range items {
			if item != nil {
				out = append(out, fmt.Sprintf("%v", item))
			}
		}
		return out
	}
	return []string{fmt.Sprintf("%v", raw)}
}

// bestFuzzyScore is the maximum score of any requested value against any
// of the row's values for the field. The extract variants behave as a
// batch weighted-ratio scorer per row.
func bestFuzzyScore(fn domain.FuzzyFunc, wanted, actual []string) int {
	best := 0
	for _, w := range wanted {
		for _, a := range actual {
			if score := fuzzyScore(fn, w, a); score > best {
				best = score
			}
		}
	}
	return best
}

func fuzzyScore(fn domain.FuzzyFunc, wanted, actual string) int {
	switch fn {
	case domain.FuzzyRatio:
		return fuzzy.Ratio(wanted, actual)
	case domain.FuzzyPartialRatio:
		return fuzzy.PartialRatio(wanted, actual)
	case domain.FuzzyTokenSetRatio:
		return fuzzy.TokenSetRatio(wanted, actual)
	case domain.FuzzyWeightedRatio, domain.FuzzyExtractAll, domain.FuzzyExtractSorted:
		return fuzzy.WRatio(wanted, actual)
	case domain.FuzzyContains:
		if strings.Contains(strings.ToLower(actual), strings.ToLower(wanted)) {
			return 100
		}
		return 0
	case domain.FuzzyEqual:
		if strings.EqualFold(strings.TrimSpace(wanted), strings.TrimSpace(actual)) {
			return 100
		}
		return 0
	default:
		return 0
	}
}
