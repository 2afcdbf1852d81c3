package usecase

import (
	"testing"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
)

func fuzzyConfig(fn domain.FuzzyFunc, weight float64) *domain.AssistantConfig {
	cfg := testConfig()
	for i := range cfg.Fields {
		if cfg.Fields[i].Name == "Tariff" {
			cfg.Fields[i].FuzzyFunc = fn
			cfg.Fields[i].FuzzyWeight = weight
		}
	}
	return cfg
}

func TestApplyFuzzyScoresRanksMatches(t *testing.T) {
	cfg := fuzzyConfig(domain.FuzzyContains, 2)
	spec := domain.NewFilterSpec()
	spec.Fields["Tariff"] = &domain.FilterValue{Values: []any{"flat"}}

	rows := []domain.Row{
		domain.RowFromPairs("CustomerID", "miss", "Tariff", "flex plan"),
		domain.RowFromPairs("CustomerID", "hit", "Tariff", "Flat Rate monthly"),
	}
	if !applyFuzzyScores(cfg, spec, rows) {
		t.Fatal("expected fuzzy scoring to run")
	}

	if rows[0].Key(cfg.KeyField) != "hit" {
		t.Fatalf("matching row not ranked first: %v", rows[0].Key(cfg.KeyField))
	}
	if rows[0].Similarity() != 200 {
		t.Fatalf("similarity = %v, want contains score 100 * weight 2", rows[0].Similarity())
	}
	if _, stillThere := rows[0].Get(domain.FuzzyScoreField); stillThere {
		t.Fatal("transient fuzzy field not cleared")
	}
}

func TestApplyFuzzyScoresSkipsWithoutRequestedValues(t *testing.T) {
	cfg := fuzzyConfig(domain.FuzzyEqual, 1)
	rows := []domain.Row{domain.RowFromPairs("CustomerID", "a", "Tariff", "flat")}
	if applyFuzzyScores(cfg, domain.NewFilterSpec(), rows) {
		t.Fatal("fuzzy scoring ran without any requested values")
	}
	if rows[0].Similarity() != 0 {
		t.Fatalf("similarity mutated: %v", rows[0].Similarity())
	}
}

func TestFuzzyScoreFunctions(t *testing.T) {
	cases := []struct {
		fn     domain.FuzzyFunc
		wanted string
		actual string
		want   int
	}{
		{domain.FuzzyEqual, "Flat", " flat ", 100},
		{domain.FuzzyEqual, "flat", "flex", 0},
		{domain.FuzzyContains, "rate", "Flat Rate", 100},
		{domain.FuzzyContains, "rate", "flex", 0},
	}
	for _, tc := range cases {
		if got := fuzzyScore(tc.fn, tc.wanted, tc.actual); got != tc.want {
			t.Fatalf("%s(%q, %q) = %d, want %d", tc.fn, tc.wanted, tc.actual, got, tc.want)
		}
	}

	if got := fuzzyScore(domain.FuzzyRatio, "flat", "flat"); got != 100 {
		t.Fatalf("ratio of identical strings = %d", got)
	}
	if got := fuzzyScore(domain.FuzzyTokenSetRatio, "rate flat", "flat rate"); got != 100 {
		t.Fatalf("token set ratio of reordered tokens = %d", got)
	}
}
