package usecase

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
)

func answerTree(t *testing.T, payload string) any {
	t.Helper()
	var tree any
	if err := json.Unmarshal([]byte(payload), &tree); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return tree
}

func treeKeys(t *testing.T, tree any, path string) []string {
	t.Helper()
	var keys []string
	editAtPath(tree, path, func(items []any, leaf string) []any {
		for _, item := range items {
			if key, ok := leafKey(item, leaf); ok {
				keys = append(keys, key)
			}
		}
		return items
	})
	return keys
}

func TestDedupByKeyIsIdempotent(t *testing.T) {
	tree := answerTree(t, `{"Customers":[
		{"CustomerID":"a"},{"CustomerID":"b"},{"CustomerID":"a"},{"CustomerID":7},{"CustomerID":7.0}
	]}`)

	once := editAtPath(tree, "Customers.CustomerID", dedupByKey)
	first := treeKeys(t, once, "Customers.CustomerID")
	twice := editAtPath(once, "Customers.CustomerID", dedupByKey)
	second := treeKeys(t, twice, "Customers.CustomerID")

	if !reflect.DeepEqual(first, []string{"a", "b", "7"}) {
		t.Fatalf("dedup kept %v", first)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("dedup is not idempotent: %v vs %v", first, second)
	}
}

func TestDedupOnScalarCollection(t *testing.T) {
	tree := answerTree(t, `{"CustomerIDs":["a","b","a"]}`)
	out := editAtPath(tree, "CustomerIDs", dedupByKey)
	keys := treeKeys(t, out, "CustomerIDs")
	if !reflect.DeepEqual(keys, []string{"a", "b"}) {
		t.Fatalf("scalar dedup kept %v", keys)
	}
}

func TestAntiHallucinationSoundness(t *testing.T) {
	cfg := testConfig()
	u := newTestUseCase(t, cfg, testDeps{})
	rows := []domain.Row{
		domain.RowFromPairs("CustomerID", "a", "TotalCharges", 600.0),
		domain.RowFromPairs("CustomerID", "b", "TotalCharges", 900.0),
	}
	answer := &domain.Answer{
		JSON: answerTree(t, `{"Customers":[
			{"CustomerID":"a"},{"CustomerID":"ghost"},{"CustomerID":"b"},{"CustomerID":"other-ghost"}
		]}`),
		Structured: true,
	}

	if err := u.postProcess(context.Background(), cfg, domain.Question{Text: "q"}, answer, rows, domain.NewFilterSpec(), nil); err != nil {
		t.Fatalf("postProcess error: %v", err)
	}

	byKey := rowsByKey(rows, cfg.KeyField)
	kept := treeKeys(t, answer.JSON, cfg.KeyPath)
	if len(kept) != 2 {
		t.Fatalf("expected 2 surviving keys, got %v", kept)
	}
	for _, key := range kept {
		if _, ok := byKey[key]; !ok {
			t.Fatalf("hallucinated key %q survived", key)
		}
	}

	observer := u.observer.(*observerFake)
	if observer.hallScanned != 4 || observer.hallRemoved != 2 {
		t.Fatalf("metrics scanned=%d removed=%d", observer.hallScanned, observer.hallRemoved)
	}
}

func TestSuitabilityFilterRemovesFalseNodes(t *testing.T) {
	tree := answerTree(t, `{"Customers":[
		{"CustomerID":"a","Suitable":true},
		{"CustomerID":"b","Suitable":false},
		{"CustomerID":"c"}
	]}`)
	out := editAtPath(tree, "Customers.Suitable", dropUnsuitable)
	keys := treeKeys(t, out, "Customers.CustomerID")
	if !reflect.DeepEqual(keys, []string{"a", "c"}) {
		t.Fatalf("suitability kept %v", keys)
	}
}

func TestSortApplicationRoundTrip(t *testing.T) {
	rows := []domain.Row{
		domain.RowFromPairs("CustomerID", "x", "A", 3.0),
		domain.RowFromPairs("CustomerID", "y", "A", 1.0),
		domain.RowFromPairs("CustomerID", "z", "A", 2.0),
	}
	byKey := rowsByKey(rows, "CustomerID")
	cfg := testConfig()

	items := []any{
		map[string]any{"CustomerID": "x"},
		map[string]any{"CustomerID": "y"},
		map[string]any{"CustomerID": "z"},
	}

	asc := applySortOrder(items, "CustomerID", byKey, cfg, domain.SortSpec{{Field: "A", Direction: domain.SortAsc}})
	got := make([]string, len(asc))
	for i, item := range asc {
		got[i], _ = leafKey(item, "CustomerID")
	}
	if !reflect.DeepEqual(got, []string{"y", "z", "x"}) {
		t.Fatalf("ASC order %v", got)
	}

	desc := applySortOrder(asc, "CustomerID", byKey, cfg, domain.SortSpec{{Field: "A", Direction: domain.SortDesc}})
	for i, item := range desc {
		got[i], _ = leafKey(item, "CustomerID")
	}
	if !reflect.DeepEqual(got, []string{"x", "z", "y"}) {
		t.Fatalf("DESC order %v", got)
	}
}

func TestSortFallsBackToSimilarity(t *testing.T) {
	rows := []domain.Row{
		domain.RowFromPairs("CustomerID", "low"),
		domain.RowFromPairs("CustomerID", "high"),
	}
	rows[0].SetSimilarity(10)
	rows[1].SetSimilarity(90)
	byKey := rowsByKey(rows, "CustomerID")

	items := []any{
		map[string]any{"CustomerID": "low"},
		map[string]any{"CustomerID": "high"},
	}
	out := applySortOrder(items, "CustomerID", byKey, testConfig(), nil)
	first, _ := leafKey(out[0], "CustomerID")
	if first != "high" {
		t.Fatalf("expected similarity fallback to put high first, got %v", out)
	}
}

func TestFormatAnswerWhitelistAndCap(t *testing.T) {
	cfg := testConfig()
	cfg.SmartFormat = "Answer: {{.Answer}}"
	cfg.AllowedCharsPattern = `[A-Za-z0-9 :]`
	cfg.MaxAnswerLength = 12
	u := newTestUseCase(t, cfg, testDeps{})

	answer := &domain.Answer{Text: "héllo, wörld!"}
	u.formatAnswer(cfg, domain.Question{Text: "q"}, answer)
	if answer.Text != "Answer: hllo" {
		t.Fatalf("formatted answer %q", answer.Text)
	}
}
