package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Reserved row fields carry transient scoring state between pipeline
// stages. They are stripped before a row is rendered into a prompt or
// returned to the caller.
const (
	SimilarityField = "_similarity"
	FuzzyScoreField = "_fuzzy"
)

// Row is a retrieved record as an ordered key->value map. Column order
// from the row store is preserved so prompt renderings stay stable.
type Row struct {
	m *orderedmap.OrderedMap[string, any]
}

func NewRow() Row {
	return Row{m: orderedmap.New[string, any]()}
}

// RowFromPairs builds a row from alternating key/value arguments.
// Intended for tests and fixtures.
func RowFromPairs(pairs ...any) Row {
	row := NewRow()
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		row.Set(key, pairs[i+1])
	}
	return row
}

func (r Row) Set(key string, value any) {
	if r.m == nil {
		return
	}
	r.m.Set(key, value)
}

func (r Row) Get(key string) (any, bool) {
	if r.m == nil {
		return nil, false
	}
	return r.m.Get(key)
}

func (r Row) Delete(key string) {
	if r.m != nil {
		r.m.Delete(key)
	}
}

func (r Row) Len() int {
	if r.m == nil {
		return 0
	}
	return r.m.Len()
}

func (r Row) Keys() []string {
	if r.m == nil {
		return nil
	}
	keys := make([]string, 0, r.m.Len())
	for pair := r.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Key returns the row's identity value under the relation's key field,
// normalized to a string so identity comparison is content based.
func (r Row) Key(keyField string) string {
	value, ok := r.Get(keyField)
	if !ok || value == nil {
		return ""
	}
	return normalizeKey(value)
}

// KeyString renders any key-like value the same way Row.Key does, so
// keys inside structured answers compare equal to retrieved row keys.
func KeyString(value any) string {
	if value == nil {
		return ""
	}
	return normalizeKey(value)
}

func normalizeKey(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; render integers without a
		// fractional part so "7" and 7 compare equal.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case float32:
		return normalizeKey(float64(v))
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Clone deep-copies the row so concurrent stages never share mutable
// nested values.
func (r Row) Clone() Row {
	out := NewRow()
	if r.m == nil {
		return out
	}
	for pair := r.m.Oldest(); pair != nil; pair = pair.Next() {
		out.Set(pair.Key, cloneValue(pair.Value))
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []float32:
		out := make([]float32, len(v))
		copy(out, v)
		return out
	default:
		return v
	}
}

func (r Row) Similarity() float64 {
	value, ok := r.Get(SimilarityField)
	if !ok {
		return 0
	}
	f, _ := toFloat(value)
	return f
}

func (r Row) SetSimilarity(score float64) {
	r.Set(SimilarityField, score)
}

func (r Row) FuzzyScore() float64 {
	value, ok := r.Get(FuzzyScoreField)
	if !ok {
		return 0
	}
	f, _ := toFloat(value)
	return f
}

func (r Row) AddFuzzyScore(score float64) {
	r.Set(FuzzyScoreField, r.FuzzyScore()+score)
}

func (r Row) ClearFuzzyScore() {
	r.Delete(FuzzyScoreField)
}

// ToFloat widens any numeric JSON value to float64.
func ToFloat(value any) (float64, bool) {
	return toFloat(value)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ContentMap returns the row's payload without reserved scoring fields.
func (r Row) ContentMap() map[string]any {
	out := make(map[string]any, r.Len())
	if r.m == nil {
		return out
	}
	for pair := r.m.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == SimilarityField || pair.Key == FuzzyScoreField {
			continue
		}
		out[pair.Key] = pair.Value
	}
	return out
}

// ContentKeys lists payload keys in column order, reserved fields
// excluded.
func (r Row) ContentKeys() []string {
	keys := make([]string, 0, r.Len())
	for _, key := range r.Keys() {
		if key == SimilarityField || key == FuzzyScoreField {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// ContentHash is a field-order-independent hash over the row's JSON
// content. encoding/json sorts map keys, which makes the rendering
// canonical regardless of column order.
func (r Row) ContentHash() uint64 {
	payload, err := json.Marshal(r.ContentMap())
	if err != nil {
		return 0
	}
	return xxhash.Sum64(payload)
}

// ContentText renders the row as "key: value" lines for embedding.
func (r Row) ContentText() string {
	var b strings.Builder
	for _, key := range r.ContentKeys() {
		value, _ := r.Get(key)
		if value == nil {
			continue
		}
		fmt.Fprintf(&b, "%s: %v\n", key, value)
	}
	return b.String()
}

// MarshalJSON preserves column order, reserved fields excluded.
func (r Row) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for _, key := range r.ContentKeys() {
		value, _ := r.Get(key)
		if !first {
			b.WriteByte(',')
		}
		first = false
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		valueJSON, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(valueJSON)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// SortRowsBySimilarity orders rows by descending similarity, key order
// breaking ties so the result is deterministic.
func SortRowsBySimilarity(rows []Row, keyField string) {
	sort.SliceStable(rows, func(i, j int) bool {
		si, sj := rows[i].Similarity(), rows[j].Similarity()
		if si != sj {
			return si > sj
		}
		return rows[i].Key(keyField) < rows[j].Key(keyField)
	})
}
