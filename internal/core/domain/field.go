package domain

type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
	FieldDouble  FieldType = "double"
	FieldArray   FieldType = "array"
)

type FuzzyFunc string

const (
	FuzzyRatio         FuzzyFunc = "ratio"
	FuzzyPartialRatio  FuzzyFunc = "partial_ratio"
	FuzzyTokenSetRatio FuzzyFunc = "token_set_ratio"
	FuzzyWeightedRatio FuzzyFunc = "weighted_ratio"
	FuzzyContains      FuzzyFunc = "contains"
	FuzzyEqual         FuzzyFunc = "equal"
	FuzzyExtractAll    FuzzyFunc = "extract_all"
	FuzzyExtractSorted FuzzyFunc = "extract_sorted"
)

func KnownFuzzyFunc(fn FuzzyFunc) bool {
	switch fn {
	case FuzzyRatio, FuzzyPartialRatio, FuzzyTokenSetRatio, FuzzyWeightedRatio,
		FuzzyContains, FuzzyEqual, FuzzyExtractAll, FuzzyExtractSorted:
		return true
	default:
		return false
	}
}

// FieldSpec describes one filterable/sortable column of the flat
// relation. Owned by configuration; the pipeline works on clones.
type FieldSpec struct {
	Name     string    `yaml:"name" json:"name"`
	Type     FieldType `yaml:"type" json:"type"`
	Multiple bool      `yaml:"multiple" json:"multiple"`

	Fuzzy       bool      `yaml:"fuzzy" json:"fuzzy"`
	FuzzyFunc   FuzzyFunc `yaml:"fuzzy_func" json:"fuzzy_func,omitempty"`
	FuzzyWeight float64   `yaml:"fuzzy_weight" json:"fuzzy_weight,omitempty"`
	// FuzzyOnly fields are matched after retrieval and never become
	// SQL filter clauses.
	FuzzyOnly bool `yaml:"fuzzy_only" json:"fuzzy_only,omitempty"`

	Choices     []string `yaml:"choices" json:"choices,omitempty"`
	ValuesQuery string   `yaml:"values_query" json:"values_query,omitempty"`
	CacheValues bool     `yaml:"cache_values" json:"cache_values,omitempty"`

	Sortable bool   `yaml:"sortable" json:"sortable"`
	Rules    string `yaml:"rules" json:"rules,omitempty"`
	IsKey    bool   `yaml:"is_key" json:"is_key"`
}

func (f FieldSpec) Numeric() bool {
	return f.Type == FieldInteger || f.Type == FieldDouble
}

// FilterValue holds the LLM-requested constraint for one field. The
// range pair is only meaningful when the matching Set flag is true;
// the flags are the "unspecified" sentinel.
type FilterValue struct {
	Values []any
	Min    float64
	MinSet bool
	Max    float64
	MaxSet bool
}

func (v *FilterValue) Empty() bool {
	return v == nil || (len(v.Values) == 0 && !v.MinSet && !v.MaxSet)
}

// FilterSpec is the structured retrieval request produced by the
// filter-extraction stage.
type FilterSpec struct {
	Fields         map[string]*FilterValue
	SearchDatabase bool
	RowLimit       int
}

func NewFilterSpec() *FilterSpec {
	return &FilterSpec{Fields: make(map[string]*FilterValue)}
}

func (s *FilterSpec) Field(name string) *FilterValue {
	if s == nil {
		return nil
	}
	return s.Fields[name]
}

type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
	SortNone SortDirection = "NONE"
)

type SortKey struct {
	Field     string
	Direction SortDirection
}

// SortSpec is the ordered list of sort instructions; NONE entries are
// dropped before the spec is built.
type SortSpec []SortKey

func (s SortSpec) Empty() bool { return len(s) == 0 }
