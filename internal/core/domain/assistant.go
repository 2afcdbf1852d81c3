package domain

import (
	"fmt"
	"regexp"
	"time"
)

type ContextFormat string

const (
	ContextJSON     ContextFormat = "json"
	ContextMarkdown ContextFormat = "markdown"
	ContextCompact  ContextFormat = "compact"
)

// AssistantConfig is the full definition of one assistant over one flat
// relation. The active instance is published as an immutable snapshot;
// every request works on a Clone.
type AssistantConfig struct {
	Name     string `yaml:"name"`
	Table    string `yaml:"table"`
	KeyField string `yaml:"key_field"`
	// EmbeddingColumn, when set, names a JSON/array column carrying a
	// precomputed row embedding. It is stripped from retrieved rows and
	// loaded into the embedding cache.
	EmbeddingColumn string `yaml:"embedding_column"`

	Fields []FieldSpec `yaml:"fields"`

	RowLimit       int    `yaml:"row_limit"`
	RefusalMessage string `yaml:"refusal_message"`
	NoDataMessage  string `yaml:"no_data_message"`

	FilterPrompt   string `yaml:"filter_prompt"`
	SortPrompt     string `yaml:"sort_prompt"`
	SemanticPrompt string `yaml:"semantic_prompt"`
	RewritePrompt  string `yaml:"rewrite_prompt"`

	IntroTemplate  string `yaml:"intro_template"`
	MergeTemplate  string `yaml:"merge_template"`
	OutputTemplate string `yaml:"output_template"`
	SmartFormat    string `yaml:"smart_format"`

	SuitabilityPath string `yaml:"suitability_path"`
	KeyPath         string `yaml:"key_path"`
	SoftFilter      bool   `yaml:"soft_filter"`

	UseEmbeddings   bool    `yaml:"use_embeddings"`
	EmbeddingWeight float64 `yaml:"embedding_weight"`
	// Durations are configured as integers (milliseconds / seconds);
	// Validate derives the time.Duration values the pipeline uses.
	EmbeddingDeadlineMillis int           `yaml:"embedding_deadline_ms"`
	EmbeddingDeadline       time.Duration `yaml:"-"`

	ApplySortInQuery bool          `yaml:"apply_sort_in_query"`
	ContextFormat    ContextFormat `yaml:"context_format"`

	MinSegments int `yaml:"min_segments"`
	MaxSegments int `yaml:"max_segments"`
	SegmentRows int `yaml:"segment_rows"`

	RequestTimeoutSeconds int           `yaml:"request_timeout_seconds"`
	RequestTimeout        time.Duration `yaml:"-"`
	AnswerCacheTTLSeconds int           `yaml:"answer_cache_ttl_seconds"`
	AnswerCacheTTL        time.Duration `yaml:"-"`

	StructuredOutput bool `yaml:"structured_output"`
	LogAnswers       bool `yaml:"log_answers"`

	AllowedCharsPattern string `yaml:"allowed_chars_pattern"`
	MaxAnswerLength     int    `yaml:"max_answer_length"`
}

// Validate runs at configuration load, before any request is served.
func (c *AssistantConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: assistant name is required", ErrConfig)
	}
	if c.Table == "" {
		return fmt.Errorf("%w: relation table is required", ErrConfig)
	}
	if c.FilterPrompt == "" {
		return fmt.Errorf("%w: filter_prompt is required", ErrConfig)
	}
	if c.SemanticPrompt == "" {
		return fmt.Errorf("%w: semantic_prompt is required", ErrConfig)
	}
	if len(c.Fields) == 0 {
		return fmt.Errorf("%w: at least one field is required", ErrConfig)
	}

	seen := make(map[string]struct{}, len(c.Fields))
	keyFields := 0
	for _, field := range c.Fields {
		if field.Name == "" {
			return fmt.Errorf("%w: field with empty name", ErrConfig)
		}
		if ReservedSchemaName(field.Name) {
			return fmt.Errorf("%w: field %q reuses a reserved name", ErrConfig, field.Name)
		}
		if _, dup := seen[field.Name]; dup {
			return fmt.Errorf("%w: duplicate field %q", ErrConfig, field.Name)
		}
		seen[field.Name] = struct{}{}

		switch field.Type {
		case FieldString, FieldInteger, FieldDouble, FieldArray:
		default:
			return fmt.Errorf("%w: field %q has unknown type %q", ErrConfig, field.Name, field.Type)
		}
		if field.Fuzzy && !KnownFuzzyFunc(field.FuzzyFunc) {
			return fmt.Errorf("%w: field %q has unknown fuzzy function %q", ErrConfig, field.Name, field.FuzzyFunc)
		}
		if field.FuzzyOnly && !field.Fuzzy {
			return fmt.Errorf("%w: field %q is fuzzy_only but not fuzzy", ErrConfig, field.Name)
		}
		if field.IsKey {
			keyFields++
			if c.KeyField == "" {
				c.KeyField = field.Name
			}
		}
	}
	if c.KeyField == "" {
		return fmt.Errorf("%w: key field is required", ErrConfig)
	}
	if keyFields > 1 {
		return fmt.Errorf("%w: more than one key field", ErrConfig)
	}
	if _, ok := seen[c.KeyField]; !ok {
		return fmt.Errorf("%w: key field %q is not a declared field", ErrConfig, c.KeyField)
	}

	if c.MinSegments <= 0 {
		c.MinSegments = 1
	}
	if c.MaxSegments < c.MinSegments {
		return fmt.Errorf("%w: max_segments %d below min_segments %d", ErrConfig, c.MaxSegments, c.MinSegments)
	}
	if c.SegmentRows <= 0 {
		return fmt.Errorf("%w: segment_rows must be positive", ErrConfig)
	}
	if c.RowLimit <= 0 {
		c.RowLimit = 100
	}
	if c.EmbeddingDeadlineMillis > 0 {
		c.EmbeddingDeadline = time.Duration(c.EmbeddingDeadlineMillis) * time.Millisecond
	}
	if c.RequestTimeoutSeconds > 0 {
		c.RequestTimeout = time.Duration(c.RequestTimeoutSeconds) * time.Second
	}
	if c.AnswerCacheTTLSeconds > 0 {
		c.AnswerCacheTTL = time.Duration(c.AnswerCacheTTLSeconds) * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 90 * time.Second
	}
	if c.UseEmbeddings && c.EmbeddingWeight <= 0 {
		c.EmbeddingWeight = 1
	}
	switch c.ContextFormat {
	case "":
		c.ContextFormat = ContextCompact
	case ContextJSON, ContextMarkdown, ContextCompact:
	default:
		return fmt.Errorf("%w: unknown context_format %q", ErrConfig, c.ContextFormat)
	}
	if c.AllowedCharsPattern != "" {
		if _, err := regexp.Compile(c.AllowedCharsPattern); err != nil {
			return fmt.Errorf("%w: allowed_chars_pattern: %v", ErrConfig, err)
		}
	}
	if c.RefusalMessage == "" {
		c.RefusalMessage = "I can not help with that question."
	}
	if c.NoDataMessage == "" {
		c.NoDataMessage = "No matching records were found."
	}
	return nil
}

// Clone takes the defensive per-request copy; the pipeline mutates its
// working configuration (override application) and must never touch the
// published snapshot.
func (c *AssistantConfig) Clone() *AssistantConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Fields = make([]FieldSpec, len(c.Fields))
	copy(out.Fields, c.Fields)
	for i := range out.Fields {
		if len(c.Fields[i].Choices) > 0 {
			out.Fields[i].Choices = append([]string(nil), c.Fields[i].Choices...)
		}
	}
	return &out
}

func (c *AssistantConfig) FieldByName(name string) (FieldSpec, bool) {
	for _, field := range c.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return FieldSpec{}, false
}

func (c *AssistantConfig) SortableFields() []FieldSpec {
	out := make([]FieldSpec, 0, len(c.Fields))
	for _, field := range c.Fields {
		if field.Sortable {
			out = append(out, field)
		}
	}
	return out
}

func (c *AssistantConfig) FuzzyEnabled() bool {
	for _, field := range c.Fields {
		if field.Fuzzy {
			return true
		}
	}
	return false
}
