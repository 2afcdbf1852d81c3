package domain

import (
	"errors"
	"testing"
)

func validAssistant() *AssistantConfig {
	return &AssistantConfig{
		Name:           "billing",
		Table:          "charges",
		FilterPrompt:   "extract",
		SemanticPrompt: "select",
		SegmentRows:    10,
		MaxSegments:    4,
		Fields: []FieldSpec{
			{Name: "CustomerID", Type: FieldString, IsKey: true},
			{Name: "TotalCharges", Type: FieldDouble, Sortable: true},
		},
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := validAssistant()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if cfg.KeyField != "CustomerID" {
		t.Fatalf("key field not adopted from IsKey: %q", cfg.KeyField)
	}
	if cfg.RowLimit != 100 || cfg.MinSegments != 1 || cfg.ContextFormat != ContextCompact {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.RefusalMessage == "" || cfg.NoDataMessage == "" {
		t.Fatal("canned messages not defaulted")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*AssistantConfig)
	}{
		{"duplicate field", func(c *AssistantConfig) {
			c.Fields = append(c.Fields, FieldSpec{Name: "CustomerID", Type: FieldString})
		}},
		{"reserved field name", func(c *AssistantConfig) {
			c.Fields = append(c.Fields, FieldSpec{Name: SchemaFieldReasoning, Type: FieldString})
		}},
		{"unknown type", func(c *AssistantConfig) {
			c.Fields[1].Type = "decimal"
		}},
		{"unknown fuzzy func", func(c *AssistantConfig) {
			c.Fields[1].Fuzzy = true
			c.Fields[1].FuzzyFunc = "sounds_like"
		}},
		{"fuzzy_only without fuzzy", func(c *AssistantConfig) {
			c.Fields[1].FuzzyOnly = true
		}},
		{"two key fields", func(c *AssistantConfig) {
			c.Fields[1].IsKey = true
		}},
		{"missing filter prompt", func(c *AssistantConfig) {
			c.FilterPrompt = ""
		}},
		{"inverted segment bounds", func(c *AssistantConfig) {
			c.MinSegments = 8
			c.MaxSegments = 2
		}},
		{"bad whitelist pattern", func(c *AssistantConfig) {
			c.AllowedCharsPattern = "["
		}},
	}
	for _, tc := range cases {
		cfg := validAssistant()
		tc.mutate(cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
			t.Fatalf("%s: expected config error, got %v", tc.name, err)
		}
	}
}

func TestCloneIsolatesFields(t *testing.T) {
	cfg := validAssistant()
	cfg.Fields[1].Choices = []string{"a"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	clone := cfg.Clone()
	clone.RowLimit = 5
	clone.Fields[1].Choices[0] = "mutated"
	clone.Fields[0].Name = "Other"

	if cfg.RowLimit == 5 || cfg.Fields[0].Name != "CustomerID" {
		t.Fatal("clone shares scalars with original")
	}
	if cfg.Fields[1].Choices[0] != "a" {
		t.Fatal("clone shares choices slice with original")
	}
}
