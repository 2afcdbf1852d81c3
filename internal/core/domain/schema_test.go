package domain

import (
	"errors"
	"testing"
)

func TestSchemaBuilderRejectsDuplicates(t *testing.T) {
	_, err := NewSchemaBuilder("s").
		Add(SchemaField{Name: "Tariff", Kind: SchemaString}).
		Add(SchemaField{Name: "Tariff", Kind: SchemaString}).
		Build()
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestSchemaBuilderRejectsReservedNames(t *testing.T) {
	_, err := NewSchemaBuilder("s").
		Add(SchemaField{Name: SchemaFieldReasoning, Kind: SchemaString}).
		Build()
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}

	schema, err := NewSchemaBuilder("s").
		AddReserved(SchemaField{Name: SchemaFieldReasoning, Kind: SchemaString}).
		Add(SchemaField{Name: "Tariff", Kind: SchemaString}).
		Build()
	if err != nil {
		t.Fatalf("reserved add through AddReserved failed: %v", err)
	}
	if len(schema.Fields) != 2 {
		t.Fatalf("fields = %d", len(schema.Fields))
	}
}

func TestSchemaBuilderRejectsUnknownKindAndEmpty(t *testing.T) {
	if _, err := NewSchemaBuilder("s").Add(SchemaField{Name: "X", Kind: "blob"}).Build(); !errors.Is(err, ErrConfig) {
		t.Fatalf("unknown kind accepted: %v", err)
	}
	if _, err := NewSchemaBuilder("s").Build(); !errors.Is(err, ErrConfig) {
		t.Fatalf("empty schema accepted: %v", err)
	}
}

func TestJSONSchemaRendering(t *testing.T) {
	schema, err := NewSchemaBuilder("sort_order").
		Add(SchemaField{Name: "Tariff", Kind: SchemaString, Choices: []string{"ASC", "DESC"}}).
		Add(SchemaField{Name: "Names", Kind: SchemaArray, Items: SchemaString}).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	rendered := schema.JSONSchema()
	if rendered["additionalProperties"] != false {
		t.Fatal("additionalProperties must be false")
	}
	properties := rendered["properties"].(map[string]any)
	tariff := properties["Tariff"].(map[string]any)
	if tariff["type"] != "string" || len(tariff["enum"].([]string)) != 2 {
		t.Fatalf("tariff property %v", tariff)
	}
	names := properties["Names"].(map[string]any)
	if names["type"] != "array" {
		t.Fatalf("names property %v", names)
	}
	required := rendered["required"].([]string)
	if len(required) != 2 {
		t.Fatalf("required = %v", required)
	}
}
