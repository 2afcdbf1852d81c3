package domain

import "fmt"

// Reserved response-schema field names added by pipeline stages.
// Configured fields may not reuse them.
const (
	SchemaFieldReasoning      = "Reasoning"
	SchemaFieldSearchDatabase = "SearchDatabase"
	SchemaFieldOrder          = "FieldOrder"
)

func ReservedSchemaName(name string) bool {
	switch name {
	case SchemaFieldReasoning, SchemaFieldSearchDatabase, SchemaFieldOrder:
		return true
	default:
		return false
	}
}

type SchemaKind string

const (
	SchemaString  SchemaKind = "string"
	SchemaInteger SchemaKind = "integer"
	SchemaNumber  SchemaKind = "number"
	SchemaBoolean SchemaKind = "boolean"
	SchemaArray   SchemaKind = "array"
)

type SchemaField struct {
	Name        string
	Kind        SchemaKind
	Description string
	Choices     []string
	// Items applies when Kind is SchemaArray.
	Items SchemaKind
}

// ResponseSchema is a built, validated structured-output contract.
type ResponseSchema struct {
	Name   string
	Fields []SchemaField
}

// SchemaBuilder assembles a response schema from a closed set of
// primitive kinds. Duplicate and reserved names are rejected at build
// time so per-request construction never re-validates.
type SchemaBuilder struct {
	name     string
	fields   []SchemaField
	seen     map[string]struct{}
	internal map[string]struct{}
	errs     []error
}

func NewSchemaBuilder(name string) *SchemaBuilder {
	return &SchemaBuilder{
		name:     name,
		seen:     make(map[string]struct{}),
		internal: make(map[string]struct{}),
	}
}

func (b *SchemaBuilder) Add(field SchemaField) *SchemaBuilder {
	if ReservedSchemaName(field.Name) {
		b.errs = append(b.errs, fmt.Errorf("field %q: %w: reserved name", field.Name, ErrConfig))
		return b
	}
	return b.add(field)
}

// AddReserved is used by pipeline stages to attach the reserved
// Reasoning/SearchDatabase/FieldOrder fields.
func (b *SchemaBuilder) AddReserved(field SchemaField) *SchemaBuilder {
	if !ReservedSchemaName(field.Name) {
		b.errs = append(b.errs, fmt.Errorf("field %q: %w: not a reserved name", field.Name, ErrConfig))
		return b
	}
	return b.add(field)
}

func (b *SchemaBuilder) add(field SchemaField) *SchemaBuilder {
	if field.Name == "" {
		b.errs = append(b.errs, fmt.Errorf("%w: empty field name", ErrConfig))
		return b
	}
	if _, dup := b.seen[field.Name]; dup {
		b.errs = append(b.errs, fmt.Errorf("field %q: %w: duplicate name", field.Name, ErrConfig))
		return b
	}
	switch field.Kind {
	case SchemaString, SchemaInteger, SchemaNumber, SchemaBoolean:
	case SchemaArray:
		if field.Items == "" {
			field.Items = SchemaString
		}
	default:
		b.errs = append(b.errs, fmt.Errorf("field %q: %w: unknown kind %q", field.Name, ErrConfig, field.Kind))
		return b
	}
	b.seen[field.Name] = struct{}{}
	b.fields = append(b.fields, field)
	return b
}

func (b *SchemaBuilder) Build() (*ResponseSchema, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.fields) == 0 {
		return nil, fmt.Errorf("schema %q: %w: no fields", b.name, ErrConfig)
	}
	fields := make([]SchemaField, len(b.fields))
	copy(fields, b.fields)
	return &ResponseSchema{Name: b.name, Fields: fields}, nil
}

// JSONSchema renders the schema as a JSON-Schema object suitable for a
// structured-output response format.
func (s *ResponseSchema) JSONSchema() map[string]any {
	properties := make(map[string]any, len(s.Fields))
	required := make([]string, 0, len(s.Fields))
	for _, field := range s.Fields {
		prop := map[string]any{}
		switch field.Kind {
		case SchemaArray:
			prop["type"] = "array"
			items := map[string]any{"type": string(field.Items)}
			if len(field.Choices) > 0 {
				items["enum"] = field.Choices
			}
			prop["items"] = items
		default:
			prop["type"] = string(field.Kind)
			if len(field.Choices) > 0 {
				prop["enum"] = field.Choices
			}
		}
		if field.Description != "" {
			prop["description"] = field.Description
		}
		properties[field.Name] = prop
		required = append(required, field.Name)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}
