package usecase

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
	"github.com/kirillkom/table-ai-assistant/internal/core/ports"
)

const (
	opFilterSpec = "filter_spec"

	filterSchemaName = "row_filter"

	// unsetBound marks a numeric range bound the question does not
	// constrain. Structured output requires every schema field, so the
	// sentinel stands in for "no constraint".
	unsetBound = -1

	rangeMinSuffix = "Min"
	rangeMaxSuffix = "Max"
)

// buildFilterSchema describes every configured field to the model.
// Numeric fields become a Min/Max bound pair; the rest become value
// fields, arrays when multiple values are allowed. Choices come from the
// static list or the field's semantic-values lookup.
func (u *AskUseCase) buildFilterSchema(ctx context.Context, cfg *domain.AssistantConfig) (*domain.ResponseSchema, error) {
	builder := domain.NewSchemaBuilder(filterSchemaName)
	builder.AddReserved(domain.SchemaField{
		Name:        domain.SchemaFieldReasoning,
		Kind:        domain.SchemaString,
		Description: "Short explanation of the extracted filters.",
	})
	builder.AddReserved(domain.SchemaField{
		Name:        domain.SchemaFieldSearchDatabase,
		Kind:        domain.SchemaBoolean,
		Description: "False when the question needs no database lookup.",
	})

	for _, field := range cfg.Fields {
		if field.Numeric() {
			kind := domain.SchemaNumber
			if field.Type == domain.FieldInteger {
				kind = domain.SchemaInteger
			}
			bound := fmt.Sprintf("Use %d when the question does not constrain this bound. %s", unsetBound, field.Rules)
			builder.Add(domain.SchemaField{
				Name:        field.Name + rangeMinSuffix,
				Kind:        kind,
				Description: "Lower bound for " + field.Name + ". " + bound,
			})
			builder.Add(domain.SchemaField{
				Name:        field.Name + rangeMaxSuffix,
				Kind:        kind,
				Description: "Upper bound for " + field.Name + ". " + bound,
			})
			continue
		}

		choices, err := u.fieldChoices(ctx, field)
		if err != nil {
			return nil, err
		}
		schemaField := domain.SchemaField{
			Name:        field.Name,
			Kind:        domain.SchemaString,
			Description: "Requested values for " + field.Name + "; empty when unconstrained. " + field.Rules,
			Choices:     choices,
		}
		if field.Multiple || field.Type == domain.FieldArray {
			schemaField.Kind = domain.SchemaArray
			schemaField.Items = domain.SchemaString
		}
		builder.Add(schemaField)
	}
	return builder.Build()
}

// fieldChoices resolves the allowed values for one field, running the
// semantic-values lookup when configured.
func (u *AskUseCase) fieldChoices(ctx context.Context, field domain.FieldSpec) ([]string, error) {
	if field.ValuesQuery == "" {
		return field.Choices, nil
	}
	var (
		rows []domain.Row
		err  error
	)
	if field.CacheValues {
		rows, err = u.rows.QueryCached(ctx, field.ValuesQuery)
	} else {
		rows, err = u.rows.Query(ctx, field.ValuesQuery, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("values lookup for field %q: %w", field.Name, err)
	}
	choices := make([]string, 0, len(rows))
	for _, row := range rows {
		keys := row.Keys()
		if len(keys) == 0 {
			continue
		}
		value, _ := row.Get(keys[0])
		if value == nil {
			continue
		}
		choices = append(choices, domain.KeyString(value))
	}
	return choices, nil
}

// extractFilterSpec runs the filter-extraction stage. The refusal flag
// mirrors the sort stage.
func (u *AskUseCase) extractFilterSpec(ctx context.Context, cfg *domain.AssistantConfig, question domain.Question) (*domain.FilterSpec, bool, error) {
	schema, err := u.buildFilterSchema(ctx, cfg)
	if err != nil {
		return nil, false, domain.WrapError(domain.ErrConfig, opFilterSpec, err)
	}

	reply, err := u.agent.Request(ctx, ports.AgentRequest{
		Operation:      opFilterSpec,
		SystemPrompt:   cfg.FilterPrompt,
		Question:       question.Text,
		History:        question.History,
		ResponseSchema: schema,
		Timeout:        cfg.RequestTimeout,
		MaxRetries:     agentMaxRetries,
		MinDelay:       agentMinDelay,
		MaxDelay:       agentMaxDelay,
	})
	if err != nil {
		return nil, false, err
	}
	if reply.IsRefusal {
		return nil, true, nil
	}

	spec := parseFilterSpec(cfg, reply.JSON)
	spec.RowLimit = cfg.RowLimit
	return spec, false, nil
}

func parseFilterSpec(cfg *domain.AssistantConfig, payload map[string]any) *domain.FilterSpec {
	spec := domain.NewFilterSpec()
	if payload == nil {
		return spec
	}
	if search, ok := payload[domain.SchemaFieldSearchDatabase].(bool); ok {
		spec.SearchDatabase = search
	}

	for _, field := range cfg.Fields {
		value := &domain.FilterValue{}
		if field.Numeric() {
			if min, ok := boundValue(payload[field.Name+rangeMinSuffix]); ok {
				value.Min = min
				value.MinSet = true
			}
			if max, ok := boundValue(payload[field.Name+rangeMaxSuffix]); ok {
				value.Max = max
				value.MaxSet = true
			}
		} else {
			value.Values = filterValues(payload[field.Name])
		}
		if !value.Empty() {
			spec.Fields[field.Name] = value
		}
	}
	return spec
}

func boundValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		if v == unsetBound {
			return 0, false
		}
		return v, true
	case int:
		if v == unsetBound {
			return 0, false
		}
		return float64(v), true
	default:
		return 0, false
	}
}

func filterValues(raw any) []any {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []any{v}
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) == "" {
				continue
			}
			if item == nil {
				continue
			}
			out = append(out, item)
		}
		return out
	default:
		return []any{v}
	}
}

// buildRowQuery renders the retrieval query with positional parameters.
// Fuzzy-only fields are matched after retrieval and never become
// clauses. Field and table names come from validated configuration.
func buildRowQuery(cfg *domain.AssistantConfig, spec *domain.FilterSpec, sort domain.SortSpec) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	next := func(value any) string {
		args = append(args, value)
		return "$" + strconv.Itoa(len(args))
	}

	for _, field := range cfg.Fields {
		value := spec.Field(field.Name)
		if value.Empty() || field.FuzzyOnly {
			continue
		}
		column := quoteIdent(field.Name)
		if field.Numeric() {
			if value.MinSet {
				clauses = append(clauses, column+" >= "+next(value.Min))
			}
			if value.MaxSet {
				clauses = append(clauses, column+" <= "+next(value.Max))
			}
			continue
		}
		if field.Type == domain.FieldArray {
			parts := make([]string, 0, len(value.Values))
			for _, v := range value.Values {
				parts = append(parts, next(v)+" = ANY("+column+")")
			}
			clauses = append(clauses, "("+strings.Join(parts, " OR ")+")")
			continue
		}
		if len(value.Values) == 1 {
			clauses = append(clauses, column+" = "+next(value.Values[0]))
			continue
		}
		placeholders := make([]string, 0, len(value.Values))
		for _, v := range value.Values {
			placeholders = append(placeholders, next(v))
		}
		clauses = append(clauses, column+" IN ("+strings.Join(placeholders, ", ")+")")
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(quoteIdent(cfg.Table))
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	if cfg.ApplySortInQuery && !sort.Empty() {
		orders := make([]string, 0, len(sort))
		for _, key := range sort {
			if field, ok := cfg.FieldByName(key.Field); !ok || !field.Sortable {
				continue
			}
			orders = append(orders, quoteIdent(key.Field)+" "+string(key.Direction))
		}
		if len(orders) > 0 {
			b.WriteString(" ORDER BY ")
			b.WriteString(strings.Join(orders, ", "))
		}
	}
	limit := spec.RowLimit
	if limit <= 0 {
		limit = cfg.RowLimit
	}
	b.WriteString(" LIMIT ")
	b.WriteString(strconv.Itoa(limit))
	return b.String(), args
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}

// retrieveRows executes the built query, strips the embedding side
// channel column from each row and preloads its vector into the
// embedding cache, then enforces the row limit.
func (u *AskUseCase) retrieveRows(ctx context.Context, cfg *domain.AssistantConfig, spec *domain.FilterSpec, sort domain.SortSpec) ([]domain.Row, error) {
	sqlText, args := buildRowQuery(cfg, spec, sort)
	rows, err := u.rows.Query(ctx, sqlText, args)
	if err != nil {
		return nil, err
	}

	if cfg.EmbeddingColumn != "" {
		for _, row := range rows {
			raw, ok := row.Get(cfg.EmbeddingColumn)
			if !ok {
				continue
			}
			row.Delete(cfg.EmbeddingColumn)
			if vector := parseVector(raw); len(vector) > 0 && u.embeddings != nil {
				u.embeddings.Preload(row, vector)
			}
		}
	}

	limit := spec.RowLimit
	if limit <= 0 {
		limit = cfg.RowLimit
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// parseVector accepts the embedding column as a JSON array string or an
// already decoded numeric slice.
func parseVector(raw any) []float32 {
	switch v := raw.(type) {
	case []float32:
		return v
	case []any:
		out := make([]float32, 0, len(v))
		for _, item := range v {
			f, ok := item.(float64)
			if !ok {
				return nil
			}
			out = append(out, float32(f))
		}
		return out
	case string:
		trimmed := strings.Trim(strings.TrimSpace(v), "[]")
		if trimmed == "" {
			return nil
		}
		parts := strings.Split(trimmed, ",")
		out := make([]float32, 0, len(parts))
		for _, part := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
			if err != nil {
				return nil
			}
			out = append(out, float32(f))
		}
		return out
	default:
		return nil
	}
}
