package usecase

import (
	"context"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
	"github.com/kirillkom/table-ai-assistant/internal/core/ports"
)

const (
	opSortSpec = "sort_spec"

	sortSchemaName = "sort_order"
)

var sortChoices = []string{
	string(domain.SortAsc),
	string(domain.SortDesc),
	string(domain.SortNone),
}

// buildSortSchema lists every sortable field as an ASC/DESC/NONE enum,
// plus the model's reasoning and its own field priority ordering.
func buildSortSchema(cfg *domain.AssistantConfig) (*domain.ResponseSchema, error) {
	sortable := cfg.SortableFields()
	if len(sortable) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(sortable))
	builder := domain.NewSchemaBuilder(sortSchemaName)
	builder.AddReserved(domain.SchemaField{
		Name:        domain.SchemaFieldReasoning,
		Kind:        domain.SchemaString,
		Description: "Short explanation of the chosen ordering.",
	})
	for _, field := range sortable {
		names = append(names, field.Name)
		builder.Add(domain.SchemaField{
			Name:        field.Name,
			Kind:        domain.SchemaString,
			Description: field.Rules,
			Choices:     sortChoices,
		})
	}
	builder.AddReserved(domain.SchemaField{
		Name:        domain.SchemaFieldOrder,
		Kind:        domain.SchemaArray,
		Items:       domain.SchemaString,
		Choices:     names,
		Description: "Sortable field names in priority order, most significant first.",
	})
	return builder.Build()
}

// extractSortSpec asks the agent for an ordering over the sortable
// fields. A missing sort prompt or an empty sortable set skips the
// stage. The refusal flag lets the orchestrator degrade to the canned
// refusal message instead of failing hard.
func (u *AskUseCase) extractSortSpec(ctx context.Context, cfg *domain.AssistantConfig, question domain.Question) (domain.SortSpec, bool, error) {
	if cfg.SortPrompt == "" {
		return nil, false, nil
	}
	schema, err := buildSortSchema(cfg)
	if err != nil {
		return nil, false, domain.WrapError(domain.ErrConfig, opSortSpec, err)
	}
	if schema == nil {
		return nil, false, nil
	}

	reply, err := u.agent.Request(ctx, ports.AgentRequest{
		Operation:      opSortSpec,
		SystemPrompt:   cfg.SortPrompt,
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
	return parseSortSpec(cfg, reply.JSON), false, nil
}

// parseSortSpec follows the model's FieldOrder array, ignoring unknown
// names and NONE directions; sortable fields the ordering array missed
// are appended in configuration order.
func parseSortSpec(cfg *domain.AssistantConfig, payload map[string]any) domain.SortSpec {
	if payload == nil {
		return nil
	}

	directionOf := func(name string) (domain.SortDirection, bool) {
		field, ok := cfg.FieldByName(name)
		if !ok || !field.Sortable {
			return domain.SortNone, false
		}
		raw, ok := payload[name].(string)
		if !ok {
			return domain.SortNone, false
		}
		switch domain.SortDirection(raw) {
		case domain.SortAsc:
			return domain.SortAsc, true
		case domain.SortDesc:
			return domain.SortDesc, true
		default:
			return domain.SortNone, false
		}
	}

	var spec domain.SortSpec
	taken := make(map[string]struct{})
	if order, ok := payload[domain.SchemaFieldOrder].([]any); ok {
		for _, entry := range order {
			name, ok := entry.(string)
			if !ok {
				continue
			}
			if _, dup := taken[name]; dup {
				continue
			}
			direction, ok := directionOf(name)
			if !ok {
				continue
			}
			taken[name] = struct{}{}
			spec = append(spec, domain.SortKey{Field: name, Direction: direction})
		}
	}
	for _, field := range cfg.SortableFields() {
		if _, done := taken[field.Name]; done {
			continue
		}
		direction, ok := directionOf(field.Name)
		if !ok {
			continue
		}
		taken[field.Name] = struct{}{}
		spec = append(spec, domain.SortKey{Field: field.Name, Direction: direction})
	}
	return spec
}
