package openaichat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
	"github.com/kirillkom/table-ai-assistant/internal/core/ports"
	"github.com/kirillkom/table-ai-assistant/internal/infrastructure/resilience"
)

type Config struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
	// RefusalMarker, when non-empty, marks plain-text refusals in
	// addition to the API-level refusal field.
	RefusalMarker string
	HTTPTimeout   time.Duration
}

// Client talks to an OpenAI-compatible chat/embeddings endpoint. It is
// both the agent gateway and the embedding provider.
type Client struct {
	cfg        Config
	httpClient *http.Client
	executor   *resilience.Executor
	logger     *slog.Logger
}

func New(cfg Config, executor *resilience.Executor, logger *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 120 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		executor:   executor,
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) Request(ctx context.Context, req ports.AgentRequest) (ports.AgentReply, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	messages := make([]chatMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, turn := range req.History {
		messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Question})

	payload := map[string]any{
		"model":    c.cfg.ChatModel,
		"messages": messages,
	}
	if req.MaxCompletionTokens > 0 {
		payload["max_completion_tokens"] = req.MaxCompletionTokens
	}
	if req.ResponseSchema != nil {
		payload["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   req.ResponseSchema.Name,
				"strict": true,
				"schema": req.ResponseSchema.JSONSchema(),
			},
		}
	}

	operation := req.Operation
	if operation == "" {
		operation = "chat"
	}
	policy := resilience.CallPolicy{
		MaxAttempts:    req.MaxRetries + 1,
		InitialBackoff: req.MinDelay,
		MaxBackoff:     req.MaxDelay,
	}
	if req.MaxRetries <= 0 {
		policy.MaxAttempts = 0
	}

	var response chatResponse
	err := c.executor.Execute(ctx, operation, policy, func(ctx context.Context) error {
		return c.postJSON(ctx, "/v1/chat/completions", payload, &response, operation)
	}, classifyAgentError)
	if err != nil {
		return ports.AgentReply{}, wrapAgentError(operation, err)
	}
	if len(response.Choices) == 0 {
		return ports.AgentReply{}, fmt.Errorf("%s: empty choices in agent response", operation)
	}

	choice := response.Choices[0]
	reply := ports.AgentReply{Text: strings.TrimSpace(choice.Message.Content)}
	if choice.Message.Refusal != "" || c.isMarkedRefusal(reply.Text) {
		reply.IsRefusal = true
		return reply, nil
	}

	if req.ResponseSchema != nil {
		parsed := map[string]any{}
		if err := json.Unmarshal([]byte(extractJSONObject(reply.Text)), &parsed); err != nil {
			return ports.AgentReply{}, domain.NewParseError(operation, reply.Text, err)
		}
		reply.JSON = parsed
	}
	return reply, nil
}

func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if model == "" {
		model = c.cfg.EmbedModel
	}
	payload := map[string]any{
		"model": model,
		"input": text,
	}
	var response struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	err := c.executor.Execute(ctx, "embed", resilience.CallPolicy{}, func(ctx context.Context) error {
		return c.postJSON(ctx, "/v1/embeddings", payload, &response, "embed")
	}, classifyAgentError)
	if err != nil {
		return nil, wrapAgentError("embed", err)
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("embed: empty embedding result")
	}
	return response.Data[0].Embedding, nil
}

func (c *Client) isMarkedRefusal(text string) bool {
	return c.cfg.RefusalMarker != "" && strings.HasPrefix(text, c.cfg.RefusalMarker)
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
