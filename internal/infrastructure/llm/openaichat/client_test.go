package openaichat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
	"github.com/kirillkom/table-ai-assistant/internal/core/ports"
	"github.com/kirillkom/table-ai-assistant/internal/infrastructure/resilience"
)

func newTestClient(baseURL string) *Client {
	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    1,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})
	return New(Config{
		BaseURL:       baseURL,
		ChatModel:     "chat",
		EmbedModel:    "embed",
		RefusalMarker: "I cannot",
	}, executor, slog.Default())
}

func chatReply(content string) string {
	payload := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	body, _ := json.Marshal(payload)
	return string(body)
}

func TestRequestSendsSchemaAndParsesJSON(t *testing.T) {
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&capturedBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(chatReply(`{"SearchDatabase":true,"Reasoning":"ok"}`)))
	}))
	defer server.Close()

	schema, err := domain.NewSchemaBuilder("filter").
		AddReserved(domain.SchemaField{Name: domain.SchemaFieldSearchDatabase, Kind: domain.SchemaBoolean}).
		AddReserved(domain.SchemaField{Name: domain.SchemaFieldReasoning, Kind: domain.SchemaString}).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	reply, err := newTestClient(server.URL).Request(context.Background(), ports.AgentRequest{
		Operation:      "filter",
		SystemPrompt:   "extract filters",
		Question:       "show invoices",
		ResponseSchema: schema,
	})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if reply.JSON["SearchDatabase"] != true {
		t.Fatalf("expected parsed JSON, got %#v", reply.JSON)
	}
	if _, ok := capturedBody["response_format"]; !ok {
		t.Fatalf("expected response_format in request body")
	}
}

func TestRequestDetectsMarkedRefusal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatReply("I cannot answer that.")))
	}))
	defer server.Close()

	reply, err := newTestClient(server.URL).Request(context.Background(), ports.AgentRequest{Question: "q"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if !reply.IsRefusal {
		t.Fatalf("expected refusal, got %#v", reply)
	}
}

func TestRequestWrapsMalformedStructuredAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatReply("not json at all")))
	}))
	defer server.Close()

	schema, _ := domain.NewSchemaBuilder("sort").
		AddReserved(domain.SchemaField{Name: domain.SchemaFieldReasoning, Kind: domain.SchemaString}).
		Build()

	_, err := newTestClient(server.URL).Request(context.Background(), ports.AgentRequest{
		Operation:      "sort",
		Question:       "q",
		ResponseSchema: schema,
	})
	if !domain.IsKind(err, domain.ErrParse) {
		t.Fatalf("expected parse error kind, got %v", err)
	}
	if !strings.Contains(err.Error(), "not json at all") {
		t.Fatalf("expected offending payload in error, got %v", err)
	}
}

func TestRequestRetriesRetryableStatus(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(chatReply("fine")))
	}))
	defer server.Close()

	reply, err := newTestClient(server.URL).Request(context.Background(), ports.AgentRequest{
		Question:   "q",
		MaxRetries: 2,
		MinDelay:   time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if reply.Text != "fine" {
		t.Fatalf("unexpected reply %#v", reply)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits.Load())
	}
}

func TestEmbedIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Embed(context.Background(), "", "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestWarmerDebouncesPerSlot(t *testing.T) {
	var hits atomic.Int32
	served := make(chan struct{}, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		served <- struct{}{}
		_, _ = w.Write([]byte(chatReply(`{"Reasoning":"warm"}`)))
	}))
	defer server.Close()

	schema, _ := domain.NewSchemaBuilder("warm").
		AddReserved(domain.SchemaField{Name: domain.SchemaFieldReasoning, Kind: domain.SchemaString}).
		Build()

	warmer := NewWarmer(newTestClient(server.URL), time.Hour, slog.Default())
	for i := 0; i < 5; i++ {
		warmer.Warm("filter", schema)
	}

	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatalf("expected one warm-up call")
	}
	time.Sleep(50 * time.Millisecond)
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected debounce to allow exactly 1 call, got %d", got)
	}
}
