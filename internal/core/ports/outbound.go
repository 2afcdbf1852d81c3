package ports

import (
	"context"
	"time"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
)

// RowStore executes parameterized read queries against the flat
// relation and persists embedding vectors back as a side channel.
type RowStore interface {
	Query(ctx context.Context, sqlText string, args []any) ([]domain.Row, error)
	// QueryCached is an idempotent read keyed by query text, used for
	// semantic-values lookups whose result set changes rarely.
	QueryCached(ctx context.Context, sqlText string) ([]domain.Row, error)
	SaveEmbedding(ctx context.Context, key string, vector []float32) error
}

// EmbeddingProvider converts text into a fixed-length vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// AgentRequest is one structured call to the LLM agent gateway.
type AgentRequest struct {
	// Operation names the pipeline stage for metrics, logging and
	// warm-up slotting.
	Operation    string
	SystemPrompt string
	Question     string
	History      []domain.Turn

	// ResponseSchema, when set, requires a schema-validated JSON
	// answer.
	ResponseSchema *domain.ResponseSchema

	Timeout             time.Duration
	MinDelay            time.Duration
	MaxDelay            time.Duration
	MaxRetries          int
	MaxCompletionTokens int
}

type AgentReply struct {
	Text string
	// JSON is populated when the request carried a response schema.
	JSON      map[string]any
	IsRefusal bool
}

// AgentGateway performs LLM calls with the gateway's own retry policy.
type AgentGateway interface {
	Request(ctx context.Context, req AgentRequest) (AgentReply, error)
}

// SchemaWarmer pre-primes a structured-output contract so the first
// real call for a slot is not penalized by setup cost. Fire-and-forget,
// debounced per slot.
type SchemaWarmer interface {
	Warm(slot string, schema *domain.ResponseSchema)
}

// EmbeddingSource serves cached row/question vectors with at-most-one
// in-flight computation per key.
type EmbeddingSource interface {
	RowVector(ctx context.Context, row domain.Row, keyField string) ([]float32, error)
	QuestionVector(ctx context.Context, text string) ([]float32, error)
	// Preload seeds the cache from a vector loaded off the row store.
	Preload(row domain.Row, vector []float32)
}

// AnswerCache holds whole answers for repeated questions. GetOrCreate
// has insert-or-get semantics: concurrent callers for the same key
// await a single in-flight computation. create reports whether its
// answer may be stored; the returned flag mirrors it and is true for
// cache hits.
type AnswerCache interface {
	Get(key string) (*domain.Answer, bool)
	GetOrCreate(ctx context.Context, key string, create func(context.Context) (*domain.Answer, bool, error)) (*domain.Answer, bool, error)
}

// TemplateEvaluator runs sandboxed tree-transformation expressions.
type TemplateEvaluator interface {
	Eval(ctx context.Context, template string, env map[string]any) (any, error)
}

type AnswerLogged struct {
	ID        string    `json:"id"`
	Assistant string    `json:"assistant"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// AnswerLogPublisher emits fire-and-forget answer-log events.
type AnswerLogPublisher interface {
	PublishAnswerLogged(ctx context.Context, event AnswerLogged) error
}

// PipelineObserver records pipeline metrics. Implementations must be
// safe for concurrent use.
type PipelineObserver interface {
	RequestFinished(outcome string, elapsed time.Duration)
	StageFinished(stage string, elapsed time.Duration)
	EmbeddingTooLate()
	SegmentFailed()
	HallucinationCheck(scanned, removed int)
	AnswerCacheLookup(hit bool)
}
