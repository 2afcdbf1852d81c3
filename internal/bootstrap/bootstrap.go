package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/table-ai-assistant/internal/config"
	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
	"github.com/kirillkom/table-ai-assistant/internal/core/ports"
	"github.com/kirillkom/table-ai-assistant/internal/core/usecase"
	"github.com/kirillkom/table-ai-assistant/internal/infrastructure/cache"
	"github.com/kirillkom/table-ai-assistant/internal/infrastructure/llm/openaichat"
	"github.com/kirillkom/table-ai-assistant/internal/infrastructure/queue/nats"
	"github.com/kirillkom/table-ai-assistant/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/table-ai-assistant/internal/infrastructure/resilience"
	"github.com/kirillkom/table-ai-assistant/internal/infrastructure/templating"
	"github.com/kirillkom/table-ai-assistant/internal/observability/logging"
	"github.com/kirillkom/table-ai-assistant/internal/observability/metrics"
)

type App struct {
	Config    config.Config
	Assistant *domain.AssistantConfig
	Logger    *slog.Logger

	AskUC         *usecase.AskUseCase
	Bus           *nats.Bus
	AnswerLogRepo *postgres.AnswerLogRepository

	PipelineMetrics *metrics.PipelineMetrics
	HTTPMetrics     *metrics.HTTPMetrics

	closeFn func()
}

func New(ctx context.Context, service string, cfg config.Config) (*App, error) {
	logger := logging.NewJSONLogger(service, cfg.LogLevel)

	assistant, err := config.LoadAssistant(cfg.AssistantConfigPath)
	if err != nil {
		return nil, err
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	rowStore := postgres.NewRowStore(db, postgres.RowStoreOptions{
		Table:           assistant.Table,
		KeyField:        assistant.KeyField,
		EmbeddingColumn: assistant.EmbeddingColumn,
		QueryCacheTTL:   cfg.QueryCacheTTL(),
	})
	answerLogRepo := postgres.NewAnswerLogRepository(db)
	if err := answerLogRepo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure answer log schema: %w", err)
	}

	executor := resilience.NewExecutor(resilience.DefaultConfig())
	bus, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: executor,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init nats bus: %w", err)
	}

	client := openaichat.New(openaichat.Config{
		BaseURL:     cfg.OpenAIBaseURL,
		APIKey:      cfg.OpenAIAPIKey,
		ChatModel:   cfg.OpenAIChatModel,
		EmbedModel:  cfg.OpenAIEmbedModel,
		HTTPTimeout: cfg.OpenAIHTTPTimeout(),
	}, executor, logger)
	warmer := openaichat.NewWarmer(client, cfg.SchemaWarmupInterval(), logger)

	pipelineMetrics := metrics.NewPipelineMetrics(service)

	embeddings := cache.NewEmbeddingCache(client, rowStore, logger, cache.EmbeddingCacheOptions{
		Model:       cfg.OpenAIEmbedModel,
		IdleTimeout: cfg.EmbeddingIdleTimeout(),
		LookupTotal: pipelineMetrics.EmbeddingLookupCounter(),
	})

	var answers ports.AnswerCache
	var answerCache *cache.AnswerCache
	if assistant.AnswerCacheTTL > 0 {
		answerCache = cache.NewAnswerCache(assistant.AnswerCacheTTL, cfg.AnswerCacheSweepInterval())
		answers = answerCache
	}

	gate := templating.NewGate(cfg.TemplateGateCapacity)
	evaluator := templating.NewEvaluator(gate)

	askUC := usecase.NewAskUseCase(assistant, usecase.Deps{
		Rows:       rowStore,
		Agent:      client,
		Warmer:     warmer,
		Embeddings: embeddings,
		Answers:    answers,
		Templates:  evaluator,
		AnswerLog:  bus,
		Observer:   pipelineMetrics,
		Logger:     logger,
	})

	httpMetrics := metrics.NewHTTPMetrics(service, pipelineMetrics)

	return &App{
		Config:          cfg,
		Assistant:       assistant,
		Logger:          logger,
		AskUC:           askUC,
		Bus:             bus,
		AnswerLogRepo:   answerLogRepo,
		PipelineMetrics: pipelineMetrics,
		HTTPMetrics:     httpMetrics,
		closeFn: func() {
			bus.Close()
			embeddings.Close()
			if answerCache != nil {
				answerCache.Close()
			}
			rowStore.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
