package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/table-ai-assistant/internal/core/domain"
	"github.com/kirillkom/table-ai-assistant/internal/core/ports"
)

const (
	agentMaxRetries = 2
	agentMinDelay   = 500 * time.Millisecond
	agentMaxDelay   = 5 * time.Second

	answerLogTimeout = 10 * time.Second
)

const (
	outcomeSuccess = "success"
	outcomeRefusal = "refusal"
	outcomeTimeout = "timeout"
	outcomeError   = "error"
)

// Deps collects the outbound ports the pipeline orchestrator drives.
// AnswerLog may be nil when answer logging is disabled.
type Deps struct {
	Rows       ports.RowStore
	Agent      ports.AgentGateway
	Warmer     ports.SchemaWarmer
	Embeddings ports.EmbeddingSource
	Answers    ports.AnswerCache
	Templates  ports.TemplateEvaluator
	AnswerLog  ports.AnswerLogPublisher
	Observer   ports.PipelineObserver
	Logger     *slog.Logger
}

// AskUseCase turns a natural-language question over one flat relation
// into an answer by sequencing extraction, retrieval, re-ranking,
// segmented semantic filtering and post-processing.
type AskUseCase struct {
	active atomic.Pointer[domain.AssistantConfig]

	rows       ports.RowStore
	agent      ports.AgentGateway
	warmer     ports.SchemaWarmer
	embeddings ports.EmbeddingSource
	answers    ports.AnswerCache
	templates  ports.TemplateEvaluator
	answerLog  ports.AnswerLogPublisher
	observer   ports.PipelineObserver
	logger     *slog.Logger
}

var _ ports.Asker = (*AskUseCase)(nil)

func NewAskUseCase(cfg *domain.AssistantConfig, deps Deps) *AskUseCase {
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	u := &AskUseCase{
		rows:       deps.Rows,
		agent:      deps.Agent,
		warmer:     deps.Warmer,
		embeddings: deps.Embeddings,
		answers:    deps.Answers,
		templates:  deps.Templates,
		answerLog:  deps.AnswerLog,
		observer:   deps.Observer,
		logger:     deps.Logger,
	}
	u.Reload(cfg)
	return u
}

// Reload publishes a new immutable configuration snapshot. In-flight
// requests keep the clone they already took; new requests see the new
// snapshot. Structured-output schemas are re-warmed in the background.
func (u *AskUseCase) Reload(cfg *domain.AssistantConfig) {
	u.active.Store(cfg)
	go u.warmSchemas(cfg)
}

func (u *AskUseCase) warmSchemas(cfg *domain.AssistantConfig) {
	if u.warmer == nil {
		return
	}
	if schema, err := buildSortSchema(cfg); err == nil && schema != nil {
		u.warmer.Warm(opSortSpec+":"+cfg.Name, schema)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if schema, err := u.buildFilterSchema(ctx, cfg); err == nil {
		u.warmer.Warm(opFilterSpec+":"+cfg.Name, schema)
	}
}

// Ask runs the whole pipeline for one question. The caller's overrides
// apply to a per-request clone of the configuration; shared state is
// never mutated.
func (u *AskUseCase) Ask(ctx context.Context, question domain.Question) (*domain.Answer, error) {
	started := time.Now()
	outcome := outcomeError
	defer func() {
		u.observer.RequestFinished(outcome, time.Since(started))
	}()

	if strings.TrimSpace(question.Text) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask", errors.New("empty question"))
	}

	cfg := u.active.Load().Clone()
	applyOverrides(cfg, question.Overrides)

	reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	// compute runs the pipeline once; the cacheable flag excludes
	// degraded refusal answers from the cache. Logging happens here so
	// coalesced callers sharing one computation emit one event.
	compute := func(ctx context.Context) (*domain.Answer, bool, error) {
		answer, refused, err := u.run(ctx, cfg, question)
		if err != nil {
			return nil, false, err
		}
		answer.TraceID = uuid.NewString()
		if !refused && !question.KeepAlive {
			u.logAnswer(ctx, cfg, question, answer)
		}
		return answer, !refused, nil
	}

	var (
		answer    *domain.Answer
		cacheable bool
		err       error
	)
	if !question.KeepAlive && cfg.AnswerCacheTTL > 0 && u.answers != nil {
		key := domain.AnswerCacheKey(cfg.Name, question)
		if cached, ok := u.answers.Get(key); ok {
			u.observer.AnswerCacheLookup(true)
			outcome = outcomeSuccess
			return cached, nil
		}
		u.observer.AnswerCacheLookup(false)
		answer, cacheable, err = u.answers.GetOrCreate(reqCtx, key, compute)
	} else {
		answer, cacheable, err = compute(reqCtx)
	}

	if err != nil {
		switch {
		case domain.IsKind(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
			outcome = outcomeTimeout
			if !domain.IsKind(err, domain.ErrTimeout) {
				err = domain.WrapError(domain.ErrTimeout, "ask", err)
			}
		case domain.IsKind(err, domain.ErrRefusal):
			outcome = outcomeRefusal
		}
		return nil, err
	}

	if !cacheable {
		outcome = outcomeRefusal
		return answer, nil
	}
	outcome = outcomeSuccess
	return answer, nil
}

// run executes stages 3-7: extraction, retrieval, re-ranking, semantic
// filtering and post-processing. The refused flag marks the degraded
// canned-refusal answer, which is never cached or logged.
func (u *AskUseCase) run(ctx context.Context, cfg *domain.AssistantConfig, question domain.Question) (*domain.Answer, bool, error) {
	var questionVec <-chan vectorResult
	if cfg.UseEmbeddings && u.embeddings != nil {
		questionVec = u.startQuestionEmbedding(ctx, question)
	}

	var (
		sortSpec    domain.SortSpec
		sortRefused bool
		sortErr     error
		wg          sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		stageStart := time.Now()
		sortSpec, sortRefused, sortErr = u.extractSortSpec(ctx, cfg, question)
		u.observer.StageFinished(opSortSpec, time.Since(stageStart))
	}()

	stageStart := time.Now()
	filterSpec, filterRefused, filterErr := u.extractFilterSpec(ctx, cfg, question)
	u.observer.StageFinished(opFilterSpec, time.Since(stageStart))
	wg.Wait()

	if filterErr != nil {
		return nil, false, filterErr
	}
	if sortErr != nil {
		return nil, false, sortErr
	}
	if filterRefused || sortRefused {
		if structuredRequired(cfg, question) {
			return nil, false, domain.WrapError(domain.ErrRefusal, "ask", errors.New("structured output required"))
		}
		return &domain.Answer{Text: cfg.RefusalMessage}, true, nil
	}

	var rows []domain.Row
	if filterSpec.SearchDatabase {
		stageStart = time.Now()
		retrieved, err := u.retrieveRows(ctx, cfg, filterSpec, sortSpec)
		u.observer.StageFinished("retrieval", time.Since(stageStart))
		if err != nil {
			return nil, false, err
		}
		rows = retrieved
	}

	fuzzyApplied := false
	if cfg.FuzzyEnabled() && len(rows) > 0 {
		stageStart = time.Now()
		fuzzyApplied = applyFuzzyScores(cfg, filterSpec, rows)
		u.observer.StageFinished("fuzzy", time.Since(stageStart))
	}

	if cfg.UseEmbeddings && len(rows) > 0 && questionVec != nil {
		stageStart = time.Now()
		rows = u.applyEmbeddingScores(ctx, cfg, rows, fuzzyApplied, questionVec)
		u.observer.StageFinished("embedding", time.Since(stageStart))
	}

	answer := &domain.Answer{}
	if len(rows) == 0 {
		answer.Text = cfg.NoDataMessage
	} else {
		stageStart = time.Now()
		value, err := u.semanticFilter(ctx, cfg, question, rows)
		u.observer.StageFinished(opSemanticFilter, time.Since(stageStart))
		if err != nil {
			return nil, false, err
		}
		switch typed := value.(type) {
		case string:
			answer.Text = typed
		default:
			answer.JSON = typed
			answer.Structured = true
		}
	}

	stageStart = time.Now()
	err := u.postProcess(ctx, cfg, question, answer, rows, filterSpec, sortSpec)
	u.observer.StageFinished("post_process", time.Since(stageStart))
	if err != nil {
		return nil, false, err
	}
	return answer, false, nil
}

func applyOverrides(cfg *domain.AssistantConfig, overrides domain.Overrides) {
	if overrides.RowLimit > 0 {
		cfg.RowLimit = overrides.RowLimit
	}
	if overrides.OutputTemplate != "" {
		cfg.OutputTemplate = overrides.OutputTemplate
	}
	if overrides.SmartFormat != "" {
		cfg.SmartFormat = overrides.SmartFormat
	}
	if overrides.Structured != nil {
		cfg.StructuredOutput = *overrides.Structured
	}
}

func structuredRequired(cfg *domain.AssistantConfig, question domain.Question) bool {
	if question.Overrides.Structured != nil {
		return *question.Overrides.Structured
	}
	return cfg.StructuredOutput
}

// logAnswer publishes the answer-log event fire-and-forget; a failed
// publish never fails the request.
func (u *AskUseCase) logAnswer(ctx context.Context, cfg *domain.AssistantConfig, question domain.Question, answer *domain.Answer) {
	if !cfg.LogAnswers || u.answerLog == nil {
		return
	}
	event := ports.AnswerLogged{
		ID:        answer.TraceID,
		Assistant: cfg.Name,
		Question:  question.Text,
		Answer:    answer.Text,
		CreatedAt: time.Now().UTC(),
	}
	background := context.WithoutCancel(ctx)
	go func() {
		publishCtx, cancel := context.WithTimeout(background, answerLogTimeout)
		defer cancel()
		if err := u.answerLog.PublishAnswerLogged(publishCtx, event); err != nil {
			u.logger.Warn("answer log publish failed",
				"assistant", cfg.Name,
				"trace_id", event.ID,
				"error", err,
			)
		}
	}()
}

// Config returns the active snapshot, for health/introspection surfaces.
func (u *AskUseCase) Config() *domain.AssistantConfig {
	return u.active.Load()
}

type nopObserver struct{}

func (nopObserver) RequestFinished(string, time.Duration) {}
func (nopObserver) StageFinished(string, time.Duration)   {}
func (nopObserver) EmbeddingTooLate()                     {}
func (nopObserver) SegmentFailed()                        {}
func (nopObserver) HallucinationCheck(int, int)           {}
func (nopObserver) AnswerCacheLookup(bool)                {}
