package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineMetrics covers the answering pipeline. It implements
// ports.PipelineObserver.
type PipelineMetrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	stageDuration    *prometheus.HistogramVec
	embeddingTooLate prometheus.Counter
	segmentsFailed   prometheus.Counter

	hallucinationChecks  prometheus.Counter
	hallucinationScanned prometheus.Counter
	hallucinationRemoved prometheus.Counter

	embeddingLookups *prometheus.CounterVec
	answerCache      *prometheus.CounterVec
}

func NewPipelineMetrics(service string) *PipelineMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "taa",
			Subsystem:   "pipeline",
			Name:        "requests_total",
			Help:        "Answered questions by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "taa",
			Subsystem:   "pipeline",
			Name:        "request_duration_seconds",
			Help:        "Whole-pipeline duration by outcome.",
			Buckets:     []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "taa",
			Subsystem:   "pipeline",
			Name:        "stage_duration_seconds",
			Help:        "Per-stage duration.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
		[]string{"stage"},
	)
	embeddingTooLate := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "taa",
		Subsystem:   "pipeline",
		Name:        "embedding_too_late_total",
		Help:        "Embedding re-ranking results discarded for missing the stage deadline.",
		ConstLabels: constLabels,
	})
	segmentsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "taa",
		Subsystem:   "pipeline",
		Name:        "segments_failed_total",
		Help:        "Semantic-filter segments dropped after failure.",
		ConstLabels: constLabels,
	})
	hallucinationChecks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "taa",
		Subsystem:   "pipeline",
		Name:        "hallucination_checks_total",
		Help:        "Anti-hallucination stage invocations.",
		ConstLabels: constLabels,
	})
	hallucinationScanned := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "taa",
		Subsystem:   "pipeline",
		Name:        "hallucination_keys_scanned_total",
		Help:        "Answer keys scanned by the anti-hallucination stage.",
		ConstLabels: constLabels,
	})
	hallucinationRemoved := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "taa",
		Subsystem:   "pipeline",
		Name:        "hallucination_keys_removed_total",
		Help:        "Answer keys removed for not matching any retrieved row.",
		ConstLabels: constLabels,
	})
	embeddingLookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "taa",
			Subsystem:   "pipeline",
			Name:        "embedding_cache_lookups_total",
			Help:        "Row embedding cache lookups by result.",
			ConstLabels: constLabels,
		},
		[]string{"result"},
	)
	answerCache := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "taa",
			Subsystem:   "pipeline",
			Name:        "answer_cache_lookups_total",
			Help:        "Whole-answer cache lookups by result.",
			ConstLabels: constLabels,
		},
		[]string{"result"},
	)

	registry.MustRegister(
		requestsTotal, requestDuration, stageDuration,
		embeddingTooLate, segmentsFailed,
		hallucinationChecks, hallucinationScanned, hallucinationRemoved,
		embeddingLookups, answerCache,
	)

	return &PipelineMetrics{
		registry:             registry,
		requestsTotal:        requestsTotal,
		requestDuration:      requestDuration,
		stageDuration:        stageDuration,
		embeddingTooLate:     embeddingTooLate,
		segmentsFailed:       segmentsFailed,
		hallucinationChecks:  hallucinationChecks,
		hallucinationScanned: hallucinationScanned,
		hallucinationRemoved: hallucinationRemoved,
		embeddingLookups:     embeddingLookups,
		answerCache:          answerCache,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EmbeddingLookupCounter is handed to the embedding cache constructor.
func (m *PipelineMetrics) EmbeddingLookupCounter() *prometheus.CounterVec {
	return m.embeddingLookups
}

func (m *PipelineMetrics) RequestFinished(outcome string, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *PipelineMetrics) StageFinished(stage string, elapsed time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *PipelineMetrics) EmbeddingTooLate() {
	m.embeddingTooLate.Inc()
}

func (m *PipelineMetrics) SegmentFailed() {
	m.segmentsFailed.Inc()
}

func (m *PipelineMetrics) HallucinationCheck(scanned, removed int) {
	m.hallucinationChecks.Inc()
	m.hallucinationScanned.Add(float64(scanned))
	m.hallucinationRemoved.Add(float64(removed))
}

func (m *PipelineMetrics) AnswerCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.answerCache.WithLabelValues(result).Inc()
}
