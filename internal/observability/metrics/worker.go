package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics covers the answer-log worker.
type WorkerMetrics struct {
	registry *prometheus.Registry

	eventsTotal    *prometheus.CounterVec
	expiredDeleted prometheus.Counter
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "taa",
			Subsystem:   "worker",
			Name:        "answer_log_events_total",
			Help:        "Consumed answer-log events by status.",
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	expiredDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "taa",
		Subsystem:   "worker",
		Name:        "answer_log_expired_total",
		Help:        "Answer-log rows removed by the rolling expiry sweep.",
		ConstLabels: constLabels,
	})

	registry.MustRegister(eventsTotal, expiredDeleted)

	return &WorkerMetrics{
		registry:       registry,
		eventsTotal:    eventsTotal,
		expiredDeleted: expiredDeleted,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) EventProcessed(err error, _ time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.eventsTotal.WithLabelValues(status).Inc()
}

func (m *WorkerMetrics) ExpiredDeleted(count int64) {
	if count > 0 {
		m.expiredDeleted.Add(float64(count))
	}
}
