package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "assessment"

var (
	registerOnce          sync.Once
	httpRequestsTotal     *prometheus.CounterVec
	httpLatencySeconds    *prometheus.HistogramVec
	httpErrorsTotal       *prometheus.CounterVec
	sessionsStartedTotal  prometheus.Counter
	sessionsTerminated    *prometheus.CounterVec
	sessionsActive        prometheus.Gauge
	evaluationsTotal      *prometheus.CounterVec
	evaluationSeconds     *prometheus.HistogramVec
	quotaRejectionsTotal  prometheus.Counter
	resultsPersistedTotal *prometheus.CounterVec
	streamClientsActive   prometheus.Gauge
	rateLimitedTotal      *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of assessment API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_latency_seconds",
			Help:      "Latency distribution for assessment API requests.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of error responses returned by assessment endpoints.",
		}, []string{"method", "route", "status"})

		sessionsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of assessment sessions started.",
		})

		sessionsTerminated = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_terminated_total",
			Help:      "Total number of sessions terminated, by reason.",
		}, []string{"reason"})

		sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently running.",
		})

		evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluation requests by mode and outcome.",
		}, []string{"mode", "outcome"})

		evaluationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_seconds",
			Help:      "Wall time of evaluation requests.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"mode"})

		quotaRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Test runs rejected because the item quota was spent.",
		})

		resultsPersistedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_persisted_total",
			Help:      "Final results written to storage, by outcome.",
		}, []string{"outcome"})

		streamClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients_active",
			Help:      "Number of open snapshot stream connections.",
		})

		rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a route rate limiter.",
		}, []string{"limiter"})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			httpErrorsTotal,
			sessionsStartedTotal,
			sessionsTerminated,
			sessionsActive,
			evaluationsTotal,
			evaluationSeconds,
			quotaRejectionsTotal,
			resultsPersistedTotal,
			streamClientsActive,
			rateLimitedTotal,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

func SessionsStarted() prometheus.Counter {
	RegisterMetrics()
	return sessionsStartedTotal
}

func SessionsTerminated() *prometheus.CounterVec {
	RegisterMetrics()
	return sessionsTerminated
}

func SessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return sessionsActive
}

// Evaluations is labelled by mode and outcome (ok, timeout, quota, rejected, error).
func Evaluations() *prometheus.CounterVec {
	RegisterMetrics()
	return evaluationsTotal
}

func EvaluationLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return evaluationSeconds
}

func QuotaRejections() prometheus.Counter {
	RegisterMetrics()
	return quotaRejectionsTotal
}

func ResultsPersisted() *prometheus.CounterVec {
	RegisterMetrics()
	return resultsPersistedTotal
}

func StreamClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamClientsActive
}

func RateLimited() *prometheus.CounterVec {
	RegisterMetrics()
	return rateLimitedTotal
}
