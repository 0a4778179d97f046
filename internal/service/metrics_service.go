package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the API
// and the queue domain.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	queueJoins         prometheus.Counter
	queuePromotions    prometheus.Counter
	queueCompletions   prometheus.Counter
	queueWithdrawals   prometheus.Counter
	materializedTotal  prometheus.Counter
	advancementRetries prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	queueJoins := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_joins_total",
		Help: "Total successful queue joins",
	})

	queuePromotions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_promotions_total",
		Help: "Total entries promoted to the submitting slot",
	})

	queueCompletions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_completions_total",
		Help: "Total completed defenses",
	})

	queueWithdrawals := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_withdrawals_total",
		Help: "Total withdrawals from queues",
	})

	materializedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_materialized_total",
		Help: "Total lab sessions materialized from schedule rules",
	})

	advancementRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_serialization_retries_total",
		Help: "Total queue transactions retried after serialization failures",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheHits, cacheMisses,
		queueJoins, queuePromotions, queueCompletions, queueWithdrawals, materializedTotal, advancementRetries, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:           registry,
		handler:            handler,
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		cacheLatency:       cacheLatency,
		cacheHits:          cacheHits,
		cacheMisses:        cacheMisses,
		queueJoins:         queueJoins,
		queuePromotions:    queuePromotions,
		queueCompletions:   queueCompletions,
		queueWithdrawals:   queueWithdrawals,
		materializedTotal:  materializedTotal,
		advancementRetries: advancementRetries,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a cache hit or miss with its latency.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// QueueJoin counts a successful join.
func (m *MetricsService) QueueJoin() {
	if m == nil {
		return
	}
	m.queueJoins.Inc()
}

// QueuePromotion counts an entry taking the submitting slot.
func (m *MetricsService) QueuePromotion() {
	if m == nil {
		return
	}
	m.queuePromotions.Inc()
}

// QueueCompletion counts a finished defense.
func (m *MetricsService) QueueCompletion() {
	if m == nil {
		return
	}
	m.queueCompletions.Inc()
}

// QueueWithdrawal counts a withdrawal.
func (m *MetricsService) QueueWithdrawal() {
	if m == nil {
		return
	}
	m.queueWithdrawals.Inc()
}

// SessionsMaterialized counts sessions created by the materializer.
func (m *MetricsService) SessionsMaterialized(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.materializedTotal.Add(float64(n))
}

// SerializationRetry counts a queue transaction retry.
func (m *MetricsService) SerializationRetry() {
	if m == nil {
		return
	}
	m.advancementRetries.Inc()
}
