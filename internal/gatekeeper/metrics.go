package gatekeeper

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// パイプラインの結果。
const (
	OutcomeRejected  = "rejected"
	OutcomeThrottled = "throttled"
	OutcomeDelegated = "delegated"
	OutcomeFailed    = "failed"
	OutcomePreflight = "preflight"
)

// Metrics はパイプラインのPrometheusメトリクス。nil の場合は何も記録しない。
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	backendErrors   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics は専用のレジストリにメトリクスを登録して返す。
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_requests_total",
				Help: "Total number of auth requests by method and pipeline outcome",
			},
			[]string{"method", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authgate_request_duration_seconds",
				Help:    "Auth request handling latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "outcome"},
		),
		backendErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authgate_ratelimit_backend_errors_total",
				Help: "Total number of rate limit backend failures",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.backendErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry はメトリクスのレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics 用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest はリクエスト1件の結果と処理時間を記録する。
func (m *Metrics) ObserveRequest(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method, outcome).Observe(d.Seconds())
}

// IncBackendErrors はレート制限バックエンドの障害を1件記録する。
func (m *Metrics) IncBackendErrors() {
	if m == nil {
		return
	}
	m.backendErrors.Inc()
}
