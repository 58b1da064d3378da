package registry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for registry calls.
type Metrics struct {
	Requests       *prometheus.CounterVec
	Latency        *prometheus.HistogramVec
	TokenFetches   *prometheus.CounterVec
	BreakerOpen    *prometheus.GaugeVec
	TokenRefreshed *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_registry_requests_total",
			Help: "Registry calls by operation, client and outcome category",
		}, []string{"operation", "client", "outcome"}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dimona_registry_request_duration_seconds",
			Help:    "Registry call latency by operation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
		TokenFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_registry_token_fetches_total",
			Help: "Token endpoint calls by client and outcome",
		}, []string{"client", "outcome"}),
		BreakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dimona_registry_circuit_open",
			Help: "1 while the circuit breaker of a client is open",
		}, []string{"client"}),
		TokenRefreshed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_registry_unauthorized_retries_total",
			Help: "Calls retried after a 401 invalidated the cached token",
		}, []string{"client"}),
	}
}

func (m *Metrics) observeRequest(operation, client, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(operation, client, outcome).Inc()
	m.Latency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) observeTokenFetch(client, outcome string) {
	if m == nil {
		return
	}
	m.TokenFetches.WithLabelValues(client, outcome).Inc()
}

func (m *Metrics) setBreakerOpen(client string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(client).Set(v)
}

func (m *Metrics) incUnauthorizedRetry(client string) {
	if m == nil {
		return
	}
	m.TokenRefreshed.WithLabelValues(client).Inc()
}
