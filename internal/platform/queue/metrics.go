package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK    = "ok"
	outcomeError = "error"
	outcomePanic = "panic"
)

// Metrics holds Prometheus metrics for task dispatch.
type Metrics struct {
	Submitted      *prometheus.CounterVec
	Handled        *prometheus.CounterVec
	HandleDuration *prometheus.HistogramVec
	Scheduled      prometheus.Gauge
}

// NewMetrics registers queue metrics on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Submitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_queue_tasks_submitted_total",
			Help: "Tasks submitted by kind",
		}, []string{"kind"}),
		Handled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_queue_tasks_handled_total",
			Help: "Tasks handled by kind and outcome",
		}, []string{"kind", "outcome"}),
		HandleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dimona_queue_task_duration_seconds",
			Help:    "Task handling latency by kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		Scheduled: f.NewGauge(prometheus.GaugeOpts{
			Name: "dimona_queue_tasks_scheduled",
			Help: "Tasks waiting for their due time in this process",
		}),
	}
}

func (m *Metrics) observeSubmitted(kind Kind) {
	if m == nil {
		return
	}
	m.Submitted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeHandled(kind Kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Handled.WithLabelValues(string(kind), outcome).Inc()
	m.HandleDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) addScheduled(delta float64) {
	if m == nil {
		return
	}
	m.Scheduled.Add(delta)
}
