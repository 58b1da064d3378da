package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts published and failed events.
type Metrics struct {
	Published *prometheus.CounterVec
	Failed    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_events_published_total",
			Help: "Declaration events written to the stream by type",
		}, []string{"type"}),
		Failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_events_publish_failures_total",
			Help: "Declaration events the stream did not acknowledge by type",
		}, []string{"type"}),
	}
}

func (m *Metrics) incPublished(t Type) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) incFailed(t Type) {
	if m == nil {
		return
	}
	m.Failed.WithLabelValues(string(t)).Inc()
}
