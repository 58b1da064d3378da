package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dimona/internal/declaration/models"
	"dimona/internal/declaration/planner"
	"dimona/internal/platform/queue"
)

const (
	outcomeOK           = "ok"
	outcomeRetry        = "retry"
	outcomeFailed       = "failed"
	outcomeNotReady     = "not_processed"
	outcomeVerdict      = "verdict"
	outcomeSkipped      = "skipped"
	outcomeDeferred     = "deferred"
	outcomeSuperseded   = "superseded"
	outcomeResolvedHere = "resolved_locally"
)

// Metrics holds Prometheus metrics for the declaration workers.
type Metrics struct {
	Planned     *prometheus.CounterVec
	Declares    *prometheus.CounterVec
	Submissions *prometheus.CounterVec
	Polls       *prometheus.CounterVec
	Verdicts    *prometheus.CounterVec
	Failures    *prometheus.CounterVec
	TaskRetries *prometheus.CounterVec
	Recovered   *prometheus.CounterVec
}

// NewMetrics registers service metrics on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Planned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_declare_planned_total",
			Help: "Declare calls by planned operation",
		}, []string{"operation"}),
		Declares: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_declare_tasks_total",
			Help: "Declare tasks by operation and outcome",
		}, []string{"operation", "outcome"}),
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_declaration_submissions_total",
			Help: "Registry submissions by declaration type and outcome",
		}, []string{"type", "outcome"}),
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_declaration_polls_total",
			Help: "Registry polls by outcome",
		}, []string{"outcome"}),
		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_declaration_verdicts_total",
			Help: "Registry verdicts by declaration type and resulting state",
		}, []string{"type", "state"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_declaration_failures_total",
			Help: "Declarations given up on, by type",
		}, []string{"type"}),
		TaskRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_task_retries_total",
			Help: "Tasks redelivered after a handler error, by kind and outcome",
		}, []string{"kind", "outcome"}),
		Recovered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dimona_declarations_recovered_total",
			Help: "Stale active declarations rescheduled by the recovery sweep, by task kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) observePlanned(op planner.OperationType) {
	if m == nil {
		return
	}
	m.Planned.WithLabelValues(string(op)).Inc()
}

func (m *Metrics) observeDeclare(op planner.OperationType, outcome string) {
	if m == nil {
		return
	}
	m.Declares.WithLabelValues(string(op), outcome).Inc()
}

func (m *Metrics) observeSubmission(typ models.DeclarationType, outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(string(typ), outcome).Inc()
}

func (m *Metrics) observePoll(outcome string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeVerdict(typ models.DeclarationType, state models.DeclarationState) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(string(typ), string(state)).Inc()
}

func (m *Metrics) observeFailure(typ models.DeclarationType) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) observeTaskRetry(kind queue.Kind, outcome string) {
	if m == nil {
		return
	}
	m.TaskRetries.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) observeRecovered(kind queue.Kind) {
	if m == nil {
		return
	}
	m.Recovered.WithLabelValues(string(kind)).Inc()
}
