// Package events publishes declaration lifecycle events.
//
// Events are notifications for downstream consumers; the persisted period and
// declaration records stay the source of truth. Publishing is best effort:
// callers log a failed publish and carry on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dimona/internal/declaration/models"
	id "dimona/pkg/domain"
)

// Type names a lifecycle step.
type Type string

const (
	TypeSubmitted           Type = "submitted"
	TypeAccepted            Type = "accepted"
	TypeAcceptedWithWarning Type = "accepted_with_warning"
	TypeRefused             Type = "refused"
	TypeWaiting             Type = "waiting"
	TypeFailed              Type = "failed"
	TypePeriodCancelled     Type = "period_cancelled"
	TypeLinksDetached       Type = "links_detached"
)

// TypeForVerdict maps a declaration verdict state to its event type.
func TypeForVerdict(state models.DeclarationState) Type {
	switch state {
	case models.DeclarationStateAccepted:
		return TypeAccepted
	case models.DeclarationStateAcceptedWithWarning:
		return TypeAcceptedWithWarning
	case models.DeclarationStateRefused:
		return TypeRefused
	case models.DeclarationStateWaiting:
		return TypeWaiting
	default:
		return TypeFailed
	}
}

// Event is one lifecycle notification.
type Event struct {
	ID              string                 `json:"id"`
	Type            Type                   `json:"type"`
	PeriodID        id.PeriodID            `json:"period_id"`
	Owner           models.OwnerRef        `json:"owner"`
	DeclarationID   *id.DeclarationID      `json:"declaration_id,omitempty"`
	DeclarationType models.DeclarationType `json:"declaration_type,omitempty"`
	Reference       string                 `json:"reference,omitempty"`
	ResultCode      string                 `json:"result_code,omitempty"`
	PeriodState     models.PeriodState     `json:"period_state"`
	Anomalies       []string               `json:"anomalies,omitempty"`
	Segments        []string               `json:"segments,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
	OccurredAt      time.Time              `json:"occurred_at"`
}

// New builds an event for period, optionally tied to declaration d.
func New(typ Type, p *models.Period, d *models.Declaration, at time.Time) Event {
	e := Event{
		ID:          uuid.NewString(),
		Type:        typ,
		PeriodID:    p.ID,
		Owner:       p.Owner,
		PeriodState: p.State,
		OccurredAt:  at,
	}
	if d != nil {
		declarationID := d.ID
		e.DeclarationID = &declarationID
		e.DeclarationType = d.Type
		e.Reference = d.Reference
		e.ResultCode = d.ResultCode
		e.Reason = d.FailureReason
	}
	return e
}

// Producer writes keyed records to a stream.
type Producer interface {
	Publish(ctx context.Context, key, value []byte, headers map[string]string) error
}

// StreamPublisher writes events to a stream keyed by period id, which keeps
// the events of one period in order.
type StreamPublisher struct {
	producer Producer
	logger   *slog.Logger
	metrics  *Metrics
}

// Option configures the StreamPublisher.
type Option func(*StreamPublisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *StreamPublisher) {
		p.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *StreamPublisher) {
		p.metrics = m
	}
}

func NewStreamPublisher(producer Producer, opts ...Option) (*StreamPublisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	p := &StreamPublisher{producer: producer, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *StreamPublisher) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	headers := map[string]string{
		"event_type": string(e.Type),
		"event_id":   e.ID,
	}
	if err := p.producer.Publish(ctx, []byte(e.PeriodID.String()), value, headers); err != nil {
		p.metrics.incFailed(e.Type)
		p.logger.ErrorContext(ctx, "publish declaration event failed",
			"event_type", e.Type,
			"period_id", e.PeriodID,
			"error", err,
		)
		return err
	}
	p.metrics.incPublished(e.Type)
	return nil
}

// LogPublisher writes events to the structured log. It stands in when no
// stream is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.InfoContext(ctx, "declaration event",
		"event_type", e.Type,
		"period_id", e.PeriodID,
		"period_state", e.PeriodState,
		"reference", e.Reference,
		"result_code", e.ResultCode,
		"reason", e.Reason,
	)
	return nil
}
