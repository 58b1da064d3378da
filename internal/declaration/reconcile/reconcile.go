// Package reconcile detaches employment segments that no longer exist from
// the live periods that still reference them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dimona/internal/declaration/events"
	"dimona/internal/declaration/models"
	id "dimona/pkg/domain"
	dErrors "dimona/pkg/domain-errors"
	"dimona/pkg/platform/sentinel"
	platformstrings "dimona/pkg/platform/strings"
)

type PeriodStore interface {
	FindByID(ctx context.Context, periodID id.PeriodID) (*models.Period, error)
	FindLive(ctx context.Context, employerID, workerID string, window models.Window) ([]*models.Period, error)
	Update(ctx context.Context, p *models.Period, expected models.PeriodState) error
}

// Locker serialises work per period.
type Locker interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// Scope selects the periods of one employer/worker pair that intersect a
// half-open window.
type Scope struct {
	EmployerID string       `json:"employer_id"`
	WorkerID   string       `json:"worker_id"`
	Window     models.Window `json:"window"`
}

func (s Scope) Validate() error {
	if s.EmployerID == "" || s.WorkerID == "" {
		return dErrors.New(dErrors.CodeValidation, "employer_id and worker_id are required")
	}
	return s.Window.Validate()
}

// Result reports the segments removed per period.
type Result struct {
	Detached map[id.PeriodID][]string
}

// Touched is the number of periods that lost at least one link.
func (r Result) Touched() int {
	return len(r.Detached)
}

type Reconciler struct {
	periods   PeriodStore
	locks     Locker
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

func WithEventPublisher(p EventPublisher) Option {
	return func(r *Reconciler) {
		r.publisher = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

func New(periods PeriodStore, locks Locker, opts ...Option) (*Reconciler, error) {
	if periods == nil {
		return nil, fmt.Errorf("period store is required")
	}
	if locks == nil {
		return nil, fmt.Errorf("period locker is required")
	}
	r := &Reconciler{
		periods: periods,
		locks:   locks,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Reconcile removes from every live period in scope the links that are not
// in current. It never changes a period's state and never touches cancelled
// or failed periods.
func (r *Reconciler) Reconcile(ctx context.Context, scope Scope, current []string) (Result, error) {
	if err := scope.Validate(); err != nil {
		return Result{}, err
	}
	current = platformstrings.NormalizeSet(current)

	candidates, err := r.periods.FindLive(ctx, scope.EmployerID, scope.WorkerID, scope.Window)
	if err != nil {
		return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list live periods")
	}

	result := Result{Detached: make(map[id.PeriodID][]string)}
	for _, candidate := range candidates {
		if len(platformstrings.Difference(candidate.Links, current)) == 0 {
			continue
		}
		removed, err := r.reconcilePeriod(ctx, candidate.ID, current)
		if err != nil {
			return result, err
		}
		if len(removed) > 0 {
			result.Detached[candidate.ID] = removed
		}
	}
	return result, nil
}

func (r *Reconciler) reconcilePeriod(ctx context.Context, periodID id.PeriodID, current []string) ([]string, error) {
	var removed []string
	var changed *models.Period
	err := r.locks.Do(ctx, periodID.String(), func(ctx context.Context) error {
		// the period may have moved on since it was listed
		p, err := r.periods.FindByID(ctx, periodID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load period")
		}
		if !p.IsLive() {
			return nil
		}
		stale := platformstrings.Difference(p.Links, current)
		if len(stale) == 0 {
			return nil
		}
		expected := p.State
		removed, err = p.DetachLinks(stale, r.now())
		if err != nil {
			return err
		}
		if err := r.periods.Update(ctx, p, expected); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return dErrors.Wrap(err, dErrors.CodeStateConflict, "period changed during reconciliation")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save period")
		}
		changed = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed != nil {
		r.logger.InfoContext(ctx, "detached stale links",
			"period_id", periodID,
			"segments", removed,
			"remaining", len(changed.Links),
		)
		if r.publisher != nil {
			e := events.New(events.TypeLinksDetached, changed, nil, r.now())
			e.Segments = removed
			if err := r.publisher.Publish(ctx, e); err != nil {
				r.logger.WarnContext(ctx, "links detached event not published", "period_id", periodID, "error", err)
			}
		}
	}
	return removed, nil
}
