package service

import (
	"context"
	"errors"
	"fmt"

	"dimona/internal/declaration/events"
	"dimona/internal/declaration/models"
	"dimona/internal/declaration/planner"
	"dimona/internal/platform/queue"
	id "dimona/pkg/domain"
	dErrors "dimona/pkg/domain-errors"
	"dimona/pkg/platform/sentinel"
)

var (
	// errActiveDeclaration means the period still waits for a verdict; the
	// declare task is rescheduled.
	errActiveDeclaration = errors.New("period has an active declaration")

	// errSuperseded means the record moved on; the task has nothing left to do.
	errSuperseded = errors.New("superseded")
)

// Declare plans what owner currently needs and enqueues a declare task when
// anything must change. It never calls the registry and returns the planned
// operation.
func (s *Service) Declare(ctx context.Context, owner Declarable, clientName string) (planner.OperationType, error) {
	if owner == nil {
		return "", dErrors.New(dErrors.CodeValidation, "owner is required")
	}
	if !owner.ShouldDeclare() {
		return planner.OperationNone, nil
	}
	ref := owner.DeclarationOwner()
	if err := ref.Validate(); err != nil {
		return "", err
	}
	desired := owner.DesiredPeriod()
	if err := desired.Validate(); err != nil {
		return "", err
	}
	if err := s.registry.CheckClient(clientName); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("registry client %q is not configured", clientName))
	}

	latest, err := s.latestPeriod(ctx, ref)
	if err != nil {
		return "", err
	}
	op := planner.Plan(desired, latest)
	s.metrics.observePlanned(op.Type)

	// A newer request always retires older queued ones, even when it plans
	// nothing.
	generation := s.nextGeneration(ref)
	if op.IsNoop() {
		return op.Type, nil
	}

	t := declareTask{
		Owner:      ref,
		Desired:    desired,
		ClientName: clientName,
		Instance:   s.instance,
		Generation: generation,
	}
	if err := s.enqueue(ctx, KindDeclare, t, 0, 0); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to enqueue declare task")
	}
	s.logger.InfoContext(ctx, "declare task enqueued",
		"owner", ref.String(),
		"operation", op.Type,
		"generation", generation,
	)
	return op.Type, nil
}

func (s *Service) latestPeriod(ctx context.Context, owner models.OwnerRef) (*models.Period, error) {
	p, err := s.periods.FindLatestByOwner(ctx, owner)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load latest period")
	}
	return p, nil
}

// started is what a declare task produced under the owner lock.
type started struct {
	period      *models.Period
	declaration *models.Declaration
	// cancelledLocally is set when a never-registered period was cancelled
	// without a registry call.
	cancelledLocally bool
}

func (s *Service) handleDeclare(ctx context.Context, t declareTask) error {
	if s.superseded(t) {
		s.logger.InfoContext(ctx, "declare task superseded", "owner", t.Owner.String(), "generation", t.Generation)
		s.metrics.observeDeclare(planner.OperationNone, outcomeSuperseded)
		return nil
	}

	var op planner.Operation
	var result started
	err := s.ownerLocks.Do(ctx, t.Owner.String(), func(ctx context.Context) error {
		latest, err := s.latestPeriod(ctx, t.Owner)
		if err != nil {
			return err
		}
		op = planner.Plan(t.Desired, latest)
		switch op.Type {
		case planner.OperationNone:
			return nil
		case planner.OperationLink:
			return s.link(ctx, op)
		}
		result, err = s.start(ctx, t, op)
		return err
	})
	if errors.Is(err, errActiveDeclaration) {
		return s.deferDeclare(ctx, t, op.Type)
	}
	if err != nil {
		s.metrics.observeDeclare(op.Type, outcomeFailed)
		return err
	}

	switch {
	case result.cancelledLocally:
		s.metrics.observeDeclare(op.Type, outcomeResolvedHere)
		s.logger.InfoContext(ctx, "unregistered period cancelled", "period_id", result.period.ID, "owner", t.Owner.String())
		s.publish(ctx, events.New(events.TypePeriodCancelled, result.period, nil, s.now()))
		return nil
	case result.declaration != nil:
		s.metrics.observeDeclare(op.Type, outcomeOK)
		s.logger.InfoContext(ctx, "declaration started",
			"period_id", result.period.ID,
			"declaration_id", result.declaration.ID,
			"type", result.declaration.Type,
		)
		return s.submitStarted(ctx, result.declaration.ID)
	default:
		s.metrics.observeDeclare(op.Type, outcomeOK)
		return nil
	}
}

// submitStarted runs the first submission inline. The declaration is already
// stored, so a transient failure is retried as a submit task; rerunning the
// declare task would only find the period busy.
func (s *Service) submitStarted(ctx context.Context, declarationID id.DeclarationID) error {
	err := s.submit(ctx, declarationID)
	if err == nil || !retryableTaskError(err) {
		return err
	}
	task, terr := queue.NewTask(KindSubmit, declarationTask{DeclarationID: declarationID}, 0)
	if terr != nil {
		return errors.Join(err, terr)
	}
	return s.retry(ctx, task, err)
}

func (s *Service) deferDeclare(ctx context.Context, t declareTask, op planner.OperationType) error {
	t.Deferrals++
	if t.Deferrals > s.config.MaxDeclareDeferrals {
		s.metrics.observeDeclare(op, outcomeFailed)
		return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("owner %s still has an active declaration after %d deferrals", t.Owner, t.Deferrals-1))
	}
	delay := s.config.Backoff(t.Deferrals)
	s.metrics.observeDeclare(op, outcomeDeferred)
	s.logger.InfoContext(ctx, "declare task deferred behind active declaration",
		"owner", t.Owner.String(),
		"deferrals", t.Deferrals,
		"delay", delay,
	)
	return s.enqueue(ctx, KindDeclare, t, t.Deferrals, delay)
}

// link attaches new segments to a live period. It never talks to the registry.
func (s *Service) link(ctx context.Context, op planner.Operation) error {
	return s.periodLocks.Do(ctx, op.Actual.ID.String(), func(ctx context.Context) error {
		p, err := s.periods.FindByID(ctx, op.Actual.ID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load period")
		}
		expected := p.State
		added, err := p.AttachLinks(op.NewSegments, s.now())
		if err != nil {
			return err
		}
		if len(added) == 0 {
			return nil
		}
		if err := s.periods.Update(ctx, p, expected); err != nil {
			return storeError(err, "failed to save period links")
		}
		s.logger.InfoContext(ctx, "segments linked", "period_id", p.ID, "segments", added)
		return nil
	})
}

// start persists the period change and the pending declaration as one unit.
func (s *Service) start(ctx context.Context, t declareTask, op planner.Operation) (started, error) {
	if op.Actual == nil {
		return s.startFresh(ctx, t, op)
	}

	var out started
	err := s.periodLocks.Do(ctx, op.Actual.ID.String(), func(ctx context.Context) error {
		return s.tx.RunInTx(ctx, func(ctx context.Context) error {
			p, err := s.periods.FindByID(ctx, op.Actual.ID)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load period")
			}
			if p.State != op.Actual.State {
				// planned against a stale read; run again later
				return errActiveDeclaration
			}
			if _, err := s.declarations.FindActiveByPeriod(ctx, p.ID); err == nil {
				return errActiveDeclaration
			} else if !errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check active declaration")
			}

			now := s.now()
			expected := p.State
			typ, _ := op.DeclarationType()
			switch op.Type {
			case planner.OperationCreate:
				if err := p.ApplyDesired(op.Desired, now); err != nil {
					return err
				}
			case planner.OperationUpdate:
				if err := p.ApplyDesired(op.Desired, now); err != nil {
					return err
				}
				if p.RegistryPeriodID == "" {
					typ = models.DeclarationTypeIn
				}
			case planner.OperationCancel:
				if p.RegistryPeriodID == "" {
					if err := p.TransitionTo(models.PeriodStateCancelled, now); err != nil {
						return err
					}
					if err := s.periods.Update(ctx, p, expected); err != nil {
						return storeError(err, "failed to cancel period")
					}
					out = started{period: p, cancelledLocally: true}
					return nil
				}
			}

			if p.State != models.PeriodStatePending {
				if err := p.TransitionTo(models.PeriodStatePending, now); err != nil {
					return err
				}
			}
			d, err := s.newDeclaration(p, typ, t.ClientName)
			if err != nil {
				return err
			}
			if err := s.periods.Update(ctx, p, expected); err != nil {
				return storeError(err, "failed to save period")
			}
			if err := s.declarations.Create(ctx, d); err != nil {
				if errors.Is(err, sentinel.ErrConflict) {
					return errActiveDeclaration
				}
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save declaration")
			}
			out = started{period: p, declaration: d}
			return nil
		})
	})
	return out, err
}

func (s *Service) startFresh(ctx context.Context, t declareTask, op planner.Operation) (started, error) {
	now := s.now()
	p, err := models.NewPeriod(id.NewPeriodID(), t.Owner, op.Desired, now)
	if err != nil {
		return started{}, err
	}
	if err := p.TransitionTo(models.PeriodStatePending, now); err != nil {
		return started{}, err
	}
	d, err := s.newDeclaration(p, models.DeclarationTypeIn, t.ClientName)
	if err != nil {
		return started{}, err
	}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.periods.Create(ctx, p); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				// another worker created the owner's live period first
				return errActiveDeclaration
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create period")
		}
		if err := s.declarations.Create(ctx, d); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create declaration")
		}
		return nil
	})
	if err != nil {
		return started{}, err
	}
	return started{period: p, declaration: d}, nil
}

func (s *Service) newDeclaration(p *models.Period, typ models.DeclarationType, clientName string) (*models.Declaration, error) {
	body, err := s.payloads.Build(typ, p)
	if err != nil {
		return nil, err
	}
	return models.NewDeclaration(id.NewDeclarationID(), p.ID, typ, clientName, body, s.now())
}

// storeError maps a failed compare-and-set onto a state conflict.
func storeError(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeStateConflict, msg)
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
