package service

import (
	"context"
	"errors"
	"fmt"

	"dimona/internal/declaration/events"
	"dimona/internal/declaration/models"
	"dimona/internal/registry"
	id "dimona/pkg/domain"
	dErrors "dimona/pkg/domain-errors"
	"dimona/pkg/platform/sentinel"
)

// submit sends a pending declaration to the registry once. Retryable registry
// errors reschedule it with backoff until MaxSubmitAttempts; anything else
// fails it.
func (s *Service) submit(ctx context.Context, declarationID id.DeclarationID) error {
	d, err := s.declarations.FindByID(ctx, declarationID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.logger.WarnContext(ctx, "submit task for unknown declaration dropped", "declaration_id", declarationID)
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load declaration")
	}

	d, err = s.mutateDeclaration(ctx, d.PeriodID, declarationID, func(d *models.Declaration) error {
		if d.State != models.DeclarationStatePending || d.Reference != "" {
			return errSuperseded
		}
		d.RecordSubmitAttempt(s.now())
		return nil
	})
	if errors.Is(err, errSuperseded) {
		s.metrics.observeSubmission("", outcomeSkipped)
		return nil
	}
	if err != nil {
		return err
	}

	reference, err := s.registry.CreateDeclaration(ctx, d.ClientName, d.Payload)
	if err != nil {
		if registry.IsRetryable(err) && d.SubmitAttempts < s.config.MaxSubmitAttempts {
			delay := s.config.Backoff(d.SubmitAttempts)
			s.metrics.observeSubmission(d.Type, outcomeRetry)
			s.logger.WarnContext(ctx, "registry submission will be retried",
				"declaration_id", d.ID,
				"attempt", d.SubmitAttempts,
				"delay", delay,
				"error", err,
			)
			return s.enqueue(ctx, KindSubmit, declarationTask{DeclarationID: d.ID}, d.SubmitAttempts, delay)
		}
		s.metrics.observeSubmission(d.Type, outcomeFailed)
		return s.fail(ctx, d, submitFailureReason(err, d.SubmitAttempts), err)
	}

	d, err = s.mutateDeclaration(ctx, d.PeriodID, declarationID, func(d *models.Declaration) error {
		return d.AssignReference(reference, s.now())
	})
	if err != nil {
		return err
	}
	s.metrics.observeSubmission(d.Type, outcomeOK)
	s.logger.InfoContext(ctx, "declaration submitted",
		"declaration_id", d.ID,
		"period_id", d.PeriodID,
		"reference", reference,
		"attempts", d.SubmitAttempts,
	)

	if err := s.enqueue(ctx, KindPoll, declarationTask{DeclarationID: d.ID}, 0, s.config.InitialPollDelay); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to schedule first poll")
	}
	if p, err := s.periods.FindByID(ctx, d.PeriodID); err == nil {
		s.publish(ctx, events.New(events.TypeSubmitted, p, d, s.now()))
	}
	return nil
}

func submitFailureReason(err error, attempts int) string {
	if registry.IsRetryable(err) {
		return fmt.Sprintf("registry unavailable after %d submit attempts", attempts)
	}
	return fmt.Sprintf("registry refused submission (%s)", registry.GetCategory(err))
}

// mutateDeclaration re-reads a declaration under its period lock, applies fn
// and saves it with a compare-and-set on the state it was read in.
func (s *Service) mutateDeclaration(ctx context.Context, periodID id.PeriodID, declarationID id.DeclarationID, fn func(d *models.Declaration) error) (*models.Declaration, error) {
	var out *models.Declaration
	err := s.periodLocks.Do(ctx, periodID.String(), func(ctx context.Context) error {
		d, err := s.declarations.FindByID(ctx, declarationID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load declaration")
		}
		expected := d.State
		if err := fn(d); err != nil {
			return err
		}
		if err := s.declarations.Update(ctx, d, expected); err != nil {
			return storeError(err, "failed to save declaration")
		}
		out = d
		return nil
	})
	return out, err
}
