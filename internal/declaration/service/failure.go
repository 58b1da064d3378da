package service

import (
	"context"
	"errors"
	"fmt"

	"dimona/internal/declaration/events"
	"dimona/internal/declaration/models"
	"dimona/internal/declaration/verdict"
	dErrors "dimona/pkg/domain-errors"
)

// fail records a permanent failure of d, moves its period to where failures
// of that declaration type land, tells the notifier and returns an error that
// wraps ErrDeclarationFailed.
func (s *Service) fail(ctx context.Context, failed *models.Declaration, reason string, cause error) error {
	var p *models.Period
	var d *models.Declaration
	err := s.periodLocks.Do(ctx, failed.PeriodID.String(), func(ctx context.Context) error {
		return s.tx.RunInTx(ctx, func(ctx context.Context) error {
			var err error
			d, err = s.declarations.FindByID(ctx, failed.ID)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load declaration")
			}
			if !d.IsActive() {
				return errSuperseded
			}
			p, err = s.periods.FindByID(ctx, d.PeriodID)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load period")
			}

			now := s.now()
			expectedDeclaration, expectedPeriod := d.State, p.State
			if err := d.Fail(reason, now); err != nil {
				return err
			}
			target := verdict.PeriodStateOnFailure(d.Type)
			if p.State != target && p.State.CanTransitionTo(target) {
				if err := p.TransitionTo(target, now); err != nil {
					return err
				}
				if err := s.periods.Update(ctx, p, expectedPeriod); err != nil {
					return storeError(err, "failed to save failed period")
				}
			}
			if err := s.declarations.Update(ctx, d, expectedDeclaration); err != nil {
				return storeError(err, "failed to save failed declaration")
			}
			return nil
		})
	})
	if errors.Is(err, errSuperseded) {
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.observeFailure(d.Type)
	s.notifier.NotifyFailure(ctx, Failure{
		PeriodID:      p.ID,
		DeclarationID: d.ID,
		Type:          d.Type,
		Owner:         p.Owner,
		Reason:        reason,
		Cause:         cause,
	})
	s.publish(ctx, events.New(events.TypeFailed, p, d, s.now()))

	if cause != nil {
		return fmt.Errorf("%w: declaration %s: %s: %w", ErrDeclarationFailed, d.ID, reason, cause)
	}
	return fmt.Errorf("%w: declaration %s: %s", ErrDeclarationFailed, d.ID, reason)
}
