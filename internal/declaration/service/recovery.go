package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dimona/internal/declaration/models"
	dErrors "dimona/pkg/domain-errors"
)

const recoveryBatch = 200

// Recover reschedules active declarations that nothing has touched for
// StaleAfter. Their follow-up task was lost to a crash, a dropped queue entry
// or a spent retry budget. A declaration with a registry reference gets a
// poll task, one without gets a submit task. It returns how many were
// rescheduled.
func (s *Service) Recover(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.config.StaleAfter)
	stale, err := s.declarations.ListActive(ctx, cutoff, recoveryBatch)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list active declarations")
	}

	var errs []error
	recovered := 0
	for _, found := range stale {
		// touched rows drop out of concurrent sweeps
		d, err := s.mutateDeclaration(ctx, found.PeriodID, found.ID, func(d *models.Declaration) error {
			if !d.IsActive() || !d.UpdatedAt.Before(cutoff) {
				return errSuperseded
			}
			d.UpdatedAt = s.now()
			return nil
		})
		if errors.Is(err, errSuperseded) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		kind, attempt := KindSubmit, d.SubmitAttempts
		if d.Reference != "" {
			kind, attempt = KindPoll, d.PollCount
		}
		if err := s.enqueue(ctx, kind, declarationTask{DeclarationID: d.ID}, attempt, 0); err != nil {
			errs = append(errs, fmt.Errorf("reschedule declaration %s: %w", d.ID, err))
			continue
		}
		recovered++
		s.metrics.observeRecovered(kind)
		s.logger.WarnContext(ctx, "stale declaration rescheduled",
			"declaration_id", d.ID,
			"period_id", d.PeriodID,
			"kind", kind,
			"state", d.State,
		)
	}
	return recovered, errors.Join(errs...)
}

// RunRecovery sweeps once immediately and then every RecoveryInterval until
// ctx is cancelled. Sweep errors are logged; the next tick tries again.
func (s *Service) RunRecovery(ctx context.Context) error {
	interval := s.config.RecoveryInterval
	if interval <= 0 {
		interval = DefaultConfig().RecoveryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	n, err := s.Recover(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "declaration recovery sweep failed", "recovered", n, "error", err)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "declaration recovery sweep finished", "recovered", n)
	}
}
