package service

import (
	"context"
	"errors"
	"fmt"

	"dimona/internal/declaration/events"
	"dimona/internal/declaration/models"
	"dimona/internal/declaration/verdict"
	"dimona/internal/registry"
	id "dimona/pkg/domain"
	dErrors "dimona/pkg/domain-errors"
	"dimona/pkg/platform/sentinel"
)

// poll asks the registry for the verdict of a submitted declaration and
// applies it to the declaration and its period in one unit.
func (s *Service) poll(ctx context.Context, declarationID id.DeclarationID) error {
	d, err := s.declarations.FindByID(ctx, declarationID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.logger.WarnContext(ctx, "poll task for unknown declaration dropped", "declaration_id", declarationID)
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load declaration")
	}

	d, err = s.mutateDeclaration(ctx, d.PeriodID, declarationID, func(d *models.Declaration) error {
		if !d.IsActive() || d.Reference == "" {
			return errSuperseded
		}
		d.RecordPoll(s.now())
		return nil
	})
	if errors.Is(err, errSuperseded) {
		s.metrics.observePoll(outcomeSkipped)
		return nil
	}
	if err != nil {
		return err
	}

	status, err := s.registry.GetDeclaration(ctx, d.ClientName, d.Reference)
	if err != nil {
		if registry.IsRetryable(err) {
			s.metrics.observePoll(outcomeRetry)
			return s.pollAgain(ctx, d, "registry unavailable", err)
		}
		s.metrics.observePoll(outcomeFailed)
		return s.fail(ctx, d, fmt.Sprintf("registry status unusable (%s)", registry.GetCategory(err)), err)
	}
	if !status.Processed {
		s.metrics.observePoll(outcomeNotReady)
		return s.pollAgain(ctx, d, "no verdict", nil)
	}
	s.metrics.observePoll(outcomeVerdict)

	state, ok := s.results.DeclarationState(status.ResultCode)
	if !ok {
		return s.fail(ctx, d, fmt.Sprintf("unknown registry result code %q", status.ResultCode), nil)
	}
	anomalies := s.classifier.Classify(status.Anomalies)
	periodState, err := verdict.PeriodStateFor(d.Type, state, anomalies)
	if err != nil {
		return s.fail(ctx, d, err.Error(), err)
	}

	p, d, err := s.applyVerdict(ctx, d, state, periodState, status)
	if errors.Is(err, errSuperseded) {
		return nil
	}
	if err != nil {
		return err
	}
	s.metrics.observeVerdict(d.Type, state)
	s.logger.InfoContext(ctx, "declaration verdict applied",
		"declaration_id", d.ID,
		"period_id", p.ID,
		"result", status.ResultCode,
		"declaration_state", d.State,
		"period_state", p.State,
		"anomalies", anomalies.Matched(),
	)

	e := events.New(events.TypeForVerdict(state), p, d, s.now())
	e.Anomalies = anomalies.Matched()
	s.publish(ctx, e)
	if p.State == models.PeriodStateCancelled {
		s.publish(ctx, events.New(events.TypePeriodCancelled, p, d, s.now()))
	}

	if state == models.DeclarationStateWaiting {
		return s.pollAgain(ctx, d, "verdict still waiting", nil)
	}
	return nil
}

// pollAgain schedules the next poll, or fails the declaration once the poll
// budget is spent.
func (s *Service) pollAgain(ctx context.Context, d *models.Declaration, why string, cause error) error {
	if d.PollCount >= s.config.MaxPollAttempts {
		return s.fail(ctx, d, fmt.Sprintf("%s after %d polls", why, d.PollCount), cause)
	}
	delay := s.config.Backoff(d.PollCount)
	s.logger.DebugContext(ctx, "poll rescheduled",
		"declaration_id", d.ID,
		"polls", d.PollCount,
		"reason", why,
		"delay", delay,
	)
	return s.enqueue(ctx, KindPoll, declarationTask{DeclarationID: d.ID}, d.PollCount, delay)
}

func (s *Service) applyVerdict(ctx context.Context, polled *models.Declaration, state models.DeclarationState, periodState models.PeriodState, status registry.Status) (*models.Period, *models.Declaration, error) {
	var p *models.Period
	var d *models.Declaration
	err := s.periodLocks.Do(ctx, polled.PeriodID.String(), func(ctx context.Context) error {
		return s.tx.RunInTx(ctx, func(ctx context.Context) error {
			var err error
			d, err = s.declarations.FindByID(ctx, polled.ID)
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
			if err := d.ApplyVerdict(state, status.ResultCode, status.Anomalies, now); err != nil {
				return err
			}
			if p.State != periodState {
				if err := p.TransitionTo(periodState, now); err != nil {
					return err
				}
			}
			if d.Type == models.DeclarationTypeIn && accepted(state) && p.RegistryPeriodID == "" && status.RegistryPeriodID != "" {
				p.RegistryPeriodID = status.RegistryPeriodID
				p.UpdatedAt = now
			}

			if err := s.periods.Update(ctx, p, expectedPeriod); err != nil {
				return storeError(err, "failed to save period verdict")
			}
			if err := s.declarations.Update(ctx, d, expectedDeclaration); err != nil {
				return storeError(err, "failed to save declaration verdict")
			}
			return nil
		})
	})
	return p, d, err
}

func accepted(state models.DeclarationState) bool {
	return state == models.DeclarationStateAccepted || state == models.DeclarationStateAcceptedWithWarning
}
