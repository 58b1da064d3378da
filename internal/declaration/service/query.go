package service

import (
	"context"
	"errors"

	"dimona/internal/declaration/models"
	id "dimona/pkg/domain"
	dErrors "dimona/pkg/domain-errors"
	"dimona/pkg/platform/sentinel"
)

// DeclarationView is a declaration with its anomalies already classified.
type DeclarationView struct {
	*models.Declaration
	Findings []string `json:"findings"`
}

// PeriodView is a period with its declaration history, oldest first.
type PeriodView struct {
	Period       *models.Period    `json:"period"`
	Declarations []DeclarationView `json:"declarations"`
}

// Period returns the period and its declaration history.
func (s *Service) Period(ctx context.Context, periodID id.PeriodID) (*PeriodView, error) {
	p, err := s.periods.FindByID(ctx, periodID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "period not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load period")
	}
	return s.view(ctx, p)
}

// LatestPeriod returns the most recent period of owner.
func (s *Service) LatestPeriod(ctx context.Context, owner models.OwnerRef) (*PeriodView, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	p, err := s.latestPeriod(ctx, owner)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "owner has no period")
	}
	return s.view(ctx, p)
}

func (s *Service) view(ctx context.Context, p *models.Period) (*PeriodView, error) {
	declarations, err := s.declarations.ListByPeriod(ctx, p.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list declarations")
	}
	view := &PeriodView{Period: p, Declarations: make([]DeclarationView, 0, len(declarations))}
	for _, d := range declarations {
		view.Declarations = append(view.Declarations, DeclarationView{
			Declaration: d,
			Findings:    s.classifier.Classify(d.Anomalies).Matched(),
		})
	}
	return view, nil
}
