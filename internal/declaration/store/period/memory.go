package period

import (
	"context"
	"sync"

	"dimona/internal/declaration/models"
	id "dimona/pkg/domain"
	"dimona/pkg/platform/sentinel"
)

// InMemory is a map-backed period store for tests and single-process use. It
// enforces the same rules as the Postgres schema: one live period per owner
// and a version compare-and-set on update.
type InMemory struct {
	mu      sync.RWMutex
	periods map[id.PeriodID]*models.Period
	byOwner map[models.OwnerRef][]id.PeriodID
}

func NewInMemory() *InMemory {
	return &InMemory{
		periods: make(map[id.PeriodID]*models.Period),
		byOwner: make(map[models.OwnerRef][]id.PeriodID),
	}
}

func (s *InMemory) Create(_ context.Context, p *models.Period) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.periods[p.ID]; exists {
		return sentinel.ErrConflict
	}
	if p.IsLive() && s.liveLocked(p.Owner) != nil {
		return sentinel.ErrConflict
	}
	s.periods[p.ID] = p.Clone()
	s.byOwner[p.Owner] = append(s.byOwner[p.Owner], p.ID)
	return nil
}

func (s *InMemory) FindByID(_ context.Context, periodID id.PeriodID) (*models.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.periods[periodID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return p.Clone(), nil
}

// FindLatestByOwner returns the most recently created period of owner.
func (s *InMemory) FindLatestByOwner(_ context.Context, owner models.OwnerRef) (*models.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Period
	for _, pid := range s.byOwner[owner] {
		p := s.periods[pid]
		if latest == nil || !p.CreatedAt.Before(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, sentinel.ErrNotFound
	}
	return latest.Clone(), nil
}

// FindLive returns live periods of the pair whose span intersects window.
func (s *InMemory) FindLive(_ context.Context, employerID, workerID string, window models.Window) ([]*models.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Period, 0)
	for _, p := range s.periods {
		if p.EmployerID != employerID || p.WorkerID != workerID {
			continue
		}
		if !p.IsLive() || !window.Intersects(p.StartsAt, p.EndsAt) {
			continue
		}
		out = append(out, p.Clone())
	}
	sortByStart(out)
	return out, nil
}

// Update replaces the stored period when its state still equals expected and
// its version equals p.Version. On success p.Version is incremented.
func (s *InMemory) Update(_ context.Context, p *models.Period, expected models.PeriodState) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.periods[p.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.State != expected || current.Version != p.Version {
		return sentinel.ErrInvalidState
	}
	p.Version++
	s.periods[p.ID] = p.Clone()
	return nil
}

func (s *InMemory) liveLocked(owner models.OwnerRef) *models.Period {
	for _, pid := range s.byOwner[owner] {
		if p := s.periods[pid]; p.IsLive() {
			return p
		}
	}
	return nil
}
