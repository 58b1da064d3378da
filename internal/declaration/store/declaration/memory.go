package declaration

import (
	"context"
	"sort"
	"sync"
	"time"

	"dimona/internal/declaration/models"
	id "dimona/pkg/domain"
	"dimona/pkg/platform/sentinel"
)

// InMemory is a map-backed declaration store. It enforces the same
// uniqueness rules as the Postgres schema: one active declaration per period
// and unique registry references.
type InMemory struct {
	mu           sync.RWMutex
	declarations map[id.DeclarationID]*models.Declaration
	byPeriod     map[id.PeriodID][]id.DeclarationID
}

func NewInMemory() *InMemory {
	return &InMemory{
		declarations: make(map[id.DeclarationID]*models.Declaration),
		byPeriod:     make(map[id.PeriodID][]id.DeclarationID),
	}
}

func (s *InMemory) Create(_ context.Context, d *models.Declaration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.declarations[d.ID]; exists {
		return sentinel.ErrConflict
	}
	if d.IsActive() && s.activeLocked(d.PeriodID, d.ID) != nil {
		return sentinel.ErrConflict
	}
	if d.Reference != "" && s.referenceTakenLocked(d.Reference, d.ID) {
		return sentinel.ErrConflict
	}
	s.declarations[d.ID] = d.Clone()
	s.byPeriod[d.PeriodID] = append(s.byPeriod[d.PeriodID], d.ID)
	return nil
}

func (s *InMemory) FindByID(_ context.Context, declarationID id.DeclarationID) (*models.Declaration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.declarations[declarationID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return d.Clone(), nil
}

// FindActiveByPeriod returns the pending or waiting declaration of a period.
func (s *InMemory) FindActiveByPeriod(_ context.Context, periodID id.PeriodID) (*models.Declaration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d := s.activeLocked(periodID, id.DeclarationID{}); d != nil {
		return d.Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

// ListByPeriod returns every declaration of a period, oldest first.
func (s *InMemory) ListByPeriod(_ context.Context, periodID id.PeriodID) ([]*models.Declaration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Declaration, 0, len(s.byPeriod[periodID]))
	for _, did := range s.byPeriod[periodID] {
		out = append(out, s.declarations[did].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListActive returns up to limit active declarations last updated before
// updatedBefore, least recently updated first.
func (s *InMemory) ListActive(_ context.Context, updatedBefore time.Time, limit int) ([]*models.Declaration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Declaration, 0)
	for _, d := range s.declarations {
		if d.IsActive() && d.UpdatedAt.Before(updatedBefore) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update replaces the stored declaration when its state still equals expected.
func (s *InMemory) Update(_ context.Context, d *models.Declaration, expected models.DeclarationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.declarations[d.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.State != expected {
		return sentinel.ErrInvalidState
	}
	if d.Reference != "" && s.referenceTakenLocked(d.Reference, d.ID) {
		return sentinel.ErrConflict
	}
	s.declarations[d.ID] = d.Clone()
	return nil
}

func (s *InMemory) activeLocked(periodID id.PeriodID, except id.DeclarationID) *models.Declaration {
	for _, did := range s.byPeriod[periodID] {
		if did == except {
			continue
		}
		if d := s.declarations[did]; d.IsActive() {
			return d
		}
	}
	return nil
}

func (s *InMemory) referenceTakenLocked(ref string, except id.DeclarationID) bool {
	for did, d := range s.declarations {
		if did != except && d.Reference == ref {
			return true
		}
	}
	return false
}
