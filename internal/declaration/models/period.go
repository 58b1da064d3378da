package models

import (
	"slices"
	"time"

	id "dimona/pkg/domain"
	dErrors "dimona/pkg/domain-errors"
	platformstrings "dimona/pkg/platform/strings"
)

// Period is one declared employment span of a worker for an employer.
//
// Invariants:
//   - StartsAt < EndsAt
//   - State is a known PeriodState and only moves along the transition table
//   - Links is a sorted set of external segment ids
//   - a terminal period (cancelled, failed) never gains or loses links
//   - RegistryPeriodID is set when the registry accepts the first declaration
//   - Version grows by one on every stored update
type Period struct {
	ID                    id.PeriodID `json:"id"`
	Owner                 OwnerRef    `json:"owner"`
	EmployerID            string      `json:"employer_id"`
	WorkerID              string      `json:"worker_id"`
	JointCommissionNumber string      `json:"joint_commission_number"`
	WorkerType            string      `json:"worker_type"`
	Location              string      `json:"location"`
	StartsAt              time.Time   `json:"starts_at"`
	EndsAt                time.Time   `json:"ends_at"`
	State                 PeriodState `json:"state"`
	Links                 []string    `json:"links"`
	RegistryPeriodID      string      `json:"registry_period_id,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
	Version               int64       `json:"version"`
}

// NewPeriod builds a period in state new from a desired description.
func NewPeriod(periodID id.PeriodID, owner OwnerRef, desired DesiredPeriod, now time.Time) (*Period, error) {
	if periodID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "period id is required")
	}
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if err := desired.Validate(); err != nil {
		return nil, err
	}
	if !desired.HasSegments() {
		return nil, dErrors.New(dErrors.CodeValidation, "a period needs at least one segment")
	}
	return &Period{
		ID:                    periodID,
		Owner:                 owner,
		EmployerID:            desired.EmployerID,
		WorkerID:              desired.WorkerID,
		JointCommissionNumber: desired.JointCommissionNumber,
		WorkerType:            desired.WorkerType,
		Location:              desired.Location,
		StartsAt:              desired.StartsAt,
		EndsAt:                desired.EndsAt,
		State:                 PeriodStateNew,
		Links:                 desired.Segments(),
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

// Validate checks the invariants that persistence relies on.
func (p *Period) Validate() error {
	if !p.StartsAt.Before(p.EndsAt) {
		return dErrors.New(dErrors.CodeInvariantViolation, "period starts_at must be before ends_at")
	}
	if !p.State.IsValid() {
		return dErrors.New(dErrors.CodeInvariantViolation, "period state is unknown")
	}
	return nil
}

func (p *Period) IsTerminal() bool { return p.State.IsTerminal() }
func (p *Period) IsLive() bool     { return p.State.IsLive() }

// CanTransitionTo returns a state conflict error when the table forbids the move.
func (p *Period) CanTransitionTo(target PeriodState) error {
	if !p.State.CanTransitionTo(target) {
		return stateConflict("period %s cannot move from %s to %s", p.ID, p.State, target)
	}
	return nil
}

// TransitionTo validates and applies a state change.
func (p *Period) TransitionTo(target PeriodState, now time.Time) error {
	if err := p.CanTransitionTo(target); err != nil {
		return err
	}
	p.State = target
	p.UpdatedAt = now
	return nil
}

// ScheduleDiffers reports a change in any field an update declaration carries.
func (p *Period) ScheduleDiffers(d DesiredPeriod) bool {
	return !p.StartsAt.Equal(d.StartsAt) ||
		!p.EndsAt.Equal(d.EndsAt) ||
		p.WorkerType != d.WorkerType ||
		p.JointCommissionNumber != d.JointCommissionNumber
}

// ApplyDesired copies schedule fields and the segment set from d. The caller
// has already decided an update or resubmission is due.
func (p *Period) ApplyDesired(d DesiredPeriod, now time.Time) error {
	if p.IsTerminal() {
		return stateConflict("period %s is %s and cannot be changed", p.ID, p.State)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	p.StartsAt = d.StartsAt
	p.EndsAt = d.EndsAt
	p.WorkerType = d.WorkerType
	p.JointCommissionNumber = d.JointCommissionNumber
	p.Location = d.Location
	p.Links = platformstrings.Union(p.Links, d.Segments())
	p.UpdatedAt = now
	return nil
}

// HasLink reports whether segmentID is covered by this period.
func (p *Period) HasLink(segmentID string) bool {
	_, found := slices.BinarySearch(p.Links, segmentID)
	return found
}

// AttachLinks adds segment ids and returns the ones that were new.
func (p *Period) AttachLinks(segmentIDs []string, now time.Time) ([]string, error) {
	if p.IsTerminal() {
		return nil, stateConflict("period %s is %s and cannot gain links", p.ID, p.State)
	}
	added := platformstrings.Difference(segmentIDs, p.Links)
	if len(added) == 0 {
		return added, nil
	}
	p.Links = platformstrings.Union(p.Links, added)
	p.UpdatedAt = now
	return added, nil
}

// DetachLinks removes segment ids and returns the ones that were present.
func (p *Period) DetachLinks(segmentIDs []string, now time.Time) ([]string, error) {
	if p.IsTerminal() {
		return nil, stateConflict("period %s is %s and cannot lose links", p.ID, p.State)
	}
	removed := platformstrings.Difference(p.Links, platformstrings.Difference(p.Links, segmentIDs))
	if len(removed) == 0 {
		return removed, nil
	}
	p.Links = platformstrings.Difference(p.Links, removed)
	p.UpdatedAt = now
	return removed, nil
}

// Clone returns a deep copy so stores never share link slices with callers.
func (p *Period) Clone() *Period {
	if p == nil {
		return nil
	}
	c := *p
	c.Links = slices.Clone(p.Links)
	if c.Links == nil {
		c.Links = []string{}
	}
	return &c
}
