package models

import (
	"time"

	dErrors "dimona/pkg/domain-errors"
	platformstrings "dimona/pkg/platform/strings"
)

// DesiredPeriod is what the owning record says should currently be declared.
// It is derived on demand and never persisted.
type DesiredPeriod struct {
	EmployerID            string
	WorkerID              string
	JointCommissionNumber string
	WorkerType            string
	Location              string
	StartsAt              time.Time
	EndsAt                time.Time
	SegmentIDs            []string
}

// Validate enforces identity and bounds. An empty segment set is valid: it
// asks for cancellation.
func (d DesiredPeriod) Validate() error {
	if d.EmployerID == "" {
		return dErrors.New(dErrors.CodeValidation, "employer_id is required")
	}
	if d.WorkerID == "" {
		return dErrors.New(dErrors.CodeValidation, "worker_id is required")
	}
	if len(d.Segments()) == 0 {
		return nil
	}
	if d.StartsAt.IsZero() || d.EndsAt.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "starts_at and ends_at are required")
	}
	if !d.StartsAt.Before(d.EndsAt) {
		return dErrors.New(dErrors.CodeValidation, "starts_at must be before ends_at")
	}
	return nil
}

// Segments returns the normalized segment id set.
func (d DesiredPeriod) Segments() []string {
	return platformstrings.NormalizeSet(d.SegmentIDs)
}

// HasSegments reports whether anything still needs to be covered.
func (d DesiredPeriod) HasSegments() bool {
	return len(d.Segments()) > 0
}
