// Package planner diffs a desired period description against the stored
// period and names the single operation that converges them.
package planner

import (
	"dimona/internal/declaration/models"
	platformstrings "dimona/pkg/platform/strings"
)

// OperationType is the planned action.
type OperationType string

const (
	OperationNone   OperationType = "none"
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationLink   OperationType = "link"
	OperationCancel OperationType = "cancel"
)

// Operation is the outcome of one planning pass.
type Operation struct {
	Type    OperationType
	Desired models.DesiredPeriod
	// Actual is nil for creations of a fresh period.
	Actual *models.Period
	// NewSegments lists segment ids a link operation attaches.
	NewSegments []string
}

// IsNoop reports whether nothing needs to happen.
func (o Operation) IsNoop() bool {
	return o.Type == OperationNone
}

// DeclarationType is the registry operation the plan requires; ok is false
// for plans that submit nothing (none, link).
func (o Operation) DeclarationType() (models.DeclarationType, bool) {
	switch o.Type {
	case OperationCreate:
		return models.DeclarationTypeIn, true
	case OperationUpdate:
		return models.DeclarationTypeUpdate, true
	case OperationCancel:
		return models.DeclarationTypeCancel, true
	}
	return "", false
}

// Plan is pure: the same inputs always give the same operation, and nothing
// is mutated.
//
// Rules, first match wins:
//  1. no actual period: create, unless nothing is desired
//  2. terminal actual: nothing when nothing is desired, otherwise create a fresh period
//  3. live actual and nothing desired: cancel
//  4. live actual never submitted (new): create; superseded (outdated): update
//  5. schedule, worker type or joint commission changed: update
//  6. desired segments strictly extend the links: link the new ones
//  7. otherwise nothing
func Plan(desired models.DesiredPeriod, actual *models.Period) Operation {
	segments := desired.Segments()
	op := Operation{Type: OperationNone, Desired: desired, Actual: actual}

	if actual == nil {
		if len(segments) > 0 {
			op.Type = OperationCreate
		}
		return op
	}

	if actual.IsTerminal() {
		if len(segments) > 0 {
			op.Type = OperationCreate
			op.Actual = nil
		}
		return op
	}

	if len(segments) == 0 {
		op.Type = OperationCancel
		return op
	}

	switch actual.State {
	case models.PeriodStateNew:
		op.Type = OperationCreate
		return op
	case models.PeriodStateOutdated:
		op.Type = OperationUpdate
		return op
	}

	if actual.ScheduleDiffers(desired) {
		op.Type = OperationUpdate
		return op
	}

	if platformstrings.IsStrictSuperset(segments, actual.Links) {
		op.Type = OperationLink
		op.NewSegments = platformstrings.Difference(segments, actual.Links)
		return op
	}

	return op
}
