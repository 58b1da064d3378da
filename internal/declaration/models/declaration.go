package models

import (
	"encoding/json"
	"time"

	id "dimona/pkg/domain"
	dErrors "dimona/pkg/domain-errors"
)

// Declaration is one submission of a period to the registry.
//
// Invariants:
//   - Reference is empty until the registry accepts the submission, then never changes
//   - a poll-driven transition out of pending requires a Reference
//   - Payload is the exact body sent
type Declaration struct {
	ID             id.DeclarationID `json:"id"`
	PeriodID       id.PeriodID      `json:"period_id"`
	Type           DeclarationType  `json:"type"`
	State          DeclarationState `json:"state"`
	ClientName     string           `json:"client_name,omitempty"`
	Reference      string           `json:"reference,omitempty"`
	Payload        json.RawMessage  `json:"payload"`
	Anomalies      json.RawMessage  `json:"anomalies,omitempty"`
	ResultCode     string           `json:"result_code,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	SubmitAttempts int              `json:"submit_attempts"`
	PollCount      int              `json:"poll_count"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// NewDeclaration builds a pending declaration carrying payload.
func NewDeclaration(declarationID id.DeclarationID, periodID id.PeriodID, typ DeclarationType, clientName string, payload json.RawMessage, now time.Time) (*Declaration, error) {
	if declarationID.IsNil() || periodID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "declaration and period ids are required")
	}
	if _, err := ParseDeclarationType(string(typ)); err != nil {
		return nil, err
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "declaration payload must be valid JSON")
	}
	return &Declaration{
		ID:         declarationID,
		PeriodID:   periodID,
		Type:       typ,
		State:      DeclarationStatePending,
		ClientName: clientName,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (d *Declaration) IsActive() bool { return d.State.IsActive() }

// RecordSubmitAttempt counts one createDeclaration call.
func (d *Declaration) RecordSubmitAttempt(now time.Time) {
	d.SubmitAttempts++
	d.UpdatedAt = now
}

// AssignReference stores the registry reference. It succeeds once.
func (d *Declaration) AssignReference(ref string, now time.Time) error {
	if ref == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "reference must not be empty")
	}
	if d.Reference != "" {
		return stateConflict("declaration %s already has reference %s", d.ID, d.Reference)
	}
	if d.State != DeclarationStatePending {
		return stateConflict("declaration %s is %s and cannot receive a reference", d.ID, d.State)
	}
	d.Reference = ref
	d.UpdatedAt = now
	return nil
}

// RecordPoll counts one getDeclaration call.
func (d *Declaration) RecordPoll(now time.Time) {
	d.PollCount++
	d.UpdatedAt = now
}

// ApplyVerdict moves the declaration to the state the registry reported.
func (d *Declaration) ApplyVerdict(target DeclarationState, resultCode string, anomalies json.RawMessage, now time.Time) error {
	if d.Reference == "" {
		return stateConflict("declaration %s has no reference; verdicts need a submitted declaration", d.ID)
	}
	if target == d.State && target == DeclarationStateWaiting {
		d.ResultCode = resultCode
		d.Anomalies = anomalies
		d.UpdatedAt = now
		return nil
	}
	if !d.State.CanTransitionTo(target) {
		return stateConflict("declaration %s cannot move from %s to %s", d.ID, d.State, target)
	}
	d.State = target
	d.ResultCode = resultCode
	d.Anomalies = anomalies
	d.UpdatedAt = now
	return nil
}

// Fail records a permanent failure with a human readable reason.
func (d *Declaration) Fail(reason string, now time.Time) error {
	if !d.State.CanTransitionTo(DeclarationStateFailed) {
		return stateConflict("declaration %s cannot fail from %s", d.ID, d.State)
	}
	d.State = DeclarationStateFailed
	d.FailureReason = reason
	d.UpdatedAt = now
	return nil
}

// Clone returns a deep copy.
func (d *Declaration) Clone() *Declaration {
	if d == nil {
		return nil
	}
	c := *d
	c.Payload = append(json.RawMessage(nil), d.Payload...)
	if d.Anomalies != nil {
		c.Anomalies = append(json.RawMessage(nil), d.Anomalies...)
	}
	return &c
}
