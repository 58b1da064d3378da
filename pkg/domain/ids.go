package domain

import (
	"github.com/google/uuid"

	dErrors "dimona/pkg/domain-errors"
)

// Typed identifiers keep period and declaration ids from being swapped.
type (
	PeriodID      uuid.UUID
	DeclarationID uuid.UUID
)

func NewPeriodID() PeriodID           { return PeriodID(uuid.New()) }
func NewDeclarationID() DeclarationID { return DeclarationID(uuid.New()) }

func (id PeriodID) String() string      { return uuid.UUID(id).String() }
func (id DeclarationID) String() string { return uuid.UUID(id).String() }

func (id PeriodID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id DeclarationID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id PeriodID) MarshalText() ([]byte, error)      { return uuid.UUID(id).MarshalText() }
func (id DeclarationID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *PeriodID) UnmarshalText(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*id = PeriodID(u)
	return nil
}

func (id *DeclarationID) UnmarshalText(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*id = DeclarationID(u)
	return nil
}

// ParsePeriodID parses a non-nil UUID.
func ParsePeriodID(s string) (PeriodID, error) {
	u, err := parseUUID(s, "period_id")
	return PeriodID(u), err
}

// ParseDeclarationID parses a non-nil UUID.
func ParseDeclarationID(s string) (DeclarationID, error) {
	u, err := parseUUID(s, "declaration_id")
	return DeclarationID(u), err
}

func parseUUID(s, field string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, field+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+field)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, field+" cannot be nil")
	}
	return u, nil
}
