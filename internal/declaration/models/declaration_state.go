package models

import (
	"fmt"

	dErrors "dimona/pkg/domain-errors"
)

// DeclarationType is the registry operation a declaration performs.
type DeclarationType string

const (
	DeclarationTypeIn     DeclarationType = "in"
	DeclarationTypeUpdate DeclarationType = "update"
	DeclarationTypeCancel DeclarationType = "cancel"
)

func ParseDeclarationType(s string) (DeclarationType, error) {
	switch t := DeclarationType(s); t {
	case DeclarationTypeIn, DeclarationTypeUpdate, DeclarationTypeCancel:
		return t, nil
	}
	return "", dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown declaration type %q", s))
}

// DeclarationState is the lifecycle position of one submission.
type DeclarationState string

const (
	DeclarationStatePending             DeclarationState = "pending"
	DeclarationStateAccepted            DeclarationState = "accepted"
	DeclarationStateAcceptedWithWarning DeclarationState = "accepted_with_warning"
	DeclarationStateRefused             DeclarationState = "refused"
	DeclarationStateWaiting             DeclarationState = "waiting"
	DeclarationStateFailed              DeclarationState = "failed"
)

var declarationTransitions = map[DeclarationState][]DeclarationState{
	DeclarationStatePending: {
		DeclarationStateAccepted, DeclarationStateAcceptedWithWarning,
		DeclarationStateRefused, DeclarationStateWaiting, DeclarationStateFailed,
	},
	DeclarationStateWaiting: {
		DeclarationStateAccepted, DeclarationStateAcceptedWithWarning,
		DeclarationStateRefused, DeclarationStateFailed,
	},
	DeclarationStateAccepted:            nil,
	DeclarationStateAcceptedWithWarning: nil,
	DeclarationStateRefused:             nil,
	DeclarationStateFailed:              nil,
}

func ParseDeclarationState(s string) (DeclarationState, error) {
	st := DeclarationState(s)
	if _, ok := declarationTransitions[st]; !ok {
		return "", dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown declaration state %q", s))
	}
	return st, nil
}

func (s DeclarationState) String() string { return string(s) }

// IsActive reports pending and waiting: the declaration still expects a
// registry verdict.
func (s DeclarationState) IsActive() bool {
	return s == DeclarationStatePending || s == DeclarationStateWaiting
}

func (s DeclarationState) IsTerminal() bool {
	_, known := declarationTransitions[s]
	return known && !s.IsActive()
}

func (s DeclarationState) CanTransitionTo(target DeclarationState) bool {
	for _, allowed := range declarationTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}
