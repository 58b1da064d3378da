package models

import (
	"fmt"

	dErrors "dimona/pkg/domain-errors"
)

// PeriodState is the lifecycle position of a Period.
type PeriodState string

const (
	PeriodStateNew                 PeriodState = "new"
	PeriodStatePending             PeriodState = "pending"
	PeriodStateAccepted            PeriodState = "accepted"
	PeriodStateAcceptedWithWarning PeriodState = "accepted_with_warning"
	PeriodStateRefused             PeriodState = "refused"
	PeriodStateWaiting             PeriodState = "waiting"
	PeriodStateFailed              PeriodState = "failed"
	PeriodStateOutdated            PeriodState = "outdated"
	PeriodStateCancelled           PeriodState = "cancelled"
)

// periodTransitions is exhaustive: a pair missing here is a state conflict.
var periodTransitions = map[PeriodState][]PeriodState{
	PeriodStateNew: {
		PeriodStatePending, PeriodStateOutdated, PeriodStateCancelled,
	},
	PeriodStatePending: {
		PeriodStateAccepted, PeriodStateAcceptedWithWarning, PeriodStateRefused,
		PeriodStateWaiting, PeriodStateFailed, PeriodStateOutdated, PeriodStateCancelled,
	},
	PeriodStateWaiting: {
		PeriodStatePending, PeriodStateAccepted, PeriodStateAcceptedWithWarning,
		PeriodStateRefused, PeriodStateFailed, PeriodStateOutdated, PeriodStateCancelled,
	},
	PeriodStateAccepted: {
		PeriodStatePending, PeriodStateOutdated, PeriodStateCancelled,
	},
	PeriodStateAcceptedWithWarning: {
		PeriodStatePending, PeriodStateOutdated, PeriodStateCancelled,
	},
	PeriodStateRefused: {
		PeriodStatePending, PeriodStateOutdated, PeriodStateCancelled,
	},
	PeriodStateOutdated: {
		PeriodStatePending, PeriodStateCancelled,
	},
	PeriodStateFailed:    nil,
	PeriodStateCancelled: nil,
}

// ParsePeriodState validates a persisted or user-supplied state value.
func ParsePeriodState(s string) (PeriodState, error) {
	st := PeriodState(s)
	if !st.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown period state %q", s))
	}
	return st, nil
}

func (s PeriodState) String() string { return string(s) }

func (s PeriodState) IsValid() bool {
	_, ok := periodTransitions[s]
	return ok
}

// IsTerminal reports cancelled and failed. Terminal periods never change again.
func (s PeriodState) IsTerminal() bool {
	return s == PeriodStateCancelled || s == PeriodStateFailed
}

// IsLive is the complement of IsTerminal for known states.
func (s PeriodState) IsLive() bool {
	return s.IsValid() && !s.IsTerminal()
}

func (s PeriodState) CanTransitionTo(target PeriodState) bool {
	for _, allowed := range periodTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// LivePeriodStates lists every non-terminal state, in a stable order.
func LivePeriodStates() []PeriodState {
	return []PeriodState{
		PeriodStateNew, PeriodStatePending, PeriodStateAccepted,
		PeriodStateAcceptedWithWarning, PeriodStateRefused, PeriodStateWaiting,
		PeriodStateOutdated,
	}
}
