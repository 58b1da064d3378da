package models

import (
	"errors"
	"fmt"

	dErrors "dimona/pkg/domain-errors"
)

// ErrStateConflict marks a transition that the state tables forbid. It is
// always returned wrapped in a dErrors.CodeStateConflict error.
var ErrStateConflict = errors.New("state conflict")

func stateConflict(format string, args ...any) error {
	return dErrors.Wrap(ErrStateConflict, dErrors.CodeStateConflict, fmt.Sprintf(format, args...))
}

// IsStateConflict reports whether err stems from a forbidden transition.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}
