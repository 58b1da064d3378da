package models

import (
	"time"

	dErrors "dimona/pkg/domain-errors"
)

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) Validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "window bounds are required")
	}
	if !w.From.Before(w.To) {
		return dErrors.New(dErrors.CodeValidation, "window from must be before to")
	}
	return nil
}

// Intersects reports whether [start, end) overlaps the window.
func (w Window) Intersects(start, end time.Time) bool {
	return start.Before(w.To) && w.From.Before(end)
}
