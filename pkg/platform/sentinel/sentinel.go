package sentinel

import "errors"

// Infrastructure facts returned (optionally wrapped) by stores and adapters.
// Services translate them into domain errors.
//
//   - ErrNotFound: record does not exist
//   - ErrConflict: a uniqueness rule rejected the write
//   - ErrInvalidState: compare-and-set saw a different state than expected
//   - ErrUnavailable: dependency temporarily unreachable
//
// Validation failures use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
