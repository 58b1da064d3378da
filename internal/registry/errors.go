package registry

import (
	"errors"
	"fmt"
)

// Category is the normalized failure taxonomy of registry calls.
type Category string

const (
	// CategoryClientNotConfigured means the named client does not exist or its
	// credentials are unusable. Fatal.
	CategoryClientNotConfigured Category = "client_not_configured"

	// CategoryInvalidRequest means the registry rejected the request (4xx).
	CategoryInvalidRequest Category = "invalid_request"

	// CategoryServiceUnavailable covers transport errors, timeouts, 5xx and an
	// open circuit breaker. Retryable.
	CategoryServiceUnavailable Category = "service_unavailable"

	// CategoryInvalidResponse means a 2xx reply lacked required data.
	CategoryInvalidResponse Category = "invalid_response"

	// CategoryUnauthorized means the bearer token was refused even after one
	// refresh, or the token endpoint rejected the client assertion.
	CategoryUnauthorized Category = "unauthorized"

	CategoryInternal Category = "internal"
)

// Error wraps registry failures with a normalized category.
type Error struct {
	Category   Category
	ClientName string
	Message    string
	Underlying error
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("registry client %s [%s]: %s: %v", e.ClientName, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("registry client %s [%s]: %s", e.ClientName, e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// NewError builds a categorized error. Only service_unavailable is retryable.
func NewError(category Category, clientName, message string, underlying error) *Error {
	return &Error{
		Category:   category,
		ClientName: clientName,
		Message:    message,
		Underlying: underlying,
		Retryable:  category == CategoryServiceUnavailable,
	}
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// GetCategory extracts the category of err, or CategoryInternal.
func GetCategory(err error) Category {
	var re *Error
	if errors.As(err, &re) {
		return re.Category
	}
	return CategoryInternal
}
