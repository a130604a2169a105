package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed request. It is never retried.
	ErrValidation = errors.New("validation failed")
	// ErrUnknownProvider is returned for provider names the service does not know.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrInvalidToken marks a token that fails the provider's format rules.
	ErrInvalidToken = errors.New("invalid token")
	// ErrProviderUnavailable is returned when no client is configured for a provider.
	ErrProviderUnavailable = errors.New("provider not configured")
	// ErrProviderCall wraps a provider call that failed as a whole (error, timeout, panic).
	ErrProviderCall = errors.New("provider call failed")
)

// ValidationError describes which field of a request was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error { return ErrValidation }
