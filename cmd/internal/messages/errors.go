package messages

import (
	"errors"
	"fmt"
)

// Public, stable errors for callers.
var (
	// ErrStoreUnavailable marks connection/storage-layer failures.
	// Callers treat it as a readiness failure, not a request error.
	ErrStoreUnavailable = errors.New("message store unavailable")

	ErrNotFound       = errors.New("message not found")
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnsupportedDSN = errors.New("unsupported database url")
)

type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v", ErrStoreUnavailable.Error(), e.cause)
}

func (e *unavailableError) Unwrap() []error { return []error{ErrStoreUnavailable, e.cause} }

// unavailable wraps cause so that errors.Is matches both ErrStoreUnavailable and cause.
func unavailable(cause error) error {
	if cause == nil {
		return ErrStoreUnavailable
	}
	if errors.Is(cause, ErrStoreUnavailable) {
		return cause
	}
	return &unavailableError{cause: cause}
}
