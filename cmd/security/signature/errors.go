package signature

import "errors"

// Public, stable errors for callers.
var (
	ErrSecretMissing  = errors.New("webhook secret missing")
	ErrSecretTooShort = errors.New("webhook secret too short")

	ErrMissingSignature   = errors.New("signature missing")
	ErrMalformedSignature = errors.New("signature malformed")
	ErrInvalidSignature   = errors.New("signature mismatch")
)

// IsAuthFailure reports whether err means the request must be rejected as unauthenticated.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrMalformedSignature) ||
		errors.Is(err, ErrInvalidSignature)
}

// Reason returns a short, log-safe classification of an auth failure.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, ErrMalformedSignature):
		return "malformed_signature"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	default:
		return "unknown"
	}
}
