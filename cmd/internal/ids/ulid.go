// Package ids provides identifier primitives (ULID) and request-scoped correlation ids.
package ids

import (
	"context"
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// MaxRequestIDLen bounds inbound X-Request-ID values that are echoed back.
const MaxRequestIDLen = 128

type requestIDKey struct{}

// NewULID returns a new ULID string (26 chars).
// ULIDs sort lexicographically by creation time, which keeps log correlation readable.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRequestID returns a ULID for request correlation. It cannot fail.
func NewRequestID() string {
	return ulid.Make().String()
}

// WithRequestID returns a child context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx, or "" when absent.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// SanitizeRequestID accepts a caller-supplied id only if it is short and printable ASCII.
// It returns "" for anything else so the caller generates a fresh id instead.
func SanitizeRequestID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > MaxRequestIDLen {
		return ""
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c < 0x21 || c > 0x7e {
			return ""
		}
	}
	return raw
}
