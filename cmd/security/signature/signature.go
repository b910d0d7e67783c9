package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// DefaultHeader is the request header carrying the signature token.
	DefaultHeader = "X-Signature"

	// SecretEnvKey is the env var name for the shared webhook secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	SecretEnvKey = "WEBHOOK_SECRET"

	digestHexLen = sha256.Size * 2
	sha256Prefix = "sha256="
)

// Verifier computes and checks HMAC-SHA256 signatures with one shared secret.
// It is immutable after construction and safe for concurrent use.
type Verifier struct {
	key []byte
}

// New builds a Verifier from the shared secret (trimmed), enforcing a minimum byte length.
// Blank -> ErrSecretMissing. Too short -> ErrSecretTooShort.
func New(secret string, minBytes int) (*Verifier, error) {
	raw := strings.TrimSpace(secret)
	if raw == "" {
		return nil, ErrSecretMissing
	}
	// Bytes, not runes: the key is used as raw bytes.
	if minBytes > 0 && len(raw) < minBytes {
		return nil, ErrSecretTooShort
	}
	return &Verifier{key: []byte(raw)}, nil
}

// Sign returns the lowercase hex HMAC-SHA256 of body.
func (v *Verifier) Sign(body []byte) string {
	return hex.EncodeToString(v.mac(body))
}

// Verify checks token against the MAC of body.
// It returns nil only for an exact match.
func (v *Verifier) Verify(body []byte, token string) error {
	if v == nil || len(v.key) == 0 {
		// Fail closed: an unconfigured verifier authenticates nothing.
		return ErrInvalidSignature
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingSignature
	}
	if len(token) > len(sha256Prefix) && strings.EqualFold(token[:len(sha256Prefix)], sha256Prefix) {
		token = token[len(sha256Prefix):]
	}
	if len(token) != digestHexLen {
		return ErrMalformedSignature
	}

	got, err := hex.DecodeString(token)
	if err != nil {
		return ErrMalformedSignature
	}
	if !hmac.Equal(got, v.mac(body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Valid is the boolean form of Verify.
func (v *Verifier) Valid(body []byte, token string) bool {
	return v.Verify(body, token) == nil
}

func (v *Verifier) mac(body []byte) []byte {
	m := hmac.New(sha256.New, v.key)
	_, _ = m.Write(body)
	return m.Sum(nil)
}
