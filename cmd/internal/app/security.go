package app

import (
	"errors"
	"fmt"

	"inbox/cmd/security/signature"
)

// ValidateSecurityConfig enforces the webhook secret policy at startup.
// The server never starts without a usable secret.
func ValidateSecurityConfig(cfg Config) error {
	_, err := newVerifier(cfg)
	return err
}

func newVerifier(cfg Config) (*signature.Verifier, error) {
	v, err := signature.New(cfg.WebhookSecret, cfg.WebhookSecretMinBytes)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, signature.ErrSecretMissing):
		return nil, fmt.Errorf("security policy: %s is missing", signature.SecretEnvKey)
	case errors.Is(err, signature.ErrSecretTooShort):
		return nil, fmt.Errorf("security policy: %s is too short (min %d bytes)", signature.SecretEnvKey, cfg.WebhookSecretMinBytes)
	default:
		return nil, err
	}
}
