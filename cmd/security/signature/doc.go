// Package signature authenticates inbound webhook requests.
//
// A request is authentic when its signature header carries the hex-encoded
// HMAC-SHA256 of the raw request body, keyed with the shared webhook secret.
//
// Rules:
//   - The MAC is computed over the exact bytes received, before any decoding.
//   - Comparison is constant-time (hmac.Equal on decoded digests).
//   - Tokens may be upper- or lower-case hex and may carry a "sha256=" prefix.
//
// Environment (read by the app package, not here):
//   - WEBHOOK_SECRET: the shared secret (required).
//   - SIGNATURE_HEADER: header name, default "X-Signature".
package signature
