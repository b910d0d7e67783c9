// Package ingest runs the webhook pipeline: verify the signature over the raw
// body, validate the payload, insert it idempotently, and report the outcome.
//
// Ordering is fixed. A request that fails verification never reaches payload
// validation, and one that fails validation never reaches the store.
package ingest
