// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates caller input failed validation.
var ErrValidation = errors.New("validation failed")

// Provider-level failure classes. Every provider.Error unwraps to exactly one of these.
var (
	// ErrRateLimited means the provider had no budget for the call.
	ErrRateLimited = errors.New("rate limited")
	// ErrTimeout means the deadline passed before the provider answered.
	ErrTimeout = errors.New("timeout")
	// ErrUnavailable covers connection and transport failures.
	ErrUnavailable = errors.New("unavailable")
	// ErrMalformed means the response failed schema validation.
	ErrMalformed = errors.New("malformed response")
)

// Request-level outcomes.
var (
	// ErrNoConsensus means responses were collected but no group cleared the threshold.
	ErrNoConsensus = errors.New("no consensus")
	// ErrNoResponses means there was nothing to aggregate.
	ErrNoResponses = errors.New("no responses")
	// ErrAllProvidersExhausted means every candidate was rejected, circuit-open or errored.
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
)
