// Package trackererrors defines the error taxonomy shared by the scraper,
// queue and pipeline: every failure that crosses a component boundary is
// classified into one of these kinds so callers can decide to retry,
// rotate credentials, or give up without string-matching error text.
package trackererrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a TrackerError for the caller's recovery decision.
type Kind string

const (
	// RateLimited means upstream asked us to back off; the Queue re-queues
	// and the Cookie Pool advances to the next credential.
	RateLimited Kind = "rate_limited"
	// AuthFailed means the credential is bad independently of rate limiting.
	AuthFailed Kind = "auth_failed"
	// Transient means a network or 5xx failure; the scraper retries
	// internally before this surfaces.
	Transient Kind = "transient"
	// Parse means the upstream response shape changed; never auto-retried.
	Parse Kind = "parse"
	// Conflict means a store uniqueness collision during insert.
	Conflict Kind = "conflict"
	// NotFound is a read-side miss.
	NotFound Kind = "not_found"
	// Fatal is an unexpected error; the pipeline aborts the job.
	Fatal Kind = "fatal"
)

// TrackerError is the concrete error type carried across component
// boundaries. RetryAfter is only meaningful for Kind == RateLimited.
type TrackerError struct {
	Kind       Kind
	RetryAfter time.Duration
	Op         string
	Err        error
}

func (e *TrackerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TrackerError) Unwrap() error { return e.Err }

// New builds a TrackerError of the given kind.
func New(op string, kind Kind, err error) *TrackerError {
	return &TrackerError{Op: op, Kind: kind, Err: err}
}

// RateLimit builds a RateLimited error carrying the retry-after wait.
func RateLimit(op string, retryAfter time.Duration, err error) *TrackerError {
	return &TrackerError{Op: op, Kind: RateLimited, RetryAfter: retryAfter, Err: err}
}

// Is reports whether err was classified with the given kind.
func Is(err error, kind Kind) bool {
	var te *TrackerError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// RetryAfter extracts the suggested wait duration from a RateLimited error,
// returning false if err does not carry one.
func RetryAfter(err error) (time.Duration, bool) {
	var te *TrackerError
	if errors.As(err, &te) && te.Kind == RateLimited {
		return te.RetryAfter, true
	}
	return 0, false
}
