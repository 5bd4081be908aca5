// Package ratelimit tracks provider rate limits and failure circuits per
// candidate, and answers whether a candidate can take a request right now.
package ratelimit

import (
	"time"

	"github.com/jordanhubbard/llmproxy/internal/circuitbreaker"
	"github.com/jordanhubbard/llmproxy/internal/router"
)

// Unknown marks a counter the provider never reported or whose window has
// rolled over.
const Unknown int64 = -1

// State is the tracked view of one candidate. Version increases by one on
// every write and drives compare-and-swap in the stores.
type State struct {
	RemainingRequests  int64                 `json:"remaining_requests"`
	RemainingTokens    int64                 `json:"remaining_tokens"`
	RequestsResetAt    time.Time             `json:"requests_reset_at"`
	TokensResetAt      time.Time             `json:"tokens_reset_at"`
	RequestsObservedAt time.Time             `json:"requests_observed_at"`
	TokensObservedAt   time.Time             `json:"tokens_observed_at"`
	Circuit            circuitbreaker.Status `json:"circuit"`
	LastErrorKind      router.ErrorKind      `json:"last_error_kind,omitempty"`
	UpdatedAt          time.Time             `json:"updated_at"`
	Version            uint64                `json:"version"`
}

// NewState is the state of a candidate nothing is known about.
func NewState() State {
	return State{
		RemainingRequests: Unknown,
		RemainingTokens:   Unknown,
		Circuit:           circuitbreaker.Status{State: circuitbreaker.Closed},
	}
}

// Effective returns s as seen at now: counters observed before a reset that
// has since passed become Unknown.
func (s State) Effective(now time.Time) State {
	if expired(s.RequestsResetAt, s.RequestsObservedAt, now) {
		s.RemainingRequests = Unknown
	}
	if expired(s.TokensResetAt, s.TokensObservedAt, now) {
		s.RemainingTokens = Unknown
	}
	return s
}

func expired(resetAt, observedAt, now time.Time) bool {
	return !resetAt.IsZero() && !now.Before(resetAt) && observedAt.Before(resetAt)
}

// ConsecutiveFailures is the failure count of the circuit.
func (s State) ConsecutiveFailures() int { return s.Circuit.Failures }

// later returns the later of a and b; reset times only move forward.
func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// BlockedUntil is the latest moment a recorded reset or an open circuit can
// still hold the candidate back.
func (s State) BlockedUntil() time.Time {
	return later(later(s.RequestsResetAt, s.TokensResetAt), s.Circuit.OpenUntil)
}

// Lifetime is how long a store keeps s after writing it at now: ttl, or ttl
// past the moment s stops blocking, whichever is longer. A store must never
// forget a limit that is still in force.
func (s State) Lifetime(now time.Time, ttl time.Duration) time.Duration {
	if until := s.BlockedUntil(); until.After(now) {
		return until.Sub(now) + ttl
	}
	return ttl
}
