package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind is the classified reason an attempt failed.
type ErrorKind string

const (
	KindNetwork        ErrorKind = "network"
	KindRateLimit      ErrorKind = "rate_limit"
	KindAuth           ErrorKind = "auth"
	KindNotFound       ErrorKind = "not_found"
	KindServer         ErrorKind = "server"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindCanceled       ErrorKind = "canceled"
	KindTimeout        ErrorKind = "timeout"
	KindUnknown        ErrorKind = "unknown"
)

var (
	ErrNoCandidateAvailable = errors.New("no candidate available")
	ErrQuotaExhausted       = errors.New("all candidates exhausted")
	ErrDispatchTimeout      = errors.New("dispatch time budget exceeded")
	ErrStreamInterrupted    = errors.New("stream interrupted")
	ErrInsufficientHeadroom = errors.New("insufficient context headroom")
)

// RateLimitError is a provider 429 (or equivalent). RetryAfter is zero when
// the provider did not say.
type RateLimitError struct {
	RetryAfter time.Duration
	// Limits carries any rate-limit headers that came with the rejection.
	Limits RateLimitSnapshot
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (status %d)", e.StatusCode)
}

// ModelUnavailableError is returned for an unknown provider/model pair,
// whether the catalog or the provider reported it.
type ModelUnavailableError struct {
	Provider string
	Model    string
	Reason   string
}

func (e *ModelUnavailableError) Error() string {
	msg := fmt.Sprintf("model %s/%s unavailable", e.Provider, e.Model)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("provider server error (status %d)", e.StatusCode)
}

// RequestError is a provider rejection of the request itself (400/422 other
// than an unknown model).
type RequestError struct {
	StatusCode int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("provider rejected request (status %d)", e.StatusCode)
}

// KindOf classifies err. Unrecognized errors are KindUnknown, which the
// executor treats as fatal for the candidate.
func KindOf(err error) ErrorKind {
	var (
		rl  *RateLimitError
		ae  *AuthError
		mu  *ModelUnavailableError
		ne  *NetworkError
		se  *ServerError
		req *RequestError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrDispatchTimeout):
		return KindTimeout
	case errors.As(err, &rl):
		return KindRateLimit
	case errors.As(err, &ae):
		return KindAuth
	case errors.As(err, &mu):
		return KindNotFound
	case errors.As(err, &ne):
		return KindNetwork
	case errors.As(err, &se):
		return KindServer
	case errors.As(err, &req):
		return KindInvalidRequest
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	}
	return KindUnknown
}

// NoCandidateAvailableError means selection produced an empty chain.
type NoCandidateAvailableError struct {
	Considered           int
	EstimatedInputTokens int
}

func (e *NoCandidateAvailableError) Error() string {
	return fmt.Sprintf("no candidate available (%d considered, ~%d input tokens)",
		e.Considered, e.EstimatedInputTokens)
}

func (e *NoCandidateAvailableError) Is(target error) bool { return target == ErrNoCandidateAvailable }

// AttemptFailure summarizes why one candidate was abandoned.
type AttemptFailure struct {
	Candidate CandidateKey `json:"candidate"`
	Provider  string       `json:"provider"`
	Model     string       `json:"model"`
	Kind      ErrorKind    `json:"error_kind"`
	Tries     int          `json:"tries"`
	// Skipped means the candidate was never called because its credential
	// was rate limited earlier in the same request.
	Skipped bool `json:"skipped,omitempty"`
}

func (f AttemptFailure) String() string {
	if f.Skipped {
		return fmt.Sprintf("%s/%s (%s, skipped)", f.Provider, f.Model, f.Kind)
	}
	return fmt.Sprintf("%s/%s (%s x%d)", f.Provider, f.Model, f.Kind, f.Tries)
}

// QuotaExhaustedError is the aggregate failure when every candidate in the
// chain failed.
type QuotaExhaustedError struct {
	Failures []AttemptFailure
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("all %d candidates failed: %s", len(e.Failures), joinFailures(e.Failures))
}

func (e *QuotaExhaustedError) Is(target error) bool { return target == ErrQuotaExhausted }

// DispatchTimeoutError means the per-request time budget ran out.
type DispatchTimeoutError struct {
	Failures []AttemptFailure
}

func (e *DispatchTimeoutError) Error() string {
	if len(e.Failures) == 0 {
		return ErrDispatchTimeout.Error()
	}
	return ErrDispatchTimeout.Error() + " after: " + joinFailures(e.Failures)
}

func (e *DispatchTimeoutError) Is(target error) bool { return target == ErrDispatchTimeout }

// StreamInterruptedError is a failure after output was committed.
type StreamInterruptedError struct {
	Candidate CandidateKey
	Err       error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream from %s interrupted", e.Candidate)
}

func (e *StreamInterruptedError) Unwrap() error { return e.Err }

func (e *StreamInterruptedError) Is(target error) bool { return target == ErrStreamInterrupted }

func joinFailures(fs []AttemptFailure) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.String()
	}
	return strings.Join(parts, ", ")
}
