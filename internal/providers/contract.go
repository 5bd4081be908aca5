// Package providers sends router calls to provider HTTP APIs. Each protocol
// is an Adapter; the Transport drives any adapter and classifies the result
// into the router's error taxonomy.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jordanhubbard/llmproxy/internal/router"
)

// Adapter translates between the router envelope and one provider protocol.
type Adapter interface {
	Protocol() string
	BuildRequest(ctx context.Context, call router.Call) (*http.Request, error)
	// ParseRateLimitHeaders normalizes the provider's rate-limit headers.
	// Headers that are absent or unparseable leave the field nil.
	ParseRateLimitHeaders(h http.Header, now time.Time) router.RateLimitSnapshot
	// ClassifyError maps a non-2xx response to a router error.
	ClassifyError(call router.Call, se *StatusError, limits router.RateLimitSnapshot, now time.Time) error
	ParseUsage(body []byte) *router.Usage
}

// StatusError captures a non-2xx provider response. It never leaves this
// package unclassified.
type StatusError struct {
	StatusCode int
	Body       string
	Header     http.Header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// RetryAfter reads the Retry-After header, in seconds or as an HTTP date.
// Zero means absent or unparseable.
func (e *StatusError) RetryAfter(now time.Time) time.Duration {
	v := strings.TrimSpace(e.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// Classify is the status mapping shared by all adapters.
func Classify(call router.Call, se *StatusError, limits router.RateLimitSnapshot, now time.Time) error {
	switch code := se.StatusCode; {
	case code == http.StatusTooManyRequests:
		return &router.RateLimitError{RetryAfter: se.RetryAfter(now), Limits: limits}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &router.AuthError{StatusCode: code}
	case code == http.StatusNotFound:
		return &router.ModelUnavailableError{
			Provider: call.Candidate.Provider(),
			Model:    call.Candidate.ModelName(),
			Reason:   "provider returned 404",
		}
	case code == http.StatusRequestTimeout || code >= 500:
		return &router.ServerError{StatusCode: code}
	default:
		return &router.RequestError{StatusCode: code}
	}
}

// bodyMentions reports whether the error body contains any marker,
// case-insensitively.
func bodyMentions(body string, markers ...string) bool {
	lower := strings.ToLower(body)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ModelMissing is Classify plus detection of "unknown model" rejections that
// providers send as 400.
func ModelMissing(call router.Call, se *StatusError, limits router.RateLimitSnapshot, now time.Time) error {
	if se.StatusCode == http.StatusBadRequest &&
		bodyMentions(se.Body, "model_not_found", "does not exist", "unknown model", "model not found") {
		return &router.ModelUnavailableError{
			Provider: call.Candidate.Provider(),
			Model:    call.Candidate.ModelName(),
			Reason:   "provider does not serve this model",
		}
	}
	return Classify(call, se, limits, now)
}

// Int64Header parses an integer header, nil when absent or malformed.
func Int64Header(h http.Header, name string) *int64 {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
