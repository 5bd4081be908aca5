// Package openai speaks the OpenAI chat completions protocol, which most
// providers (groq, gemini, mistral, openrouter and self-hosted servers)
// also accept.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jordanhubbard/llmproxy/internal/providers"
	"github.com/jordanhubbard/llmproxy/internal/router"
)

// Adapter implements providers.Adapter. It is stateless.
type Adapter struct{}

var _ providers.Adapter = Adapter{}

func New() Adapter { return Adapter{} }

func (Adapter) Protocol() string { return "openai" }

// reserved keys are set by the adapter and never taken from Parameters.
var reserved = map[string]bool{"model": true, "messages": true, "tools": true, "stream": true, "max_tokens": true}

func (Adapter) BuildRequest(ctx context.Context, call router.Call) (*http.Request, error) {
	req := call.Request
	payload := map[string]any{
		"model":    call.Candidate.ModelName(),
		"messages": req.Messages,
	}
	for k, v := range req.Parameters {
		if !reserved[k] {
			payload[k] = v
		}
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if req.Stream {
		payload["stream"] = true
	}
	if call.MaxOutputTokens > 0 {
		payload["max_tokens"] = call.MaxOutputTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := strings.TrimRight(call.Candidate.Endpoint(), "/") + "/chat/completions"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+call.Candidate.APIKey())
	return hreq, nil
}

// ParseRateLimitHeaders reads the x-ratelimit-* family. Reset values are
// Go-style durations ("1s", "6m0s", "20ms") or plain seconds.
func (Adapter) ParseRateLimitHeaders(h http.Header, now time.Time) router.RateLimitSnapshot {
	return router.RateLimitSnapshot{
		RemainingRequests: providers.Int64Header(h, "x-ratelimit-remaining-requests"),
		RemainingTokens:   providers.Int64Header(h, "x-ratelimit-remaining-tokens"),
		RequestsResetAt:   resetAt(h.Get("x-ratelimit-reset-requests"), now),
		TokensResetAt:     resetAt(h.Get("x-ratelimit-reset-tokens"), now),
	}
}

func resetAt(v string, now time.Time) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return nil
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d < 0 {
		return nil
	}
	t := now.Add(d)
	return &t
}

func (Adapter) ClassifyError(call router.Call, se *providers.StatusError, limits router.RateLimitSnapshot, now time.Time) error {
	return providers.ModelMissing(call, se, limits, now)
}

func (Adapter) ParseUsage(body []byte) *router.Usage {
	var r struct {
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &r); err != nil || r.Usage == nil {
		return nil
	}
	return &router.Usage{InputTokens: r.Usage.PromptTokens, OutputTokens: r.Usage.CompletionTokens}
}
