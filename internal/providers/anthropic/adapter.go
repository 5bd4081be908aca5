// Package anthropic speaks the Anthropic messages protocol.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/llmproxy/internal/providers"
	"github.com/jordanhubbard/llmproxy/internal/router"
)

const (
	apiVersion = "2023-06-01"
	// defaultMaxTokens applies when the router granted no budget; the API
	// requires max_tokens.
	defaultMaxTokens = 4096
	// statusOverloaded is Anthropic's "overloaded" status.
	statusOverloaded = 529
)

// Adapter implements providers.Adapter.
type Adapter struct{}

var _ providers.Adapter = Adapter{}

func New() Adapter { return Adapter{} }

func (Adapter) Protocol() string { return "anthropic" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

var reserved = map[string]bool{
	"model": true, "messages": true, "system": true, "tools": true, "stream": true, "max_tokens": true,
}

func (Adapter) BuildRequest(ctx context.Context, call router.Call) (*http.Request, error) {
	req := call.Request
	var (
		system   []string
		messages []message
	)
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "user", "assistant":
			messages = append(messages, message{Role: m.Role, Content: m.Content})
		default:
			// tool results and other roles are sent as user turns
			messages = append(messages, message{Role: "user", Content: m.Content})
		}
	}

	maxTokens := call.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]any{
		"model":      call.Candidate.ModelName(),
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	for k, v := range req.Parameters {
		if !reserved[k] {
			payload[k] = v
		}
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n\n")
	}
	if len(req.Tools) > 0 {
		tools := make([]tool, len(req.Tools))
		for i, t := range req.Tools {
			schema := t.Function.Parameters
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			tools[i] = tool{Name: t.Function.Name, Description: t.Function.Description, InputSchema: schema}
		}
		payload["tools"] = tools
	}
	if req.Stream {
		payload["stream"] = true
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := strings.TrimRight(call.Candidate.Endpoint(), "/") + "/v1/messages"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("x-api-key", call.Candidate.APIKey())
	hreq.Header.Set("anthropic-version", apiVersion)
	return hreq, nil
}

// ParseRateLimitHeaders reads the anthropic-ratelimit-* family. Reset values
// are RFC 3339 timestamps.
func (Adapter) ParseRateLimitHeaders(h http.Header, _ time.Time) router.RateLimitSnapshot {
	snap := router.RateLimitSnapshot{
		RemainingRequests: providers.Int64Header(h, "anthropic-ratelimit-requests-remaining"),
		RemainingTokens:   providers.Int64Header(h, "anthropic-ratelimit-tokens-remaining"),
		RequestsResetAt:   timestamp(h.Get("anthropic-ratelimit-requests-reset")),
		TokensResetAt:     timestamp(h.Get("anthropic-ratelimit-tokens-reset")),
	}
	if snap.RemainingTokens == nil {
		snap.RemainingTokens = providers.Int64Header(h, "anthropic-ratelimit-input-tokens-remaining")
		snap.TokensResetAt = timestamp(h.Get("anthropic-ratelimit-input-tokens-reset"))
	}
	return snap
}

func timestamp(v string) *time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
	if err != nil {
		return nil
	}
	return &t
}

func (Adapter) ClassifyError(call router.Call, se *providers.StatusError, limits router.RateLimitSnapshot, now time.Time) error {
	if se.StatusCode == statusOverloaded {
		return &router.RateLimitError{RetryAfter: se.RetryAfter(now), Limits: limits}
	}
	return providers.ModelMissing(call, se, limits, now)
}

func (Adapter) ParseUsage(body []byte) *router.Usage {
	var r struct {
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &r); err != nil || r.Usage == nil {
		return nil
	}
	return &router.Usage{InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens}
}
