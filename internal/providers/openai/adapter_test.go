package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jordanhubbard/llmproxy/internal/router"
)

func call(t *testing.T) router.Call {
	t.Helper()
	c, err := router.NewCandidate(
		router.CredentialEntry{ID: "k", ProviderType: "groq", APIKey: "gsk", Endpoint: "https://api.groq.com/openai/v1/"},
		router.ModelEntry{Provider: "groq", Model: "llama-3.3-70b-versatile", ContextWindow: 131_072},
	)
	if err != nil {
		t.Fatal(err)
	}
	return router.Call{
		Candidate:       c,
		MaxOutputTokens: 1024,
		Request: router.Request{
			Messages:   []router.Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hi"}},
			Tools:      []router.Tool{{Type: "function", Function: router.ToolFunction{Name: "lookup"}}},
			Parameters: map[string]any{"temperature": 0.2, "model": "override-attempt", "max_tokens": 99999},
		},
	}
}

func TestBuildRequest(t *testing.T) {
	req, err := New().BuildRequest(context.Background(), call(t))
	if err != nil {
		t.Fatal(err)
	}
	if req.URL.String() != "https://api.groq.com/openai/v1/chat/completions" {
		t.Errorf("url = %s", req.URL)
	}
	if req.Header.Get("Authorization") != "Bearer gsk" {
		t.Errorf("missing bearer token")
	}
	var body map[string]any
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["model"] != "llama-3.3-70b-versatile" {
		t.Errorf("parameters must not override the candidate model, got %v", body["model"])
	}
	if body["max_tokens"] != float64(1024) {
		t.Errorf("max_tokens = %v, want the granted budget", body["max_tokens"])
	}
	if body["temperature"] != 0.2 {
		t.Errorf("temperature not forwarded")
	}
	if _, ok := body["stream"]; ok {
		t.Errorf("stream must be omitted for non-streaming calls")
	}
	if tools, ok := body["tools"].([]any); !ok || len(tools) != 1 {
		t.Errorf("tools = %v", body["tools"])
	}
}

func TestParseRateLimitHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := http.Header{}
	h.Set("x-ratelimit-remaining-requests", "14")
	h.Set("x-ratelimit-remaining-tokens", "5900")
	h.Set("x-ratelimit-reset-requests", "2m59.56s")
	h.Set("x-ratelimit-reset-tokens", "7")

	snap := New().ParseRateLimitHeaders(h, now)
	if *snap.RemainingRequests != 14 || *snap.RemainingTokens != 5900 {
		t.Errorf("counters = %d/%d", *snap.RemainingRequests, *snap.RemainingTokens)
	}
	if want := now.Add(2*time.Minute + 59560*time.Millisecond); !snap.RequestsResetAt.Equal(want) {
		t.Errorf("requests reset = %v, want %v", snap.RequestsResetAt, want)
	}
	if want := now.Add(7 * time.Second); !snap.TokensResetAt.Equal(want) {
		t.Errorf("tokens reset = %v, want %v", snap.TokensResetAt, want)
	}

	h.Set("x-ratelimit-remaining-requests", "lots")
	if snap := New().ParseRateLimitHeaders(h, now); snap.RemainingRequests != nil {
		t.Errorf("malformed header must be ignored")
	}
	if !New().ParseRateLimitHeaders(http.Header{}, now).IsEmpty() {
		t.Errorf("no headers must give an empty snapshot")
	}
}

func TestParseUsage(t *testing.T) {
	u := New().ParseUsage([]byte(`{"usage":{"prompt_tokens":12,"completion_tokens":34}}`))
	if u == nil || u.InputTokens != 12 || u.OutputTokens != 34 {
		t.Errorf("usage = %+v", u)
	}
	if New().ParseUsage([]byte(`{"choices":[]}`)) != nil {
		t.Errorf("missing usage must be nil")
	}
	if New().ParseUsage([]byte(`not json`)) != nil {
		t.Errorf("bad body must be nil")
	}
}
