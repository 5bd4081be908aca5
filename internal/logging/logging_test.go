package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jordanhubbard/llmproxy/internal/router"
)

func newBufferedLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(NewRedactingHandler(slog.NewJSONHandler(&buf, nil))), &buf
}

func TestRedactingHandlerRedactsAuthHeaders(t *testing.T) {
	logger, buf := newBufferedLogger()
	logger.Info("test",
		slog.String("authorization", "Bearer sk-secret"),
		slog.String("x-api-key", "my-key"),
		slog.String("method", "POST"),
	)

	output := buf.String()
	if strings.Contains(output, "sk-secret") || strings.Contains(output, "my-key") {
		t.Errorf("auth values should be redacted: %s", output)
	}
	if !strings.Contains(output, "POST") {
		t.Error("non-sensitive values should be preserved")
	}
}

func TestRedactingHandlerRedactsBodiesAndSecrets(t *testing.T) {
	logger, buf := newBufferedLogger()
	logger.Info("test",
		slog.String("body", `{"messages":[{"role":"user","content":"secret stuff"}]}`),
		slog.String("api_key", "sk-abc"),
		slog.String("admin_token", "tok-value"),
		slog.String("db_password", "hunter2"),
	)
	output := buf.String()
	for _, leaked := range []string{"secret stuff", "sk-abc", "tok-value", "hunter2"} {
		if strings.Contains(output, leaked) {
			t.Errorf("%q leaked: %s", leaked, output)
		}
	}
}

func TestRedactingHandlerKeepsTokenCounts(t *testing.T) {
	logger, buf := newBufferedLogger()
	logger.Info("test", slog.Int("input_tokens", 42), slog.Int("max_output_tokens", 512))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m["input_tokens"] != float64(42) || m["max_output_tokens"] != float64(512) {
		t.Errorf("token counts should not be redacted: %v", m)
	}
}

func TestRedactingHandlerWithAttrsAndGroups(t *testing.T) {
	logger, buf := newBufferedLogger()
	logger.With(slog.String("secret", "s1")).
		Info("test", slog.Group("cred", slog.String("api_key", "s2"), slog.String("provider", "groq")))

	output := buf.String()
	if strings.Contains(output, "s1") || strings.Contains(output, "s2") {
		t.Errorf("secrets leaked: %s", output)
	}
	if !strings.Contains(output, "groq") {
		t.Errorf("group fields should survive: %s", output)
	}
}

func TestSetLevel(t *testing.T) {
	defer SetLevel("info")
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "bogus": slog.LevelInfo,
	} {
		SetLevel(in)
		if Level() != want {
			t.Errorf("SetLevel(%q) -> %v, want %v", in, Level(), want)
		}
	}
}

func TestRequestLogger(t *testing.T) {
	logger, buf := newBufferedLogger()
	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hi"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	req.Header.Set("Authorization", "Bearer sk-nope")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m["status"] != float64(http.StatusTeapot) || m["request_id"] != "rid-1" || m["bytes"] != float64(2) {
		t.Errorf("unexpected log line %v", m)
	}
	if strings.Contains(buf.String(), "sk-nope") {
		t.Error("authorization header must not be logged")
	}
}

func TestAttemptLogger(t *testing.T) {
	logger, buf := newBufferedLogger()
	c, err := router.NewCandidate(
		router.CredentialEntry{ID: "cred-1", ProviderType: "groq", APIKey: "gsk-secret"},
		router.ModelEntry{Provider: "groq", Model: "llama", ContextWindow: 8192},
	)
	if err != nil {
		t.Fatal(err)
	}

	al := NewAttemptLogger(logger)
	al.RecordAttempt(context.Background(), router.DispatchAttempt{
		ID: "a1", RequestID: "r1", Candidate: c, Try: 2,
		Outcome: router.OutcomeRetryable, ErrorKind: router.KindServer, LatencyMs: 120,
	})
	al.RecordAttempt(context.Background(), router.DispatchAttempt{
		ID: "a2", RequestID: "r1", Candidate: c, Try: 3, Outcome: router.OutcomeSuccess,
		Usage: &router.Usage{InputTokens: 10, OutputTokens: 20},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var first, second map[string]any
	_ = json.Unmarshal([]byte(lines[0]), &first)
	_ = json.Unmarshal([]byte(lines[1]), &second)
	if first["level"] != "WARN" || first["error_kind"] != "server" || first["candidate"] != "groq/llama@cred-1" {
		t.Errorf("failure line = %v", first)
	}
	if second["level"] != "INFO" || second["output_tokens"] != float64(20) {
		t.Errorf("success line = %v", second)
	}
	if strings.Contains(buf.String(), "gsk-secret") {
		t.Error("credential secret leaked")
	}
}
