// Package logging configures the process logger. Everything goes through a
// redacting handler so API keys and request bodies never reach the output.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/llmproxy/internal/router"
)

// sensitiveHeaders are HTTP headers that must never appear in logs.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
}

var globalLevel = new(slog.LevelVar)

// Setup installs a JSON logger on stdout as the slog default.
func Setup(level string) *slog.Logger {
	return SetupWriter(os.Stdout, level)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level string) *slog.Logger {
	SetLevel(level)
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: globalLevel})
	logger := slog.New(NewRedactingHandler(base))
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level at runtime. Unknown values mean info.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		globalLevel.Set(slog.LevelDebug)
	case "warn":
		globalLevel.Set(slog.LevelWarn)
	case "error":
		globalLevel.Set(slog.LevelError)
	default:
		globalLevel.Set(slog.LevelInfo)
	}
}

// Level reports the current level.
func Level() slog.Level { return globalLevel.Level() }

// RedactingHandler wraps an slog.Handler to redact sensitive attribute values.
type RedactingHandler struct {
	base slog.Handler
}

func NewRedactingHandler(base slog.Handler) *RedactingHandler {
	return &RedactingHandler{base: base}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	redacted := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})
	return h.base.Handle(ctx, redacted)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactingHandler{base: h.base.WithAttrs(redacted)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{base: h.base.WithGroup(name)}
}

// allowedKeys contain a sensitive word but carry no secret.
var allowedKeys = map[string]bool{
	"candidate_key":     true,
	"max_output_tokens": true,
	"input_tokens":      true,
	"output_tokens":     true,
	"estimated_tokens":  true,
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		out := make([]any, len(attrs))
		for i, ga := range attrs {
			out[i] = redactAttr(ga)
		}
		return slog.Group(a.Key, out...)
	}

	key := strings.ToLower(a.Key)
	if allowedKeys[key] {
		return a
	}
	if sensitiveHeaders[key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	if key == "body" || key == "request_body" || key == "req_body" || key == "messages" {
		return slog.String(a.Key, "[REDACTED]")
	}
	if strings.Contains(key, "key") || strings.Contains(key, "token") ||
		strings.Contains(key, "secret") || strings.Contains(key, "password") {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// RequestLogger returns chi middleware that logs HTTP requests.
// Request bodies and auth headers are never logged.
func RequestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = middleware.GetReqID(r.Context())
			}

			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", reqID),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// AttemptLogger writes one line per dispatch attempt.
type AttemptLogger struct {
	logger *slog.Logger
}

var _ router.AttemptRecorder = (*AttemptLogger)(nil)

func NewAttemptLogger(l *slog.Logger) *AttemptLogger {
	if l == nil {
		l = slog.Default()
	}
	return &AttemptLogger{logger: l}
}

func (l *AttemptLogger) RecordAttempt(ctx context.Context, a router.DispatchAttempt) {
	attrs := []slog.Attr{
		slog.String("request_id", a.RequestID),
		slog.String("attempt_id", a.ID),
		slog.String("candidate", a.Candidate.String()),
		slog.String("provider", a.Candidate.Provider()),
		slog.String("model", a.Candidate.ModelName()),
		slog.Int("try", a.Try),
		slog.String("outcome", string(a.Outcome)),
		slog.Int64("latency_ms", a.LatencyMs),
		slog.Int("max_output_tokens", a.MaxOutputTokens),
	}
	if a.ErrorKind != "" {
		attrs = append(attrs, slog.String("error_kind", string(a.ErrorKind)))
	}
	if a.Usage != nil {
		attrs = append(attrs,
			slog.Int("input_tokens", a.Usage.InputTokens),
			slog.Int("output_tokens", a.Usage.OutputTokens),
		)
	}
	level := slog.LevelInfo
	if a.Outcome != router.OutcomeSuccess {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "dispatch_attempt", attrs...)
}
