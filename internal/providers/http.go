package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/llmproxy/internal/router"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Transport implements router.Transport over HTTP.
type Transport struct {
	client   *http.Client
	registry *Registry
	nowFunc  func() time.Time
}

var _ router.Transport = (*Transport)(nil)

type TransportOption func(*Transport)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

func WithTransportClock(now func() time.Time) TransportOption {
	return func(t *Transport) {
		if now != nil {
			t.nowFunc = now
		}
	}
}

// NewTransport builds a transport. The default client has no timeout; the
// executor bounds every call through its context.
func NewTransport(registry *Registry, opts ...TransportOption) *Transport {
	t := &Transport{
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		registry: registry,
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Send performs one call against exactly the candidate it names.
func (t *Transport) Send(ctx context.Context, call router.Call) (*router.Response, error) {
	c := call.Candidate
	adapter := t.registry.For(c.Provider())
	ctx, span := otel.Tracer("llmproxy.providers").Start(ctx, "provider.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", c.Provider()),
			attribute.String("llm.model", c.ModelName()),
			attribute.String("llm.credential_id", c.Credential().ID),
			attribute.String("llm.protocol", adapter.Protocol()),
			attribute.Int("llm.max_output_tokens", call.MaxOutputTokens),
			attribute.Bool("llm.stream", call.Request.Stream),
		),
	)
	fail := func(err error, msg string) (*router.Response, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		span.End()
		return nil, err
	}

	req, err := adapter.BuildRequest(ctx, call)
	if err != nil {
		return fail(&router.RequestError{StatusCode: 0}, "build request failed")
	}
	if id := GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fail(&router.NetworkError{Err: err}, "request failed")
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	now := t.nowFunc()
	limits := adapter.ParseRateLimitHeaders(resp.Header, now)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body), Header: resp.Header}
		return fail(adapter.ClassifyError(call, se, limits, now), fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	out := &router.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		RateLimits: limits,
	}
	if call.Request.Stream {
		// The span ends when the caller closes the stream.
		span.SetStatus(codes.Ok, "")
		out.Stream = &spanCloser{ReadCloser: resp.Body, span: span}
		return out, nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fail(err, "read canceled")
		}
		return fail(&router.NetworkError{Err: err}, "read response failed")
	}
	out.Body = body
	out.Usage = adapter.ParseUsage(body)
	if out.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.usage.input_tokens", out.Usage.InputTokens),
			attribute.Int("llm.usage.output_tokens", out.Usage.OutputTokens),
		)
	}
	span.SetStatus(codes.Ok, "")
	span.End()
	return out, nil
}

// spanCloser ends the span when the stream is closed.
type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}
