package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestSetup_Disabled(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Setup(Config{Enabled: false})
	if err != nil {
		t.Fatalf("Setup(disabled) returned error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatal("disabled setup must not replace the global provider")
	}
}

func TestSetup_EnabledWithSampling(t *testing.T) {
	// No collector is listening; batching is async so setup still succeeds.
	shutdown, err := Setup(Config{
		Enabled:     true,
		Endpoint:    "localhost:4318",
		ServiceName: "llmproxy-test",
		SampleRatio: 0.25,
	})
	if err != nil {
		t.Fatalf("Setup(enabled) returned error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestMiddleware_WrapsHandler(t *testing.T) {
	var called bool
	handler := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !called || rec.Code != http.StatusNoContent {
		t.Fatalf("called=%v status=%d", called, rec.Code)
	}
}
