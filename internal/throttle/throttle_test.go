package throttle

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAllowBurst(t *testing.T) {
	l := New(5, 5, time.Second)
	for i := range 5 {
		if !l.Allow("caller") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("caller") {
		t.Fatal("request 6 should be denied")
	}
	if !l.Allow("other") {
		t.Fatal("a different caller has its own bucket")
	}
}

func TestRefill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(2, 2, time.Second, withClock(func() time.Time { return now }))
	l.Allow("k")
	l.Allow("k")
	if l.Allow("k") {
		t.Fatal("should be exhausted")
	}
	now = now.Add(1500 * time.Millisecond)
	if !l.Allow("k") || !l.Allow("k") {
		t.Fatal("one interval should refill two tokens")
	}
	if l.Allow("k") {
		t.Fatal("refill must not exceed burst")
	}
}

func TestMiddlewareRejects(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_throttled_total"})
	l := New(1, 1, time.Minute, WithCounter(counter), WithKeyFunc(func(r *http.Request) string {
		return r.Header.Get("Authorization")
	}))
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer a")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if got := testutil.ToFloat64(counter); got != 1 {
		t.Fatalf("counter = %v", got)
	}
}
