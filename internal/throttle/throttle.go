// Package throttle limits ingress request rate per caller with token buckets.
package throttle

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
)

// Limiter holds one token bucket per caller key. Idle buckets expire.
type Limiter struct {
	mu       sync.Mutex
	buckets  *expirable.LRU[string, *bucket]
	rate     int
	burst    int
	interval time.Duration
	keyFunc  func(*http.Request) string
	counter  prometheus.Counter

	nowFunc func() time.Time
}

type bucket struct {
	tokens   int
	lastFill time.Time
}

type Option func(*Limiter)

// WithCounter sets a counter incremented on every rejection.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithKeyFunc overrides how callers are told apart. The default is the
// client address.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.keyFunc = fn
		}
	}
}

// WithMaxKeys caps the number of tracked callers.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.buckets = expirable.NewLRU[string, *bucket](n, nil, 10*time.Minute)
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(l *Limiter) { l.nowFunc = now }
}

// New allows rate requests per interval with bursts up to burst.
func New(rate, burst int, interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:  expirable.NewLRU[string, *bucket](100_000, nil, 10*time.Minute),
		rate:     rate,
		burst:    burst,
		interval: interval,
		keyFunc:  ClientAddr,
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ClientAddr keys by X-Real-IP (set by chi's RealIP middleware) or the
// remote address.
func ClientAddr(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(l.keyFunc(r)) {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(l.interval/time.Second))))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
	}
	if periods := int(now.Sub(b.lastFill) / l.interval); periods > 0 {
		b.tokens = min(l.burst, b.tokens+periods*l.rate)
		b.lastFill = b.lastFill.Add(time.Duration(periods) * l.interval)
	}
	l.buckets.Add(key, b)

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
