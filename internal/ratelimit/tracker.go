package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jordanhubbard/llmproxy/internal/circuitbreaker"
	"github.com/jordanhubbard/llmproxy/internal/events"
	"github.com/jordanhubbard/llmproxy/internal/router"
)

// ErrContention is returned when a state update keeps losing its
// compare-and-swap race.
var ErrContention = errors.New("ratelimit: too much contention")

const (
	DefaultBackoff = 60 * time.Second
	maxCASAttempts = 8
)

// Tracker owns rate-limit and circuit state for every candidate. It
// implements router.Availability and router.Feedback.
type Tracker struct {
	store          Store
	policy         circuitbreaker.Policy
	defaultBackoff time.Duration
	bus            *events.Bus
	onTransition   func(key string, from, to circuitbreaker.State)
	logger         *slog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

var (
	_ router.Availability = (*Tracker)(nil)
	_ router.Feedback     = (*Tracker)(nil)
)

type Option func(*Tracker)

// WithPolicy sets the failure threshold and cooldown of candidate circuits.
func WithPolicy(p circuitbreaker.Policy) Option {
	return func(t *Tracker) { t.policy = p }
}

// WithDefaultBackoff is the pause applied to a rate-limited candidate whose
// provider gave no retry-after.
func WithDefaultBackoff(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.defaultBackoff = d
		}
	}
}

// WithEventBus publishes circuit transitions.
func WithEventBus(bus *events.Bus) Option {
	return func(t *Tracker) { t.bus = bus }
}

// WithOnTransition registers a callback for circuit transitions, e.g. to
// keep metrics current.
func WithOnTransition(fn func(key string, from, to circuitbreaker.State)) Option {
	return func(t *Tracker) { t.onTransition = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.nowFunc = now
		}
	}
}

func NewTracker(store Store, opts ...Option) *Tracker {
	if store == nil {
		store = NewMemoryStore(0, 0)
	}
	t := &Tracker{
		store:          store,
		defaultBackoff: DefaultBackoff,
		logger:         slog.Default(),
		nowFunc:        time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// IngestHeaders applies normalized rate-limit headers. Fields absent from
// snap leave the stored values alone.
func (t *Tracker) IngestHeaders(ctx context.Context, c router.Candidate, snap router.RateLimitSnapshot) error {
	if snap.IsEmpty() {
		return nil
	}
	return t.update(ctx, c, func(s *State, now time.Time) {
		if snap.RemainingRequests != nil {
			s.RemainingRequests = *snap.RemainingRequests
			s.RequestsObservedAt = now
		}
		if snap.RemainingTokens != nil {
			s.RemainingTokens = *snap.RemainingTokens
			s.TokensObservedAt = now
		}
		if snap.RequestsResetAt != nil {
			s.RequestsResetAt = later(s.RequestsResetAt, *snap.RequestsResetAt)
		}
		if snap.TokensResetAt != nil {
			s.TokensResetAt = later(s.TokensResetAt, *snap.TokensResetAt)
		}
	})
}

// IngestRateLimitError marks c exhausted until now+retryAfter, or the
// default backoff when retryAfter is zero, and counts a failure.
func (t *Tracker) IngestRateLimitError(ctx context.Context, c router.Candidate, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = t.defaultBackoff
	}
	return t.update(ctx, c, func(s *State, now time.Time) {
		until := now.Add(retryAfter)
		s.RemainingRequests = 0
		s.RequestsObservedAt = now
		s.RequestsResetAt = later(s.RequestsResetAt, until)
		s.Circuit = t.policy.OnFailure(s.Circuit, now, retryAfter)
		s.Circuit.OpenUntil = later(s.Circuit.OpenUntil, until)
		s.LastErrorKind = router.KindRateLimit
	})
}

// IngestFailure counts a non-rate-limit failure against c's circuit.
func (t *Tracker) IngestFailure(ctx context.Context, c router.Candidate, kind router.ErrorKind) error {
	return t.update(ctx, c, func(s *State, now time.Time) {
		s.Circuit = t.policy.OnFailure(s.Circuit, now, 0)
		s.LastErrorKind = kind
	})
}

// IngestSuccess resets the failure count and closes a half-open circuit.
func (t *Tracker) IngestSuccess(ctx context.Context, c router.Candidate) error {
	return t.update(ctx, c, func(s *State, now time.Time) {
		s.Circuit = t.policy.OnSuccess(s.Circuit, now)
	})
}

// IsAvailable reports whether c may take a request of about estimatedTokens
// tokens. Store errors fail open so a broken backend does not stop traffic.
func (t *Tracker) IsAvailable(ctx context.Context, c router.Candidate, estimatedTokens int) bool {
	s, err := t.State(ctx, c)
	if err != nil {
		t.logger.Warn("rate limit state unavailable", slog.String("candidate", c.String()), slog.String("error", err.Error()))
		return true
	}
	now := t.nowFunc()
	if s.Circuit.State == circuitbreaker.Open {
		return false
	}
	if s.RemainingRequests != Unknown && s.RemainingRequests <= 0 && now.Before(s.RequestsResetAt) {
		return false
	}
	if s.RemainingTokens != Unknown && s.RemainingTokens < int64(estimatedTokens) && now.Before(s.TokensResetAt) {
		return false
	}
	return true
}

// ConsecutiveFailures returns c's current failure count, zero if unknown.
func (t *Tracker) ConsecutiveFailures(ctx context.Context, c router.Candidate) int {
	s, err := t.State(ctx, c)
	if err != nil {
		return 0
	}
	return s.ConsecutiveFailures()
}

// State returns c's effective state at the current time.
func (t *Tracker) State(ctx context.Context, c router.Candidate) (State, error) {
	s, ok, err := t.store.Get(ctx, string(c.Key()))
	if err != nil {
		return State{}, err
	}
	if !ok {
		return NewState(), nil
	}
	return t.effective(s), nil
}

func (t *Tracker) effective(s State) State {
	now := t.nowFunc()
	s = s.Effective(now)
	s.Circuit = t.policy.Tick(s.Circuit, now)
	return s
}

// Entry is one tracked candidate as shown to operators.
type Entry struct {
	Key   string `json:"key"`
	State State  `json:"state"`
}

// Entries lists effective state of every tracked candidate, sorted by key.
func (t *Tracker) Entries(ctx context.Context) ([]Entry, error) {
	all, err := t.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for k, s := range all {
		out = append(out, Entry{Key: k, State: t.effective(s)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Reset forgets everything about one candidate key.
func (t *Tracker) Reset(ctx context.Context, key string) error {
	return t.store.Delete(ctx, key)
}

// update applies fn to c's state inside a compare-and-swap loop.
func (t *Tracker) update(ctx context.Context, c router.Candidate, fn func(*State, time.Time)) error {
	key := string(c.Key())
	for i := 0; i < maxCASAttempts; i++ {
		cur, ok, err := t.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("ratelimit: get %s: %w", key, err)
		}
		if !ok {
			cur = NewState()
		}

		now := t.nowFunc()
		next := cur
		next.Circuit = t.policy.Tick(cur.Circuit, now)
		ticked := next.Circuit.State
		fn(&next, now)
		next.UpdatedAt = now
		next.Version = cur.Version + 1

		swapped, err := t.store.CompareAndSwap(ctx, key, cur.Version, next)
		if err != nil {
			return fmt.Errorf("ratelimit: swap %s: %w", key, err)
		}
		if swapped {
			t.notify(key, cur.Circuit.State, ticked)
			t.notify(key, ticked, next.Circuit.State)
			return nil
		}
	}
	return fmt.Errorf("%w on %s", ErrContention, key)
}

func (t *Tracker) notify(key string, from, to circuitbreaker.State) {
	if from == "" {
		from = circuitbreaker.Closed
	}
	if from == to {
		return
	}
	t.logger.Info("circuit transition",
		slog.String("candidate", key),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if t.onTransition != nil {
		t.onTransition(key, from, to)
	}
	t.bus.Publish(events.Event{
		Type:      events.EventCircuitChange,
		Candidate: key,
		OldState:  from.String(),
		NewState:  to.String(),
	})
}
