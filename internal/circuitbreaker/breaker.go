// Package circuitbreaker implements the closed/open/half_open state machine
// shared by per-candidate rate-limit tracking and the Temporal attempt-log
// path. Policy holds the pure transitions; Breaker wraps a Policy with a
// mutex for callers that own a single circuit.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the position of a circuit in its state machine.
type State string

const (
	// Closed is normal operation: calls flow through.
	Closed State = "closed"
	// Open means the circuit has tripped and calls are rejected until the
	// cooldown elapses.
	Open State = "open"
	// HalfOpen lets probe calls through to test recovery.
	HalfOpen State = "half_open"
)

func (s State) String() string {
	if s == "" {
		return string(Closed)
	}
	return string(s)
}

const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

// Status is the serializable state of one circuit.
type Status struct {
	State     State     `json:"state"`
	Failures  int       `json:"consecutive_failures"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

// Policy decides transitions. The zero value uses the defaults.
type Policy struct {
	Threshold int           `yaml:"threshold" json:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown" json:"cooldown"`
}

func (p Policy) threshold() int {
	if p.Threshold > 0 {
		return p.Threshold
	}
	return DefaultThreshold
}

func (p Policy) cooldown() time.Duration {
	if p.Cooldown > 0 {
		return p.Cooldown
	}
	return DefaultCooldown
}

// Tick moves an Open circuit whose cooldown has elapsed to HalfOpen.
func (p Policy) Tick(s Status, now time.Time) Status {
	if s.State == Open && !now.Before(s.OpenUntil) {
		s.State = HalfOpen
	}
	if s.State == "" {
		s.State = Closed
	}
	return s
}

// Allow reports whether a call may go through at now.
func (p Policy) Allow(s Status, now time.Time) bool {
	return p.Tick(s, now).State != Open
}

// OnFailure records one failure. minCooldown extends the open period when
// the caller knows the remote side asked for a longer pause.
func (p Policy) OnFailure(s Status, now time.Time, minCooldown time.Duration) Status {
	s = p.Tick(s, now)
	s.Failures++
	cooldown := p.cooldown()
	if minCooldown > cooldown {
		cooldown = minCooldown
	}
	switch s.State {
	case Closed:
		if s.Failures >= p.threshold() {
			s.State = Open
			s.OpenUntil = laterOf(s.OpenUntil, now.Add(cooldown))
		}
	case HalfOpen:
		s.State = Open
		s.OpenUntil = laterOf(s.OpenUntil, now.Add(cooldown))
	}
	return s
}

// OnSuccess records one success. A success while still Open (a call that
// started before the trip) does not close the circuit.
func (p Policy) OnSuccess(s Status, now time.Time) Status {
	s = p.Tick(s, now)
	switch s.State {
	case Closed:
		s.Failures = 0
	case HalfOpen:
		s.State = Closed
		s.Failures = 0
	}
	return s
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Breaker is a goroutine-safe single circuit. Unlike the bare Policy it only
// admits one probe at a time while HalfOpen.
type Breaker struct {
	mu            sync.Mutex
	policy        Policy
	status        Status
	probing       bool
	onStateChange func(from, to State)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the number of consecutive failures that trips the
// breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.policy.Threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before probing.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.policy.Cooldown = d
		}
	}
}

// WithPolicy replaces threshold and cooldown at once.
func WithPolicy(p Policy) Option {
	return func(b *Breaker) { b.policy = p }
}

// WithOnStateChange registers a callback fired on every transition. It runs
// with the breaker's mutex held and must not call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.nowFunc = now
		}
	}
}

// New creates a Closed breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		status:  Status{State: Closed},
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the next call should go through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.apply(b.policy.Tick(b.status, b.nowFunc()))
	switch b.status.State {
	case Closed:
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes a probing breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	b.apply(b.policy.OnSuccess(b.status, b.nowFunc()))
}

// RecordFailure counts a failure and trips or reopens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	b.apply(b.policy.OnFailure(b.status, b.nowFunc(), 0))
}

// CurrentState returns the state without advancing the cooldown timer.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status.State
}

// apply installs next and fires the callback. Caller must hold b.mu.
func (b *Breaker) apply(next Status) {
	from := b.status.State
	b.status = next
	if b.onStateChange != nil && from != next.State {
		b.onStateChange(from, next.State)
	}
}
