package circuitbreaker

import (
	"testing"
	"time"
)

func TestPolicy_TripsAtThreshold(t *testing.T) {
	p := Policy{Threshold: 3, Cooldown: 10 * time.Second}
	now := time.Unix(1_700_000_000, 0)

	s := Status{State: Closed}
	s = p.OnFailure(s, now, 0)
	s = p.OnFailure(s, now, 0)
	if s.State != Closed {
		t.Fatalf("expected closed after 2 failures, got %s", s.State)
	}
	s = p.OnFailure(s, now, 0)
	if s.State != Open {
		t.Fatalf("expected open after 3 failures, got %s", s.State)
	}
	if !s.OpenUntil.Equal(now.Add(10 * time.Second)) {
		t.Fatalf("open until = %v", s.OpenUntil)
	}
}

func TestPolicy_FullCycle(t *testing.T) {
	p := Policy{Threshold: 2, Cooldown: 5 * time.Second}
	now := time.Unix(1_700_000_000, 0)

	s := p.OnFailure(Status{}, now, 0)
	s = p.OnFailure(s, now, 0)
	if p.Allow(s, now.Add(4*time.Second)) {
		t.Fatal("open circuit should reject before cooldown")
	}

	later := now.Add(5 * time.Second)
	s = p.Tick(s, later)
	if s.State != HalfOpen {
		t.Fatalf("expected half_open after cooldown, got %s", s.State)
	}

	s = p.OnSuccess(s, later)
	if s.State != Closed || s.Failures != 0 {
		t.Fatalf("expected closed with 0 failures, got %s/%d", s.State, s.Failures)
	}
}

func TestPolicy_HalfOpenFailureReopens(t *testing.T) {
	p := Policy{Threshold: 1, Cooldown: time.Second}
	now := time.Unix(1_700_000_000, 0)

	s := p.OnFailure(Status{}, now, 0)
	now = now.Add(2 * time.Second)
	s = p.OnFailure(s, now, 0)
	if s.State != Open {
		t.Fatalf("expected open, got %s", s.State)
	}
	if !s.OpenUntil.Equal(now.Add(time.Second)) {
		t.Fatalf("cooldown not restarted: %v", s.OpenUntil)
	}
}

func TestPolicy_MinCooldownExtends(t *testing.T) {
	p := Policy{Threshold: 1, Cooldown: time.Second}
	now := time.Unix(1_700_000_000, 0)
	s := p.OnFailure(Status{}, now, 45*time.Second)
	if !s.OpenUntil.Equal(now.Add(45 * time.Second)) {
		t.Fatalf("open until = %v", s.OpenUntil)
	}
}

func TestPolicy_SuccessWhileOpenKeepsOpen(t *testing.T) {
	p := Policy{Threshold: 1, Cooldown: time.Minute}
	now := time.Unix(1_700_000_000, 0)
	s := p.OnFailure(Status{}, now, 0)
	s = p.OnSuccess(s, now.Add(time.Second))
	if s.State != Open {
		t.Fatalf("expected open, got %s", s.State)
	}
}

func TestPolicy_ZeroValueDefaults(t *testing.T) {
	var p Policy
	now := time.Unix(1_700_000_000, 0)
	s := Status{}
	for i := 0; i < DefaultThreshold-1; i++ {
		s = p.OnFailure(s, now, 0)
	}
	if s.State != Closed {
		t.Fatalf("tripped early at %d failures", s.Failures)
	}
	s = p.OnFailure(s, now, 0)
	if s.State != Open || !s.OpenUntil.Equal(now.Add(DefaultCooldown)) {
		t.Fatalf("unexpected status %+v", s)
	}
}

func TestBreaker_SingleProbe(t *testing.T) {
	now := time.Now()
	b := New(WithThreshold(1), WithCooldown(10*time.Second), WithClock(func() time.Time { return now }))

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("open breaker should reject")
	}

	now = now.Add(11 * time.Second)
	if !b.Allow() {
		t.Fatal("should allow one probe after cooldown")
	}
	if b.Allow() {
		t.Fatal("second probe should be rejected while half_open")
	}

	b.RecordSuccess()
	if b.CurrentState() != Closed {
		t.Fatalf("expected closed, got %s", b.CurrentState())
	}
	if !b.Allow() {
		t.Fatal("closed breaker should allow")
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	now := time.Now()
	var transitions []string
	b := New(
		WithThreshold(1),
		WithCooldown(time.Second),
		WithClock(func() time.Time { return now }),
		WithOnStateChange(func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)

	b.RecordFailure()
	now = now.Add(2 * time.Second)
	b.Allow()
	b.RecordFailure()

	want := []string{"closed->open", "open->half_open", "half_open->open"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}
