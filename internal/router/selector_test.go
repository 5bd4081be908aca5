package router

import (
	"context"
	"fmt"
	"math"
	"testing"
)

type fakeAvailability struct {
	down     map[CandidateKey]bool
	failures map[CandidateKey]int
}

func (f fakeAvailability) IsAvailable(_ context.Context, c Candidate, _ int) bool {
	return !f.down[c.Key()]
}

func (f fakeAvailability) ConsecutiveFailures(_ context.Context, c Candidate) int {
	return f.failures[c.Key()]
}

func pricedCandidate(t *testing.T, cred, provider, model string, window int, free bool, inPrice, outPrice float64, weight int) Candidate {
	t.Helper()
	c, err := NewCandidate(
		CredentialEntry{ID: cred, Source: SourceEnvironment, ProviderType: provider, APIKey: "sk-" + cred, FreeTier: free},
		ModelEntry{Provider: provider, Model: model, ContextWindow: window, InputPricePerMTok: inPrice, OutputPricePerMTok: outPrice, Weight: weight},
	)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func newTestSelector(avail Availability) *Selector {
	return NewSelector(SelectorConfig{}, NewBudgeter(BudgetConfig{}), avail)
}

func TestNewCandidateRejectsMismatch(t *testing.T) {
	_, err := NewCandidate(CredentialEntry{ProviderType: "openai"}, ModelEntry{Provider: "anthropic", Model: "claude"})
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected ModelUnavailableError, got %v", err)
	}
}

func TestSelectNeverReturnsTooSmallWindow(t *testing.T) {
	small := pricedCandidate(t, "a", "groq", "small", 8192, true, 0, 0, 2)
	big := pricedCandidate(t, "b", "gemini", "big", 1_000_000, true, 0, 0, 6)
	s := newTestSelector(nil)

	for _, tokens := range []int{100, 7000, 8000, 50_000, 999_000} {
		res := s.Select(context.Background(), RequestProfile{EstimatedInputTokens: tokens}, []Candidate{small, big}, ModeBalanced)
		for _, sc := range res.Ranked {
			if sc.Candidate.Model().ContextWindow < tokens {
				t.Fatalf("tokens=%d: %s has window %d", tokens, sc.Candidate, sc.Candidate.Model().ContextWindow)
			}
			if sc.Budget.MaxOutputTokens+tokens > sc.Candidate.Model().ContextWindow {
				t.Fatalf("tokens=%d: budget overflows window", tokens)
			}
		}
	}
}

func TestSelectCheapPrefersFree(t *testing.T) {
	free := pricedCandidate(t, "a", "groq", "llama-8b", 128_000, true, 0, 0, 3)
	paid := pricedCandidate(t, "b", "openai", "gpt-4o-mini", 128_000, false, 0.15, 0.6, 4)
	s := newTestSelector(nil)

	res := s.Select(context.Background(), RequestProfile{Type: TypeSimple}, []Candidate{paid, free}, ModeCheap)
	if len(res.Ranked) != 2 || res.Ranked[0].Candidate.Key() != free.Key() {
		t.Fatalf("ranked = %+v", res.Ranked)
	}
}

func TestSelectFreeFirstEvenWhenPaidScoresHigher(t *testing.T) {
	free := pricedCandidate(t, "a", "groq", "tiny", 16_000, true, 0, 0, 1)
	paid := pricedCandidate(t, "b", "openai", "strong", 128_000, false, 2.5, 10, 9)
	s := newTestSelector(nil)

	res := s.Select(context.Background(), RequestProfile{Type: TypeReasoning}, []Candidate{paid, free}, ModeBalanced)
	if res.Ranked[0].Candidate.Key() != free.Key() {
		t.Fatalf("balanced mode must rank free first, got %s", res.Ranked[0].Candidate)
	}
}

func TestSelectPowerfulPrefersMostCapable(t *testing.T) {
	free := pricedCandidate(t, "a", "groq", "llama-8b", 128_000, true, 0, 0, 3)
	paid := pricedCandidate(t, "b", "anthropic", "opus", 200_000, false, 15, 75, 10)
	s := newTestSelector(nil)

	res := s.Select(context.Background(), RequestProfile{Type: TypeComplex}, []Candidate{free, paid}, ModePowerful)
	if res.Ranked[0].Candidate.Key() != paid.Key() {
		t.Fatalf("powerful should pick the most capable candidate, got %s", res.Ranked[0].Candidate)
	}
}

func TestSelectCheapPrefersSmallestSufficientPaid(t *testing.T) {
	mini := pricedCandidate(t, "a", "openai", "mini", 128_000, false, 0.15, 0.6, 3)
	large := pricedCandidate(t, "b", "openai", "large", 128_000, false, 2.5, 10, 8)
	s := newTestSelector(nil)

	res := s.Select(context.Background(), RequestProfile{Type: TypeSimple}, []Candidate{large, mini}, ModeCheap)
	if res.Ranked[0].Candidate.Key() != mini.Key() {
		t.Fatalf("cheap should pick the smallest sufficient model, got %s", res.Ranked[0].Candidate)
	}
}

func TestSelectDropsUnavailable(t *testing.T) {
	a := pricedCandidate(t, "a", "groq", "m", 128_000, true, 0, 0, 3)
	b := pricedCandidate(t, "b", "openai", "m", 128_000, false, 1, 2, 3)
	avail := fakeAvailability{down: map[CandidateKey]bool{a.Key(): true}}
	s := newTestSelector(avail)

	res := s.Select(context.Background(), RequestProfile{}, []Candidate{a, b}, ModeCheap)
	if len(res.Ranked) != 1 || res.Ranked[0].Candidate.Key() != b.Key() {
		t.Fatalf("ranked = %+v", res.Ranked)
	}
}

func TestSelectFailurePenalty(t *testing.T) {
	a := pricedCandidate(t, "a", "groq", "m", 128_000, true, 0, 0, 3)
	b := pricedCandidate(t, "b", "groq", "m", 128_000, true, 0, 0, 3)
	avail := fakeAvailability{failures: map[CandidateKey]int{a.Key(): 2}}
	s := newTestSelector(avail)

	for i := 0; i < 5; i++ {
		res := s.Select(context.Background(), RequestProfile{}, []Candidate{a, b}, ModeBalanced)
		if res.Ranked[0].Candidate.Key() != b.Key() {
			t.Fatalf("failing candidate should rank last, got %s first", res.Ranked[0].Candidate)
		}
	}
}

func TestSelectEmpty(t *testing.T) {
	a := pricedCandidate(t, "a", "groq", "m", 8192, true, 0, 0, 3)
	s := newTestSelector(nil)
	res := s.Select(context.Background(), RequestProfile{EstimatedInputTokens: 100_000}, []Candidate{a}, ModeBalanced)
	if !res.Empty() || res.Considered != 1 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestSelectRoundRobinFairness(t *testing.T) {
	const n, rounds = 4, 400
	var cands []Candidate
	for i := 0; i < n; i++ {
		cands = append(cands, pricedCandidate(t, fmt.Sprintf("key%d", i), "groq", "llama", 128_000, true, 0, 0, 3))
	}
	s := newTestSelector(nil)

	counts := map[CandidateKey]int{}
	for i := 0; i < rounds; i++ {
		res := s.Select(context.Background(), RequestProfile{Type: TypeSimple}, cands, ModeCheap)
		if len(res.Ranked) != n {
			t.Fatalf("ranked %d of %d", len(res.Ranked), n)
		}
		counts[res.Ranked[0].Candidate.Key()]++
	}
	want := float64(rounds) / n
	for k, c := range counts {
		if math.Abs(float64(c)-want) > want*0.1 {
			t.Fatalf("candidate %s selected %d times, want ~%.0f", k, c, want)
		}
	}
	if len(counts) != n {
		t.Fatalf("only %d of %d candidates ever ranked first", len(counts), n)
	}
}

func TestStrengthDerived(t *testing.T) {
	small := ModelEntry{ContextWindow: 8192, InputPricePerMTok: 0.05, OutputPricePerMTok: 0.08}
	large := ModelEntry{ContextWindow: 200_000, InputPricePerMTok: 3, OutputPricePerMTok: 15, Capabilities: Capabilities{Reasoning: true}}
	if Strength(small) >= Strength(large) {
		t.Fatalf("small %.2f should be weaker than large %.2f", Strength(small), Strength(large))
	}
	if Strength(ModelEntry{Weight: 7}) != 7 {
		t.Fatal("explicit weight should win")
	}
	if s := Strength(large); s < 1 || s > 10 {
		t.Fatalf("strength %.2f out of range", s)
	}
}
