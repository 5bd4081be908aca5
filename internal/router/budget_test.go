package router

import (
	"errors"
	"testing"
)

func testCandidate(t *testing.T, provider, model string, window int, free bool) Candidate {
	t.Helper()
	c, err := NewCandidate(
		CredentialEntry{ID: "k-" + provider, Source: SourceEnvironment, ProviderType: provider, APIKey: "sk", FreeTier: free},
		ModelEntry{Provider: provider, Model: model, ContextWindow: window, InputPricePerMTok: 1, OutputPricePerMTok: 2},
	)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestBudgetNeverExceedsHeadroom(t *testing.T) {
	b := NewBudgeter(BudgetConfig{})
	c := testCandidate(t, "groq", "m", 8192, true)

	for _, in := range []int{0, 1000, 4000, 7000, 7900} {
		for _, mode := range []OptimizationMode{ModeCheap, ModeBalanced, ModePowerful} {
			for _, typ := range []RequestType{TypeSimple, TypeComplex, TypeReasoning} {
				p := RequestProfile{Type: typ, EstimatedInputTokens: in}
				got, err := b.Budget(p, c, mode)
				if err != nil {
					t.Fatalf("in=%d mode=%s: %v", in, mode, err)
				}
				if got.MaxOutputTokens <= 0 || got.MaxOutputTokens > 8192-in {
					t.Fatalf("in=%d mode=%s type=%s: budget %d outside (0, %d]", in, mode, typ, got.MaxOutputTokens, 8192-in)
				}
				if got.AuxiliaryContentBudget+got.MaxOutputTokens > 8192-in {
					t.Fatalf("aux %d + out %d exceeds headroom", got.AuxiliaryContentBudget, got.MaxOutputTokens)
				}
			}
		}
	}
}

func TestBudgetInsufficientHeadroom(t *testing.T) {
	b := NewBudgeter(BudgetConfig{MinViableOutput: 256})
	c := testCandidate(t, "groq", "m", 8192, true)
	_, err := b.Budget(RequestProfile{EstimatedInputTokens: 8000}, c, ModeBalanced)
	if !errors.Is(err, ErrInsufficientHeadroom) {
		t.Fatalf("expected ErrInsufficientHeadroom, got %v", err)
	}
	_, err = b.Budget(RequestProfile{EstimatedInputTokens: 100_000}, c, ModeBalanced)
	if !errors.Is(err, ErrInsufficientHeadroom) {
		t.Fatalf("expected ErrInsufficientHeadroom for oversize input, got %v", err)
	}
}

func TestBudgetGrowsWithModeAndType(t *testing.T) {
	b := NewBudgeter(BudgetConfig{})
	c := testCandidate(t, "openai", "big", 128_000, false)

	cheap, _ := b.Budget(RequestProfile{Type: TypeSimple}, c, ModeCheap)
	balanced, _ := b.Budget(RequestProfile{Type: TypeSimple}, c, ModeBalanced)
	powerful, _ := b.Budget(RequestProfile{Type: TypeSimple}, c, ModePowerful)
	if !(cheap.MaxOutputTokens < balanced.MaxOutputTokens && balanced.MaxOutputTokens < powerful.MaxOutputTokens) {
		t.Fatalf("mode ordering violated: %d %d %d", cheap.MaxOutputTokens, balanced.MaxOutputTokens, powerful.MaxOutputTokens)
	}

	simple, _ := b.Budget(RequestProfile{Type: TypeSimple}, c, ModeBalanced)
	reasoning, _ := b.Budget(RequestProfile{Type: TypeReasoning}, c, ModeBalanced)
	if reasoning.MaxOutputTokens <= simple.MaxOutputTokens {
		t.Fatalf("reasoning %d should exceed simple %d", reasoning.MaxOutputTokens, simple.MaxOutputTokens)
	}
}

func TestBudgetShrinksWhenConstrained(t *testing.T) {
	b := NewBudgeter(BudgetConfig{})
	c := testCandidate(t, "groq", "m", 8192, true)
	got, err := b.Budget(RequestProfile{Type: TypeReasoning, EstimatedInputTokens: 7000}, c, ModePowerful)
	if err != nil {
		t.Fatal(err)
	}
	// headroom 1192, half is 596
	if got.MaxOutputTokens != 596 {
		t.Fatalf("budget = %d, want 596", got.MaxOutputTokens)
	}
}

func TestBudgetRespectsModelCeiling(t *testing.T) {
	b := NewBudgeter(BudgetConfig{})
	c, err := NewCandidate(
		CredentialEntry{ID: "x", ProviderType: "anthropic"},
		ModelEntry{Provider: "anthropic", Model: "m", ContextWindow: 200_000, MaxOutputTokens: 1000},
	)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := b.Budget(RequestProfile{Type: TypeReasoning}, c, ModePowerful)
	if got.MaxOutputTokens != 1000 {
		t.Fatalf("budget = %d, want model ceiling 1000", got.MaxOutputTokens)
	}
}
