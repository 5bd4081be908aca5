package router

import (
	"strings"
	"testing"
)

func user(s string) Message      { return Message{Role: "user", Content: s} }
func assistant(s string) Message { return Message{Role: "assistant", Content: s} }

func TestAnalyzeClassification(t *testing.T) {
	a := NewAnalyzer(AnalyzerConfig{})
	tools := []Tool{{Type: "function", Function: ToolFunction{Name: "web_search"}}}

	cases := []struct {
		name  string
		text  string
		tools []Tool
		want  RequestType
	}{
		{"simple", "what's the capital of France?", nil, TypeSimple},
		{"reasoning", "Prove that the square root of 2 is irrational.", nil, TypeReasoning},
		{"reasoning with approaches", "Explain why this fails and compare multiple approaches to fix it.", nil, TypeComplex},
		{"complex", "Design a sharded queue for our billing events.", nil, TypeComplex},
		{"creative", "Write a poem about autumn rain.", nil, TypeCreative},
		{"tool cue", "Search for the latest Go release notes and summarize.", tools, TypeToolHeavy},
		{"tool cue without tools", "Search for the latest Go release notes.", nil, TypeSimple},
		{"long fallback", strings.Repeat("lorem ipsum ", 200), nil, TypeComplex},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := a.Analyze([]Message{user(tc.text)}, tc.tools)
			if p.Type != tc.want {
				t.Fatalf("type = %s, want %s", p.Type, tc.want)
			}
		})
	}
}

func TestAnalyzeManyToolsIsToolHeavy(t *testing.T) {
	a := NewAnalyzer(AnalyzerConfig{ToolHeavyCount: 3})
	tools := make([]Tool, 3)
	p := a.Analyze([]Message{user("hello")}, tools)
	if p.Type != TypeToolHeavy {
		t.Fatalf("type = %s, want tool_heavy", p.Type)
	}
	if !p.HasTools || p.ToolCount != 3 {
		t.Fatalf("tool fields = %v/%d", p.HasTools, p.ToolCount)
	}
}

func TestConversationDepth(t *testing.T) {
	cases := []struct {
		msgs []Message
		want int
	}{
		{[]Message{user("a")}, 0},
		{[]Message{user("a"), assistant("b")}, 1},
		{[]Message{user("a"), assistant("b"), user("c")}, 1},
		{[]Message{user("a"), assistant("b"), user("c"), assistant("d")}, 2},
		// consecutive same-role and system messages do not count
		{[]Message{{Role: "system", Content: "s"}, user("a"), user("a2"), {Role: "system", Content: "s"}, assistant("b"), assistant("b2"), user("c")}, 1},
	}
	for i, tc := range cases {
		if got := ConversationDepth(tc.msgs); got != tc.want {
			t.Errorf("case %d: depth = %d, want %d", i, got, tc.want)
		}
	}
}

func TestComplexityScore(t *testing.T) {
	a := NewAnalyzer(AnalyzerConfig{LargeContextTokens: 100})

	p := a.Analyze([]Message{user("hi")}, nil)
	if p.ComplexityScore != 1 {
		t.Fatalf("simple score = %v, want 1", p.ComplexityScore)
	}

	// reasoning (8) + large context (2) + depth 2 (1.0) caps at 10
	long := strings.Repeat("x", 800)
	msgs := []Message{user(long), assistant("ok"), user("now prove it step by step")}
	msgs = append(msgs, assistant("..."), user("prove it step by step"))
	p = a.Analyze(msgs, nil)
	if !p.RequiresLargeContext {
		t.Fatal("expected large context")
	}
	if p.ComplexityScore != 10 {
		t.Fatalf("score = %v, want capped 10", p.ComplexityScore)
	}
}

func TestDepthBonusCapped(t *testing.T) {
	a := NewAnalyzer(AnalyzerConfig{})
	var msgs []Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, user("hi"), assistant("hello"))
	}
	msgs = append(msgs, user("thanks"))
	p := a.Analyze(msgs, nil)
	if p.ComplexityScore != 3 {
		t.Fatalf("score = %v, want 1 + 2 (capped depth bonus)", p.ComplexityScore)
	}
}

func TestEstimatedInputTokens(t *testing.T) {
	a := NewAnalyzer(AnalyzerConfig{LargeContextTokens: 8000})
	p := a.Analyze([]Message{user(strings.Repeat("a", 40_000))}, nil)
	if p.EstimatedInputTokens != 10_000 {
		t.Fatalf("estimate = %d, want 10000", p.EstimatedInputTokens)
	}
	if !p.RequiresLargeContext {
		t.Fatal("10k tokens should exceed 8k threshold")
	}
}

func TestEstimatedInputTokensCountsCharacters(t *testing.T) {
	a := NewAnalyzer(AnalyzerConfig{LargeContextTokens: 8000})
	// 12k characters of three-byte runes is 36k bytes.
	p := a.Analyze([]Message{user(strings.Repeat("漢", 12_000))}, nil)
	if p.EstimatedInputTokens != 3_000 {
		t.Fatalf("estimate = %d, want 3000", p.EstimatedInputTokens)
	}
	if p.RequiresLargeContext {
		t.Fatal("3k tokens should not exceed the 8k threshold")
	}
}
