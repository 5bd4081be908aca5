package router

import "testing"

func TestExtractDirectivesMode(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "@@llmproxy mode=cheap max_tokens=512\nHello world"},
	}
	d, out := ExtractDirectives(msgs)
	if d.Mode != ModeCheap {
		t.Errorf("expected mode=cheap, got %q", d.Mode)
	}
	if d.MaxTokens != 512 {
		t.Errorf("expected max_tokens=512, got %d", d.MaxTokens)
	}
	if out[0].Content != "Hello world" {
		t.Errorf("expected stripped content, got %q", out[0].Content)
	}
	if msgs[0].Content == out[0].Content {
		t.Error("input slice must not be modified")
	}
}

func TestExtractDirectivesNone(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "Just a normal message"}}
	d, out := ExtractDirectives(msgs)
	if !d.IsZero() {
		t.Errorf("expected zero directives, got %+v", d)
	}
	if out[0].Content != msgs[0].Content {
		t.Errorf("content changed: %q", out[0].Content)
	}
}

func TestExtractDirectivesIgnoresSystem(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "@@llmproxy mode=cheap"},
		{Role: "user", Content: "Hi"},
	}
	d, out := ExtractDirectives(msgs)
	if !d.IsZero() {
		t.Errorf("system directives must be ignored, got %+v", d)
	}
	if out[0].Content != "@@llmproxy mode=cheap" {
		t.Errorf("system message altered: %q", out[0].Content)
	}
}

func TestExtractDirectivesInvalidValues(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "@@llmproxy mode=turbo max_tokens=-4 nonsense\nq"}}
	d, _ := ExtractDirectives(msgs)
	if !d.IsZero() {
		t.Errorf("invalid values should be ignored, got %+v", d)
	}
}

func TestExtractDirectivesFirstWins(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "@@llmproxy mode=powerful\nfirst"},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "second\n@@llmproxy mode=cheap"},
	}
	d, out := ExtractDirectives(msgs)
	if d.Mode != ModePowerful {
		t.Errorf("expected first directive to win, got %q", d.Mode)
	}
	if out[2].Content != "second" {
		t.Errorf("later directive not stripped: %q", out[2].Content)
	}
}
