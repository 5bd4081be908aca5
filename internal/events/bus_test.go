package events

import (
	"context"
	"testing"
	"time"

	"github.com/jordanhubbard/llmproxy/internal/router"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(10)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: EventCircuitChange, Candidate: "groq/llama@abc", OldState: "closed", NewState: "open"})

	select {
	case e := <-sub.C:
		if e.Type != EventCircuitChange || e.NewState != "open" {
			t.Errorf("unexpected event %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: EventAttempt, Model: "first"})
	bus.Publish(Event{Type: EventAttempt, Model: "second"})

	if e := <-sub.C; e.Model != "first" {
		t.Errorf("expected first event, got %s", e.Model)
	}
	select {
	case <-sub.C:
		t.Error("expected the second event to be dropped")
	default:
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	if bus.SubscriberCount() != 0 {
		t.Fatalf("subscribers = %d", bus.SubscriberCount())
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("done should be closed")
	}
	bus.Publish(Event{Type: EventAttempt})
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: EventAttempt})
}

func TestRecordAttempt(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	c, err := router.NewCandidate(
		router.CredentialEntry{ID: "abc", ProviderType: "groq"},
		router.ModelEntry{Provider: "groq", Model: "llama"},
	)
	if err != nil {
		t.Fatal(err)
	}
	bus.RecordAttempt(context.Background(), router.DispatchAttempt{
		RequestID: "r1",
		Candidate: c,
		Try:       2,
		StartedAt: time.Now(),
		Outcome:   router.OutcomeRetryable,
		ErrorKind: router.KindNetwork,
		LatencyMs: 12,
	})

	e := <-sub.C
	if e.Type != EventAttempt || e.Candidate != "groq/llama@abc" || e.Try != 2 || e.ErrorKind != "network" {
		t.Fatalf("unexpected event %+v", e)
	}
}
