// Package events is an in-process pub/sub bus feeding the admin event stream.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jordanhubbard/llmproxy/internal/router"
)

type EventType string

const (
	EventAttempt        EventType = "attempt"
	EventCircuitChange  EventType = "circuit_change"
	EventCatalogRefresh EventType = "catalog_refresh"
	EventNoCandidate    EventType = "no_candidate"
)

// Event is one bus message. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`

	// attempt / circuit fields
	Candidate string  `json:"candidate,omitempty"`
	Provider  string  `json:"provider,omitempty"`
	Model     string  `json:"model,omitempty"`
	Outcome   string  `json:"outcome,omitempty"`
	ErrorKind string  `json:"error_kind,omitempty"`
	Try       int     `json:"try,omitempty"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	OldState  string  `json:"old_state,omitempty"`
	NewState  string  `json:"new_state,omitempty"`

	// catalog fields
	ModelCount int    `json:"model_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on C until unsubscribed.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Done is closed when the subscriber is removed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber with a buffer of bufSize events.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, ok := b.subscribers[s]
	delete(b.subscribers, s)
	b.mu.Unlock()
	if ok {
		close(s.done)
	}
}

// Publish delivers e to every subscriber without blocking. Slow subscribers
// miss events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// RecordAttempt publishes a dispatch attempt. It makes the bus usable as a
// router.AttemptRecorder.
func (b *Bus) RecordAttempt(_ context.Context, a router.DispatchAttempt) {
	b.Publish(Event{
		Type:      EventAttempt,
		Timestamp: a.StartedAt.UTC(),
		RequestID: a.RequestID,
		Candidate: string(a.Candidate.Key()),
		Provider:  a.Candidate.Provider(),
		Model:     a.Candidate.ModelName(),
		Outcome:   string(a.Outcome),
		ErrorKind: string(a.ErrorKind),
		Try:       a.Try,
		LatencyMs: float64(a.LatencyMs),
	})
}
