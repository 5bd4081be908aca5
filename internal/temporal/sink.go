package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/jordanhubbard/llmproxy/internal/circuitbreaker"
	"github.com/jordanhubbard/llmproxy/internal/router"
	"github.com/jordanhubbard/llmproxy/internal/store"
)

// WorkflowStarter is the part of client.Client the sink needs.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

const (
	startTimeout      = 5 * time.Second
	maxBufferedPerReq = 256
)

// Sink collects the attempts of each request and persists them as one batch
// when the request finishes. With a Temporal client the batch goes through
// AttemptLogWorkflow; when Temporal is absent, failing, or its breaker is
// open, the batch is written to the store directly.
type Sink struct {
	store     store.Store
	starter   WorkflowStarter
	taskQueue string
	breaker   *circuitbreaker.Breaker
	onDirect  func()
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string][]store.AttemptRecord
}

var _ router.AttemptRecorder = (*Sink)(nil)

type SinkOption func(*Sink)

// WithWorkflows routes batches through Temporal on taskQueue.
func WithWorkflows(s WorkflowStarter, taskQueue string) SinkOption {
	return func(k *Sink) {
		k.starter = s
		k.taskQueue = taskQueue
	}
}

// WithBreaker guards workflow starts. Without one a default breaker is used.
func WithBreaker(b *circuitbreaker.Breaker) SinkOption {
	return func(k *Sink) {
		if b != nil {
			k.breaker = b
		}
	}
}

// WithOnDirect is called each time a batch bypasses Temporal although a
// client is configured.
func WithOnDirect(fn func()) SinkOption {
	return func(k *Sink) { k.onDirect = fn }
}

func WithSinkLogger(l *slog.Logger) SinkOption {
	return func(k *Sink) {
		if l != nil {
			k.logger = l
		}
	}
}

func NewSink(st store.Store, opts ...SinkOption) *Sink {
	k := &Sink{
		store:   st,
		breaker: circuitbreaker.New(),
		logger:  slog.Default(),
		pending: make(map[string][]store.AttemptRecord),
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// RecordAttempt buffers a until the request is flushed.
func (k *Sink) RecordAttempt(_ context.Context, a router.DispatchAttempt) {
	k.mu.Lock()
	defer k.mu.Unlock()
	buf := k.pending[a.RequestID]
	if len(buf) >= maxBufferedPerReq {
		return
	}
	k.pending[a.RequestID] = append(buf, RecordOf(a))
}

// Flush persists and forgets everything buffered for requestID.
func (k *Sink) Flush(ctx context.Context, requestID string) error {
	k.mu.Lock()
	records := k.pending[requestID]
	delete(k.pending, requestID)
	k.mu.Unlock()
	if len(records) == 0 {
		return nil
	}
	return k.Persist(ctx, AttemptBatch{RequestID: requestID, Attempts: records})
}

// Pending reports how many requests have unflushed attempts.
func (k *Sink) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.pending)
}

// Persist writes batch through Temporal if possible, else directly.
func (k *Sink) Persist(ctx context.Context, batch AttemptBatch) error {
	ctx = context.WithoutCancel(ctx)
	if k.starter != nil {
		if k.breaker.Allow() {
			err := k.startWorkflow(ctx, batch)
			if err == nil {
				k.breaker.RecordSuccess()
				return nil
			}
			k.breaker.RecordFailure()
			k.logger.Warn("attempt log workflow start failed, writing directly",
				slog.String("request_id", batch.RequestID),
				slog.String("error", err.Error()))
		}
		if k.onDirect != nil {
			k.onDirect()
		}
	}
	if k.store == nil {
		return nil
	}
	if err := k.store.LogAttempts(ctx, batch.Attempts); err != nil {
		return fmt.Errorf("log attempts for %s: %w", batch.RequestID, err)
	}
	return nil
}

func (k *Sink) startWorkflow(ctx context.Context, batch AttemptBatch) error {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	_, err := k.starter.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "attempt-log-" + batch.RequestID,
		TaskQueue: k.taskQueue,
	}, AttemptLogWorkflow, batch)
	return err
}
