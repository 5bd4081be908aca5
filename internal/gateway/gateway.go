// Package gateway turns an inbound chat request into a dispatched call:
// directives, analysis, candidate pool, selection, then the executor.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jordanhubbard/llmproxy/internal/auth"
	"github.com/jordanhubbard/llmproxy/internal/catalog"
	"github.com/jordanhubbard/llmproxy/internal/credentials"
	"github.com/jordanhubbard/llmproxy/internal/events"
	"github.com/jordanhubbard/llmproxy/internal/metrics"
	"github.com/jordanhubbard/llmproxy/internal/providers"
	"github.com/jordanhubbard/llmproxy/internal/router"
)

// ErrBadRequest marks caller mistakes that are reported as 400.
var ErrBadRequest = errors.New("bad request")

type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string        { return e.Msg }
func (e *BadRequestError) Is(target error) bool { return target == ErrBadRequest }

func badRequest(format string, args ...any) error {
	return &BadRequestError{Msg: fmt.Sprintf(format, args...)}
}

// ChatRequest is the body of a chat completion call.
type ChatRequest struct {
	router.Request
	Credentials []credentials.UserCredential `json:"credentials,omitempty"`
}

// Snapshotter hands out the current catalog snapshot.
type Snapshotter interface {
	Snapshot() *catalog.Snapshot
}

// Flusher persists the attempts buffered for one request.
type Flusher interface {
	Flush(ctx context.Context, requestID string) error
}

// Deps are the collaborators of a Gateway. Sink, Metrics and Bus are
// optional.
type Deps struct {
	Catalog     Snapshotter
	Environment []router.CredentialEntry
	Analyzer    *router.Analyzer
	Selector    *router.Selector
	Executor    *router.Executor
	Sink        Flusher
	Metrics     *metrics.Registry
	Bus         *events.Bus
	Logger      *slog.Logger
}

type Gateway struct {
	catalog  Snapshotter
	env      atomic.Pointer[[]router.CredentialEntry]
	analyzer *router.Analyzer
	selector *router.Selector
	executor *router.Executor
	sink     Flusher
	metrics  *metrics.Registry
	bus      *events.Bus
	logger   *slog.Logger
}

func New(d Deps) *Gateway {
	g := &Gateway{
		catalog:  d.Catalog,
		analyzer: d.Analyzer,
		selector: d.Selector,
		executor: d.Executor,
		sink:     d.Sink,
		metrics:  d.Metrics,
		bus:      d.Bus,
		logger:   d.Logger,
	}
	if g.analyzer == nil {
		g.analyzer = router.NewAnalyzer(router.AnalyzerConfig{})
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.SetEnvironment(d.Environment)
	return g
}

// SetEnvironment swaps the operator credentials, e.g. after a reload.
func (g *Gateway) SetEnvironment(env []router.CredentialEntry) {
	cp := append([]router.CredentialEntry(nil), env...)
	g.env.Store(&cp)
}

// Environment lists operator credentials without their secrets.
func (g *Gateway) Environment() []router.CredentialEntry {
	return credentials.NewPool(nil, *g.env.Load()).Environment()
}

// Plan is everything decided before dispatch.
type Plan struct {
	RequestID  string                  `json:"request_id"`
	Mode       router.OptimizationMode `json:"mode"`
	Directives router.Directives       `json:"directives"`
	Profile    router.RequestProfile   `json:"profile"`
	Selection  router.SelectionResult  `json:"selection"`
	// CatalogVersion identifies the snapshot the chain was built from.
	CatalogVersion uint64 `json:"catalog_version"`

	request router.Request
}

// Plan runs directives, analysis and selection without dispatching.
func (g *Gateway) Plan(ctx context.Context, req ChatRequest, id auth.Identity) (*Plan, error) {
	if len(req.Messages) == 0 {
		return nil, badRequest("messages must not be empty")
	}
	user, err := credentials.FromUser(req.Credentials)
	if err != nil {
		return nil, badRequest("%s", err.Error())
	}

	directives, messages := router.ExtractDirectives(req.Messages)
	mode, ok := router.ParseMode(string(req.Mode))
	if !ok {
		return nil, badRequest("unknown optimization_mode %q", req.Mode)
	}
	if directives.Mode != "" {
		mode = directives.Mode
	}

	cleaned := req.Request
	cleaned.Messages = messages
	cleaned.Mode = mode
	if cleaned.ID == "" {
		cleaned.ID = uuid.NewString()
	}

	profile := g.analyzer.Analyze(messages, req.Tools)
	snap := g.catalog.Snapshot()
	pool := credentials.NewPool(snap, *g.env.Load())
	sel := g.selector.Select(ctx, profile, pool.Build(user, id.Authorized), mode)
	if directives.MaxTokens > 0 {
		for i := range sel.Ranked {
			b := &sel.Ranked[i].Budget
			b.MaxOutputTokens = min(b.MaxOutputTokens, directives.MaxTokens)
		}
	}

	return &Plan{
		RequestID:      cleaned.ID,
		Mode:           mode,
		Directives:     directives,
		Profile:        profile,
		Selection:      sel,
		CatalogVersion: snap.Version(),
		request:        cleaned,
	}, nil
}

// Chat plans req and dispatches it down the fallback chain. The returned
// plan is set whenever planning succeeded, even if dispatch failed.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest, id auth.Identity) (*Plan, *router.Result, error) {
	plan, err := g.Plan(ctx, req, id)
	if err != nil {
		return nil, nil, err
	}
	ctx = providers.WithRequestID(ctx, plan.RequestID)

	if plan.Selection.Empty() {
		g.bus.Publish(events.Event{
			Type:      events.EventNoCandidate,
			RequestID: plan.RequestID,
			Error:     fmt.Sprintf("%d candidates considered", plan.Selection.Considered),
		})
	}

	res, err := g.executor.Dispatch(ctx, plan.request, plan.Selection)
	if g.sink != nil {
		if ferr := g.sink.Flush(ctx, plan.RequestID); ferr != nil {
			g.logger.Warn("attempt log flush failed",
				slog.String("request_id", plan.RequestID),
				slog.String("error", ferr.Error()))
		}
	}
	if g.metrics != nil {
		g.metrics.ObserveRequest(plan.Mode, ResultLabel(err), len(plan.Selection.Ranked))
	}
	if err != nil {
		g.logger.Info("request failed",
			slog.String("request_id", plan.RequestID),
			slog.String("caller", id.Name),
			slog.String("result", ResultLabel(err)),
			slog.String("error", err.Error()))
		return plan, nil, err
	}
	return plan, res, nil
}

// ResultLabel names the terminal result of a request for metrics and logs.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, router.ErrNoCandidateAvailable):
		return "no_candidate"
	case errors.Is(err, router.ErrQuotaExhausted):
		return "quota_exhausted"
	case errors.Is(err, router.ErrDispatchTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	}
	return "error"
}
