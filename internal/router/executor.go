package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
)

// Transport sends one call to the candidate it names. Errors must already be
// classified into this package's taxonomy.
type Transport interface {
	Send(ctx context.Context, call Call) (*Response, error)
}

// Feedback is the write side of rate-limit tracking. Defined here to avoid an
// import cycle with the ratelimit package.
type Feedback interface {
	IngestHeaders(ctx context.Context, c Candidate, snap RateLimitSnapshot) error
	IngestRateLimitError(ctx context.Context, c Candidate, retryAfter time.Duration) error
	IngestFailure(ctx context.Context, c Candidate, kind ErrorKind) error
	IngestSuccess(ctx context.Context, c Candidate) error
}

// AttemptRecorder receives every attempt as it completes.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a DispatchAttempt)
}

// Recorders fans an attempt out to several recorders.
type Recorders []AttemptRecorder

func (rs Recorders) RecordAttempt(ctx context.Context, a DispatchAttempt) {
	for _, r := range rs {
		if r != nil {
			r.RecordAttempt(ctx, a)
		}
	}
}

type ExecutorConfig struct {
	// MaxRetries is how many times a network or server failure is retried
	// on the same candidate before moving on.
	MaxRetries        int           `yaml:"max_retries"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	// RequestTimeout is the whole-request time budget.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// DeadlineMargin is kept free before a caller-imposed deadline.
	DeadlineMargin time.Duration `yaml:"deadline_margin"`
	// CancelGrace bounds how long a canceled attempt may take to unwind.
	CancelGrace time.Duration `yaml:"cancel_grace"`
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries:        3,
		BaseBackoff:       500 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        8 * time.Second,
		RequestTimeout:    55 * time.Second,
		DeadlineMargin:    2 * time.Second,
		CancelGrace:       2 * time.Second,
	}
}

// Executor walks a fallback chain until one candidate succeeds.
type Executor struct {
	cfg       ExecutorConfig
	transport Transport
	feedback  Feedback
	recorder  AttemptRecorder
	logger    *slog.Logger

	sleep   func(ctx context.Context, d time.Duration) error
	nowFunc func() time.Time
}

type ExecutorOption func(*Executor)

func WithRecorder(r AttemptRecorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.nowFunc = now
		}
	}
}

func NewExecutor(cfg ExecutorConfig, transport Transport, feedback Feedback, opts ...ExecutorOption) *Executor {
	def := DefaultExecutorConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.DeadlineMargin < 0 {
		cfg.DeadlineMargin = 0
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	e := &Executor{
		cfg:       cfg,
		transport: transport,
		feedback:  feedback,
		logger:    slog.Default(),
		sleep:     sleepCtx,
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Result is a successful dispatch.
type Result struct {
	Candidate Candidate
	Budget    Budget
	Response  *Response
	Attempts  []DispatchAttempt
}

// step is what the loop does after an attempt.
type step int

const (
	stepDone step = iota
	stepRetry
	stepAdvance
	stepStop
)

// decide is the pure transition of the dispatch loop: given the classified
// failure and how many tries the candidate has had, what happens next.
func decide(kind ErrorKind, tries, maxRetries int) (Outcome, step) {
	switch kind {
	case "":
		return OutcomeSuccess, stepDone
	case KindNetwork, KindServer:
		if tries <= maxRetries {
			return OutcomeRetryable, stepRetry
		}
		return OutcomeRetryable, stepAdvance
	case KindRateLimit:
		return OutcomeRetryable, stepAdvance
	case KindCanceled, KindTimeout:
		return OutcomeFatal, stepStop
	default:
		// auth, not_found, invalid_request, unknown
		return OutcomeFatal, stepAdvance
	}
}

// Backoff returns the wait before retry number n (1-based).
func (e *Executor) Backoff(n int) time.Duration {
	d := float64(e.cfg.BaseBackoff) * math.Pow(e.cfg.BackoffMultiplier, float64(n-1))
	if d > float64(e.cfg.MaxBackoff) {
		return e.cfg.MaxBackoff
	}
	return time.Duration(d)
}

// Dispatch sends req down the chain in sel. It returns the first success, or
// a terminal error: NoCandidateAvailableError, QuotaExhaustedError,
// DispatchTimeoutError or the caller's cancellation.
func (e *Executor) Dispatch(ctx context.Context, req Request, sel SelectionResult) (*Result, error) {
	if sel.Empty() {
		return nil, &NoCandidateAvailableError{
			Considered:           sel.Considered,
			EstimatedInputTokens: sel.Profile.EstimatedInputTokens,
		}
	}

	// The time budget bounds the walk down the chain. A committed stream is
	// released from it and lives until EOF, Close or the caller going away.
	parent := ctx
	ctx, cancel := e.withBudget(ctx)
	defer cancel()

	var (
		attempts []DispatchAttempt
		failures []AttemptFailure
		// credentials that answered 429 during this request
		limited = make(map[string]bool)
	)
	for _, sc := range sel.Ranked {
		c := sc.Candidate
		if limited[credentialScope(c)] {
			failures = append(failures, AttemptFailure{
				Candidate: c.Key(), Provider: c.Provider(), Model: c.ModelName(),
				Kind: KindRateLimit, Skipped: true,
			})
			e.logger.Info("skipping candidate on rate limited credential",
				slog.String("request_id", req.ID),
				slog.String("candidate", c.String()),
			)
			continue
		}
		tries := 0
		for {
			tries++
			call := Call{Candidate: c, MaxOutputTokens: sc.Budget.MaxOutputTokens, Request: req}
			start := e.nowFunc()
			attemptCtx, attemptCancel := context.WithCancel(parent)
			stopBudget := context.AfterFunc(ctx, attemptCancel)
			resp, err := e.send(ctx, attemptCtx, call)
			if err == nil && resp == nil {
				err = &NetworkError{Err: errors.New("transport returned no response")}
			}
			if err == nil && resp.Stream != nil {
				resp, err = e.commitStream(ctx, parent, c, resp)
			}
			if err == nil && resp.Stream != nil && stopBudget() {
				resp.Stream.(*committedStream).release = attemptCancel
			} else {
				stopBudget()
				attemptCancel()
			}
			if err != nil {
				err = e.contextCause(ctx, err)
			}

			kind := KindOf(err)
			outcome, next := decide(kind, tries, e.cfg.MaxRetries)
			a := DispatchAttempt{
				ID:              uuid.NewString(),
				RequestID:       req.ID,
				Candidate:       c,
				Try:             tries,
				StartedAt:       start,
				Outcome:         outcome,
				ErrorKind:       kind,
				LatencyMs:       e.nowFunc().Sub(start).Milliseconds(),
				MaxOutputTokens: sc.Budget.MaxOutputTokens,
			}
			if resp != nil {
				a.Usage = resp.Usage
			}
			attempts = append(attempts, a)
			e.record(ctx, a)
			e.ingest(ctx, c, resp, err, kind)

			switch next {
			case stepDone:
				return &Result{Candidate: c, Budget: sc.Budget, Response: resp, Attempts: attempts}, nil
			case stepStop:
				failures = append(failures, failure(c, kind, tries))
				if kind == KindTimeout {
					return nil, &DispatchTimeoutError{Failures: failures}
				}
				return nil, err
			case stepRetry:
				wait := e.Backoff(tries)
				e.logger.Info("retrying candidate",
					slog.String("request_id", req.ID),
					slog.String("candidate", c.String()),
					slog.String("error_kind", string(kind)),
					slog.Int("try", tries),
					slog.Duration("backoff", wait),
				)
				if serr := e.sleep(ctx, wait); serr != nil {
					failures = append(failures, failure(c, kind, tries))
					cerr := e.contextCause(ctx, serr)
					if errors.Is(cerr, ErrDispatchTimeout) {
						return nil, &DispatchTimeoutError{Failures: failures}
					}
					return nil, cerr
				}
				continue
			}
			if kind == KindRateLimit {
				limited[credentialScope(c)] = true
			}
	// stepAdvance
			failures = append(failures, failure(c, kind, tries))
			e.logger.Warn("candidate failed, advancing",
				slog.String("request_id", req.ID),
				slog.String("candidate", c.String()),
				slog.String("error_kind", string(kind)),
				slog.Int("tries", tries),
			)
			break
		}
	}
	return nil, &QuotaExhaustedError{Failures: failures}
}

// credentialScope identifies the key a candidate spends. Candidates sharing
// it share the provider's quota, whatever their model.
func credentialScope(c Candidate) string {
	return c.Provider() + "\x00" + c.Credential().ID
}

func failure(c Candidate, kind ErrorKind, tries int) AttemptFailure {
	return AttemptFailure{Candidate: c.Key(), Provider: c.Provider(), Model: c.ModelName(), Kind: kind, Tries: tries}
}

// withBudget derives the per-request deadline: the configured timeout,
// pulled in to stay DeadlineMargin ahead of any caller deadline.
func (e *Executor) withBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline := time.Now().Add(e.cfg.RequestTimeout)
	if parent, ok := ctx.Deadline(); ok {
		if inner := parent.Add(-e.cfg.DeadlineMargin); inner.Before(deadline) {
			deadline = inner
		}
	}
	return context.WithDeadlineCause(ctx, deadline, ErrDispatchTimeout)
}

// contextCause maps a failure that happened because ctx ended to the
// terminal reason: our own time budget or the caller's cancellation.
func (e *Executor) contextCause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrDispatchTimeout) {
		return ErrDispatchTimeout
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// a deadline set by the caller that beat our margin
		return ErrDispatchTimeout
	}
	return context.Canceled
}

type sendResult struct {
	resp *Response
	err  error
}

// send runs the transport call under attemptCtx but stops waiting once ctx
// ends plus a short grace period, so a transport that ignores cancellation
// cannot hold the request hostage.
func (e *Executor) send(ctx, attemptCtx context.Context, call Call) (*Response, error) {
	ch := make(chan sendResult, 1)
	go func() {
		resp, err := e.transport.Send(attemptCtx, call)
		ch <- sendResult{resp, err}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
	}

	grace := time.NewTimer(e.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case r := <-ch:
		if r.err == nil {
			closeResponse(r.resp)
			return nil, ctx.Err()
		}
		return r.resp, r.err
	case <-grace.C:
		go func() { closeResponse((<-ch).resp) }()
		return nil, ctx.Err()
	}
}

func closeResponse(r *Response) {
	if r != nil && r.Stream != nil {
		_ = r.Stream.Close()
	}
}

// maxEmptyReads bounds how many (0, nil) reads are tolerated while waiting
// for the first bytes of a stream.
const maxEmptyReads = 100

// commitStream waits for the first bytes of a streamed response. Until then
// a failure is an ordinary attempt failure and the chain may continue; after
// it, the stream belongs to the caller.
func (e *Executor) commitStream(ctx, parent context.Context, c Candidate, resp *Response) (*Response, error) {
	buf := make([]byte, 4096)
	var (
		n   int
		err error
	)
	for empty := 0; n == 0 && err == nil; empty++ {
		if empty == maxEmptyReads {
			err = io.ErrNoProgress
			break
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		n, err = resp.Stream.Read(buf)
	}
	if n == 0 {
		_ = resp.Stream.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrNoProgress) {
			return nil, &ServerError{StatusCode: resp.StatusCode}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Err: err}
	}

	committed := *resp
	committed.Stream = &committedStream{
		first:    buf[:n],
		firstErr: err,
		body:     resp.Stream,
		onFail: func(cause error) error {
			// A caller that hung up is not the provider's fault.
			if e.feedback != nil && parent.Err() == nil {
				if ferr := e.feedback.IngestFailure(context.WithoutCancel(ctx), c, KindNetwork); ferr != nil {
					e.logger.Warn("rate limit ingest failed", slog.String("error", ferr.Error()))
				}
			}
			return &StreamInterruptedError{Candidate: c.Key(), Err: cause}
		},
	}
	return &committed, nil
}

// committedStream replays the peeked first chunk, then the rest of the body.
// A read error after commit surfaces as StreamInterruptedError.
type committedStream struct {
	first    []byte
	firstErr error
	body     io.ReadCloser
	onFail   func(error) error
	failed   bool
	// release ends the upstream request once the caller is done.
	release context.CancelFunc
}

func (s *committedStream) Read(p []byte) (int, error) {
	if len(s.first) > 0 {
		n := copy(p, s.first)
		s.first = s.first[n:]
		return n, nil
	}
	err := s.firstErr
	n := 0
	if err == nil {
		n, err = s.body.Read(p)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		if !s.failed {
			s.failed = true
			s.firstErr = s.onFail(err)
		}
		return n, s.firstErr
	}
	return n, err
}

func (s *committedStream) Close() error {
	err := s.body.Close()
	if s.release != nil {
		s.release()
	}
	return err
}

func (e *Executor) record(ctx context.Context, a DispatchAttempt) {
	if e.recorder != nil {
		e.recorder.RecordAttempt(ctx, a)
	}
}

// ingest feeds the outcome back into rate-limit state. Tracking problems are
// logged, never surfaced to the caller.
func (e *Executor) ingest(ctx context.Context, c Candidate, resp *Response, err error, kind ErrorKind) {
	if e.feedback == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var errs []error
	switch kind {
	case "":
		if !resp.RateLimits.IsEmpty() {
			errs = append(errs, e.feedback.IngestHeaders(ctx, c, resp.RateLimits))
		}
		errs = append(errs, e.feedback.IngestSuccess(ctx, c))
	case KindRateLimit:
		var rl *RateLimitError
		if errors.As(err, &rl) {
			if !rl.Limits.IsEmpty() {
				errs = append(errs, e.feedback.IngestHeaders(ctx, c, rl.Limits))
			}
			errs = append(errs, e.feedback.IngestRateLimitError(ctx, c, rl.RetryAfter))
		}
	case KindCanceled, KindTimeout:
		// not the candidate's fault
	default:
		errs = append(errs, e.feedback.IngestFailure(ctx, c, kind))
	}
	if jerr := errors.Join(errs...); jerr != nil {
		e.logger.Warn("rate limit ingest failed",
			slog.String("candidate", c.String()),
			slog.String("error", jerr.Error()),
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
