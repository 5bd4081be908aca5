package router

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Message is one chat turn in the provider-agnostic envelope.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Tool is a function definition offered to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is a chat request after ingress parsing. Provider adapters
// translate it into provider-specific calls.
type Request struct {
	ID       string    `json:"id,omitempty"`
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
	Stream   bool      `json:"stream,omitempty"`

	Mode OptimizationMode `json:"optimization_mode,omitempty"`

	// Parameters are forwarded to the provider untouched (temperature etc).
	Parameters map[string]any `json:"parameters,omitempty"`
}

// OptimizationMode biases the selector between cost and capability.
type OptimizationMode string

const (
	ModeCheap    OptimizationMode = "cheap"
	ModeBalanced OptimizationMode = "balanced"
	ModePowerful OptimizationMode = "powerful"
)

// ParseMode maps a caller-supplied mode string. Unknown values report false.
func ParseMode(s string) (OptimizationMode, bool) {
	switch OptimizationMode(s) {
	case ModeCheap, ModeBalanced, ModePowerful:
		return OptimizationMode(s), true
	case "":
		return ModeBalanced, true
	}
	return "", false
}

type Capabilities struct {
	Tools     bool `json:"tools" yaml:"tools"`
	Vision    bool `json:"vision" yaml:"vision"`
	Reasoning bool `json:"reasoning" yaml:"reasoning"`
}

// ModelEntry is one row of the model catalog. Entries are immutable once
// published in a catalog snapshot.
type ModelEntry struct {
	Provider           string       `json:"provider" yaml:"provider"`
	Model              string       `json:"model" yaml:"model"`
	ContextWindow      int          `json:"context_window" yaml:"context_window"`
	MaxOutputTokens    int          `json:"max_output_tokens,omitempty" yaml:"max_output_tokens"`
	InputPricePerMTok  float64      `json:"input_price_per_mtok" yaml:"input_price_per_mtok"`
	OutputPricePerMTok float64      `json:"output_price_per_mtok" yaml:"output_price_per_mtok"`
	Capabilities       Capabilities `json:"capabilities" yaml:"capabilities"`
	FreeTier           bool         `json:"free_tier" yaml:"free_tier"`

	// Weight is relative capability on a 1-10 scale. Zero means derive it
	// from context window and price.
	Weight int `json:"weight,omitempty" yaml:"weight"`
}

// BlendedPricePerMTok weights output price twice as heavily as input.
func (m ModelEntry) BlendedPricePerMTok() float64 {
	return (m.InputPricePerMTok + 2*m.OutputPricePerMTok) / 3
}

// CredentialSource records where a credential came from.
type CredentialSource string

const (
	SourceUser        CredentialSource = "user"
	SourceEnvironment CredentialSource = "environment"
)

// CredentialEntry is one API key usable against one provider type.
type CredentialEntry struct {
	ID             string           `json:"id"`
	Source         CredentialSource `json:"source"`
	ProviderType   string           `json:"provider_type"`
	APIKey         string           `json:"-"`
	Endpoint       string           `json:"endpoint"`
	FreeTier       bool             `json:"free_tier"`
	PriorityWeight int              `json:"priority_weight"`
	Label          string           `json:"label,omitempty"`
}

// CandidateKey identifies a candidate for rate-limit state, metrics and
// round-robin buckets.
type CandidateKey string

// Candidate is an atomic (credential, model) pair. Its parts can only be read,
// never replaced, so provider, model, key and endpoint always travel together.
type Candidate struct {
	cred  CredentialEntry
	model ModelEntry
}

// NewCandidate binds a credential to a model of the same provider type.
func NewCandidate(cred CredentialEntry, model ModelEntry) (Candidate, error) {
	if cred.ProviderType != model.Provider {
		return Candidate{}, &ModelUnavailableError{
			Provider: cred.ProviderType,
			Model:    model.Model,
			Reason:   fmt.Sprintf("model belongs to provider %q", model.Provider),
		}
	}
	return Candidate{cred: cred, model: model}, nil
}

func (c Candidate) Credential() CredentialEntry { return c.cred }
func (c Candidate) Model() ModelEntry           { return c.model }
func (c Candidate) Provider() string            { return c.model.Provider }
func (c Candidate) ModelName() string           { return c.model.Model }
func (c Candidate) Endpoint() string            { return c.cred.Endpoint }
func (c Candidate) APIKey() string              { return c.cred.APIKey }

// FreeTier reports whether usage costs the caller nothing: either the key is
// a free-tier key or the model itself is free.
func (c Candidate) FreeTier() bool { return c.cred.FreeTier || c.model.FreeTier }

// IsZero reports whether c was never constructed.
func (c Candidate) IsZero() bool { return c.model.Provider == "" && c.cred.ID == "" }

// Key is provider/model@credentialID.
func (c Candidate) Key() CandidateKey {
	return CandidateKey(c.model.Provider + "/" + c.model.Model + "@" + c.cred.ID)
}

func (c Candidate) String() string { return string(c.Key()) }

type candidateJSON struct {
	Key        CandidateKey     `json:"key"`
	Provider   string           `json:"provider"`
	Model      string           `json:"model"`
	Credential string           `json:"credential_id"`
	Source     CredentialSource `json:"source"`
	FreeTier   bool             `json:"free_tier"`
}

// MarshalJSON renders the candidate without its secret.
func (c Candidate) MarshalJSON() ([]byte, error) {
	return json.Marshal(candidateJSON{
		Key:        c.Key(),
		Provider:   c.model.Provider,
		Model:      c.model.Model,
		Credential: c.cred.ID,
		Source:     c.cred.Source,
		FreeTier:   c.FreeTier(),
	})
}

// RequestType is the coarse classification produced by the analyzer.
type RequestType string

const (
	TypeSimple    RequestType = "simple"
	TypeComplex   RequestType = "complex"
	TypeReasoning RequestType = "reasoning"
	TypeCreative  RequestType = "creative"
	TypeToolHeavy RequestType = "tool_heavy"
)

// RequestProfile summarizes a request for budgeting and selection.
type RequestProfile struct {
	Type                 RequestType `json:"type"`
	ComplexityScore      float64     `json:"complexity_score"`
	EstimatedInputTokens int         `json:"estimated_input_tokens"`
	RequiresLargeContext bool        `json:"requires_large_context"`
	ConversationDepth    int         `json:"conversation_depth"`
	HasTools             bool        `json:"has_tools"`
	ToolCount            int         `json:"tool_count,omitempty"`
}

// Budget is the output allowance granted to one candidate.
type Budget struct {
	MaxOutputTokens        int `json:"max_output_tokens"`
	AuxiliaryContentBudget int `json:"auxiliary_content_budget"`
}

// ScoredCandidate is one link in the fallback chain.
type ScoredCandidate struct {
	Candidate Candidate `json:"candidate"`
	Score     float64   `json:"score"`
	Budget    Budget    `json:"budget"`
}

// SelectionResult is the ranked fallback chain for one request.
type SelectionResult struct {
	Mode    OptimizationMode  `json:"mode"`
	Profile RequestProfile    `json:"profile"`
	Ranked  []ScoredCandidate `json:"ranked"`

	// Considered is how many candidates entered selection.
	Considered int `json:"considered"`
}

func (s SelectionResult) Empty() bool { return len(s.Ranked) == 0 }

// Outcome is the result class of one dispatch attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable_error"
	OutcomeFatal     Outcome = "fatal_error"
)

// Usage is token accounting reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// DispatchAttempt records one call to one candidate.
type DispatchAttempt struct {
	ID              string    `json:"id"`
	RequestID       string    `json:"request_id"`
	Candidate       Candidate `json:"candidate"`
	Try             int       `json:"try"`
	StartedAt       time.Time `json:"started_at"`
	Outcome         Outcome   `json:"outcome"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	LatencyMs       int64     `json:"latency_ms"`
	Usage           *Usage    `json:"usage,omitempty"`
	MaxOutputTokens int       `json:"max_output_tokens"`
}

// RateLimitSnapshot is the normalized view of a provider's rate-limit
// headers. Nil fields were absent and must not change tracked state.
type RateLimitSnapshot struct {
	RemainingRequests *int64
	RemainingTokens   *int64
	RequestsResetAt   *time.Time
	TokensResetAt     *time.Time
}

// IsEmpty reports whether no field was present.
func (s RateLimitSnapshot) IsEmpty() bool {
	return s.RemainingRequests == nil && s.RemainingTokens == nil &&
		s.RequestsResetAt == nil && s.TokensResetAt == nil
}

// Call is the unit handed to the transport: a candidate and what to send it.
type Call struct {
	Candidate       Candidate
	MaxOutputTokens int
	Request         Request
}

// Response is what a transport returns for a successful call. Exactly one
// of Body and Stream is set.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage
	Stream     io.ReadCloser
	Usage      *Usage
	RateLimits RateLimitSnapshot
}
