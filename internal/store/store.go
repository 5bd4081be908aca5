package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for llmproxy.
type Store interface {
	// Model catalog
	ListModels(ctx context.Context) ([]ModelRecord, error)
	GetModel(ctx context.Context, provider, model string) (*ModelRecord, error)
	UpsertModel(ctx context.Context, m ModelRecord) error
	DeleteModel(ctx context.Context, provider, model string) error

	// Dispatch attempt log
	LogAttempts(ctx context.Context, batch []AttemptRecord) error
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]AttemptRecord, error)
	PruneAttempts(ctx context.Context, before time.Time) (int64, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ModelRecord is the persisted form of a catalog entry.
type ModelRecord struct {
	Provider           string  `json:"provider"`
	Model              string  `json:"model"`
	ContextWindow      int     `json:"context_window"`
	MaxOutputTokens    int     `json:"max_output_tokens"`
	InputPricePerMTok  float64 `json:"input_price_per_mtok"`
	OutputPricePerMTok float64 `json:"output_price_per_mtok"`
	Tools              bool    `json:"tools"`
	Vision             bool    `json:"vision"`
	Reasoning          bool    `json:"reasoning"`
	FreeTier           bool    `json:"free_tier"`
	Weight             int     `json:"weight"`
	Enabled            bool    `json:"enabled"`
}

// AttemptRecord is one dispatch attempt as written to the log. It carries
// the candidate key, never the credential secret.
type AttemptRecord struct {
	ID              string    `json:"id"`
	RequestID       string    `json:"request_id"`
	CandidateKey    string    `json:"candidate"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	CredentialID    string    `json:"credential_id"`
	Try             int       `json:"try"`
	StartedAt       time.Time `json:"started_at"`
	Outcome         string    `json:"outcome"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	LatencyMs       int64     `json:"latency_ms"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	MaxOutputTokens int       `json:"max_output_tokens"`
}

// AttemptFilter narrows ListAttempts. Zero fields match everything.
type AttemptFilter struct {
	RequestID string
	Provider  string
	Outcome   string
	Limit     int
	Offset    int
}
