package temporal

import (
	"time"

	"github.com/jordanhubbard/llmproxy/internal/router"
	"github.com/jordanhubbard/llmproxy/internal/store"
)

// AttemptBatch is every dispatch attempt made for one request.
type AttemptBatch struct {
	RequestID string                `json:"request_id"`
	Attempts  []store.AttemptRecord `json:"attempts"`
}

// RetentionInput is the input for AttemptRetentionWorkflow.
type RetentionInput struct {
	// Retention is how long attempt records are kept.
	Retention time.Duration `json:"retention"`
}

// RecordOf converts a dispatch attempt to its persisted form.
func RecordOf(a router.DispatchAttempt) store.AttemptRecord {
	c := a.Candidate
	r := store.AttemptRecord{
		ID:              a.ID,
		RequestID:       a.RequestID,
		CandidateKey:    string(c.Key()),
		Provider:        c.Provider(),
		Model:           c.ModelName(),
		CredentialID:    c.Credential().ID,
		Try:             a.Try,
		StartedAt:       a.StartedAt.UTC(),
		Outcome:         string(a.Outcome),
		ErrorKind:       string(a.ErrorKind),
		LatencyMs:       a.LatencyMs,
		MaxOutputTokens: a.MaxOutputTokens,
	}
	if a.Usage != nil {
		r.InputTokens = a.Usage.InputTokens
		r.OutputTokens = a.Usage.OutputTokens
	}
	return r
}
