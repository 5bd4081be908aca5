package temporal

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/jordanhubbard/llmproxy/internal/store"
)

// Activities holds dependencies for Temporal activity implementations.
type Activities struct {
	Store store.Store

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

func NewActivities(st store.Store) *Activities {
	return &Activities{Store: st, nowFunc: time.Now}
}

// PersistAttempts writes one request's attempts. Rows are keyed by attempt
// ID, so a retried activity does not duplicate them.
func (a *Activities) PersistAttempts(ctx context.Context, batch AttemptBatch) error {
	if len(batch.Attempts) == 0 {
		return nil
	}
	if err := a.Store.LogAttempts(ctx, batch.Attempts); err != nil {
		return fmt.Errorf("persist attempts for %s: %w", batch.RequestID, err)
	}
	activity.GetLogger(ctx).Debug("attempts persisted",
		"request_id", batch.RequestID, "count", len(batch.Attempts))
	return nil
}

// PruneAttempts deletes attempt records older than the retention window and
// returns how many were removed.
func (a *Activities) PruneAttempts(ctx context.Context, in RetentionInput) (int64, error) {
	now := time.Now
	if a.nowFunc != nil {
		now = a.nowFunc
	}
	n, err := a.Store.PruneAttempts(ctx, now().Add(-in.Retention))
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return n, nil
}
