package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	activityTimeout   = 30 * time.Second
	persistAttempts   = 10
	minRetention      = time.Hour
	RetentionSchedule = "@hourly"
)

// AttemptLogWorkflow persists the attempt log of one request. The store
// write is retried with backoff so a briefly unavailable database does not
// lose records.
func AttemptLogWorkflow(ctx workflow.Context, batch AttemptBatch) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    persistAttempts,
		},
	})
	return workflow.ExecuteActivity(ctx, (*Activities).PersistAttempts, batch).Get(ctx, nil)
}

// AttemptRetentionWorkflow removes attempt records older than the retention
// window. It is started with a cron schedule.
func AttemptRetentionWorkflow(ctx workflow.Context, in RetentionInput) (int64, error) {
	if in.Retention < minRetention {
		in.Retention = minRetention
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	var removed int64
	err := workflow.ExecuteActivity(ctx, (*Activities).PruneAttempts, in).Get(ctx, &removed)
	if err != nil {
		return 0, err
	}
	workflow.GetLogger(ctx).Info("attempt log pruned", "removed", removed)
	return removed, nil
}
