package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Config holds Temporal connection settings.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Manager owns the Temporal client and worker lifecycle.
type Manager struct {
	client client.Client
	worker worker.Worker
	cfg    Config
}

const retentionWorkflowID = "llmproxy-attempt-retention"

// New creates a Temporal client and worker, registering the attempt log
// workflows and their activities.
func New(cfg Config, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(AttemptLogWorkflow)
	w.RegisterWorkflow(AttemptRetentionWorkflow)
	w.RegisterActivity(acts.PersistAttempts)
	w.RegisterActivity(acts.PruneAttempts)

	return &Manager{
		client: c,
		worker: w,
		cfg:    cfg,
	}, nil
}

// Start begins the worker polling for tasks.
func (m *Manager) Start() error {
	return m.worker.Start()
}

func (m *Manager) Client() client.Client {
	return m.client
}

func (m *Manager) TaskQueue() string {
	return m.cfg.TaskQueue
}

// ScheduleRetention starts the cron workflow that prunes the attempt log.
// An already running schedule is left alone.
func (m *Manager) ScheduleRetention(ctx context.Context, in RetentionInput) error {
	_, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:           retentionWorkflowID,
		TaskQueue:    m.cfg.TaskQueue,
		CronSchedule: RetentionSchedule,
	}, AttemptRetentionWorkflow, in)
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return nil
	}
	return err
}

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}
