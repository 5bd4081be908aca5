package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/jordanhubbard/llmproxy/internal/store"
)

// actsRef is a nil *Activities pointer used to create bound method references
// for Temporal mock registration. The SDK only uses reflection to extract the
// method name.
var actsRef *Activities

func sampleBatch() AttemptBatch {
	return AttemptBatch{
		RequestID: "req-001",
		Attempts: []store.AttemptRecord{
			{ID: "a1", RequestID: "req-001", CandidateKey: "groq/llama@cred-1", Provider: "groq", Model: "llama", Try: 1, Outcome: "retryable_error", ErrorKind: "network"},
			{ID: "a2", RequestID: "req-001", CandidateKey: "groq/llama@cred-1", Provider: "groq", Model: "llama", Try: 2, Outcome: "success"},
		},
	}
}

func TestAttemptLogWorkflow_Success(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.PersistAttempts, mock.Anything, mock.MatchedBy(func(b AttemptBatch) bool {
		return b.RequestID == "req-001" && len(b.Attempts) == 2
	})).Return(nil).Once()

	env.ExecuteWorkflow(AttemptLogWorkflow, sampleBatch())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestAttemptLogWorkflow_RetriesStoreFailure(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.PersistAttempts, mock.Anything, mock.Anything).
		Return(errors.New("database is locked")).Twice()
	env.OnActivity(actsRef.PersistAttempts, mock.Anything, mock.Anything).
		Return(nil).Once()

	env.ExecuteWorkflow(AttemptLogWorkflow, sampleBatch())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestAttemptLogWorkflow_GivesUp(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.PersistAttempts, mock.Anything, mock.Anything).
		Return(errors.New("disk full"))

	env.ExecuteWorkflow(AttemptLogWorkflow, sampleBatch())

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}

func TestAttemptRetentionWorkflow(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.PruneAttempts, mock.Anything, mock.MatchedBy(func(in RetentionInput) bool {
		return in.Retention == minRetention
	})).Return(int64(7), nil).Once()

	// Too-short retention is raised to the minimum.
	env.ExecuteWorkflow(AttemptRetentionWorkflow, RetentionInput{Retention: time.Minute})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var removed int64
	require.NoError(t, env.GetWorkflowResult(&removed))
	require.Equal(t, int64(7), removed)
	env.AssertExpectations(t)
}
