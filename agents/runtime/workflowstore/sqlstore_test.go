package workflowstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreagent/platform/agents/runtime/workflowstore"
)

func newTestStore(t *testing.T) workflowstore.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "workflows.db")
	store, err := workflowstore.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGetWorkflow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	w := workflowstore.Workflow{
		ID: "wf-1", User: "u1", Session: "s1", Pattern: "direct_tool",
		Status: workflowstore.StatusPending, Input: []byte(`{"q":"hi"}`),
	}
	require.NoError(t, store.CreateWorkflow(ctx, w))

	got, ok, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", got.User)
	require.Equal(t, workflowstore.StatusPending, got.Status)
	require.Nil(t, got.CompletedAt)
}

func TestUpdateStatusStampsCompletedAtOnlyOnTerminal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateWorkflow(ctx, workflowstore.Workflow{
		ID: "wf-2", User: "u", Session: "s", Pattern: "llm", Status: workflowstore.StatusPending,
	}))

	require.NoError(t, store.UpdateStatus(ctx, "wf-2", workflowstore.StatusRunning))
	got, _, err := store.GetWorkflow(ctx, "wf-2")
	require.NoError(t, err)
	require.Nil(t, got.CompletedAt)

	require.NoError(t, store.UpdateStatus(ctx, "wf-2", workflowstore.StatusCompleted))
	got, _, err = store.GetWorkflow(ctx, "wf-2")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
}

func TestListByStatusAndSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateWorkflow(ctx, workflowstore.Workflow{
		ID: "wf-3", User: "u", Session: "session-a", Pattern: "tool_sequence", Status: workflowstore.StatusRunning,
	}))
	require.NoError(t, store.CreateWorkflow(ctx, workflowstore.Workflow{
		ID: "wf-4", User: "u", Session: "session-b", Pattern: "tool_sequence", Status: workflowstore.StatusRunning,
	}))

	running, err := store.ListByStatus(ctx, workflowstore.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 2)

	bySession, err := store.ListBySession(ctx, "session-a")
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	require.Equal(t, "wf-3", bySession[0].ID)
}

func TestCheckpointRoundTripAndChecksum(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateWorkflow(ctx, workflowstore.Workflow{
		ID: "wf-5", User: "u", Session: "s", Pattern: "research", Status: workflowstore.StatusRunning,
	}))

	require.NoError(t, store.SaveCheckpoint(ctx, "wf-5", 3, []byte("snapshot-v1")))
	cp, ok, err := store.LoadCheckpoint(ctx, "wf-5")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "snapshot-v1", string(cp.State))
	require.Equal(t, int64(3), cp.Sequence)

	// overwriting the same (workflow_id, sequence) upserts rather than
	// duplicating.
	require.NoError(t, store.SaveCheckpoint(ctx, "wf-5", 3, []byte("snapshot-v2")))
	cp, ok, err = store.LoadCheckpoint(ctx, "wf-5")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "snapshot-v2", string(cp.State))
}

func TestPruneCheckpointsKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateWorkflow(ctx, workflowstore.Workflow{
		ID: "wf-6", User: "u", Session: "s", Pattern: "research", Status: workflowstore.StatusRunning,
	}))

	for seq := int64(0); seq < 5; seq++ {
		require.NoError(t, store.SaveCheckpoint(ctx, "wf-6", seq, []byte("state")))
	}

	removed, err := store.PruneCheckpoints(ctx, "wf-6", 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)

	cp, ok, err := store.LoadCheckpoint(ctx, "wf-6")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(4), cp.Sequence)
}

func TestDeleteWorkflowRemovesCheckpointsToo(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateWorkflow(ctx, workflowstore.Workflow{
		ID: "wf-7", User: "u", Session: "s", Pattern: "llm", Status: workflowstore.StatusRunning,
	}))
	require.NoError(t, store.SaveCheckpoint(ctx, "wf-7", 0, []byte("state")))

	require.NoError(t, store.DeleteWorkflow(ctx, "wf-7"))

	_, ok, err := store.GetWorkflow(ctx, "wf-7")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = store.LoadCheckpoint(ctx, "wf-7")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteUnknownWorkflowFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	err := store.DeleteWorkflow(ctx, "does-not-exist")
	require.Error(t, err)
}
