package logentry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/coordinator/logentry"
	"github.com/flowmesh/coordinator/replica"
)

func TestDefaultDispatcher_AppliesBuiltinKinds(t *testing.T) {
	t.Parallel()

	d := logentry.NewDefaultDispatcher()
	b := replica.NewBuilder()

	require.NoError(t, d.Apply(b, logentry.JobPlanned{JobID: "j1", InputTasks: []string{"in"}, WorkflowDepth: 3}))
	require.NoError(t, d.Apply(b, logentry.CoordinatorElected{JobID: "j1", PeerID: "p1"}))
	require.NoError(t, d.Apply(b, logentry.TaskAllocated{JobID: "j1", Task: "in", PeerID: "p1", Site: "rack-a"}))

	snap := b.Snapshot()
	jv, ok := snap.Job("j1")
	require.True(t, ok)
	require.Equal(t, "p1", jv.Coordinator)
	require.Equal(t, []string{"in"}, jv.InputTasks)
	require.Equal(t, 3, jv.WorkflowDepth)
	require.Len(t, jv.Allocations["in"], 1)
	require.Equal(t, "rack-a", jv.Allocations["in"][0].Site)

	require.NoError(t, d.Apply(b, logentry.TaskDeallocated{JobID: "j1", Task: "in", PeerID: "p1"}))
	snap = b.Snapshot()
	jv, _ = snap.Job("j1")
	require.Empty(t, jv.Allocations["in"])

	require.NoError(t, d.Apply(b, logentry.JobCompleted{JobID: "j1"}))
	snap = b.Snapshot()
	jv, _ = snap.Job("j1")
	require.True(t, jv.Completed)
}

func TestDispatcher_UnknownKind(t *testing.T) {
	t.Parallel()

	d := logentry.NewDispatcher()
	err := d.Apply(replica.NewBuilder(), logentry.JobCompleted{JobID: "j1"})
	require.ErrorIs(t, err, logentry.ErrUnknownKind)
}
