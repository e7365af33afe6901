package memdbstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/coordinator/factstore"
	"github.com/flowmesh/coordinator/job"
	"github.com/flowmesh/coordinator/peer"
)

func TestStore_PeerLifecycle(t *testing.T) {
	s, err := New(16)
	require.NoError(t, err)
	ctx := context.Background()

	p := peer.Peer{Path: "/peer/1", PulsePath: "/pulse/1"}
	_, err = s.MarkPeerBorn(ctx, p)
	require.NoError(t, err)

	idle, err := s.IdlePeer()
	require.NoError(t, err)
	require.Equal(t, "/peer/1", idle.Path)

	task := job.Task{ID: "t1", Name: "ingest", Phase: 0}
	_, err = s.MarkOffered(ctx, p.Path, task, time.Now().Add(time.Minute))
	require.NoError(t, err)

	got, _ := s.DB().Peer(p.Path)
	require.Equal(t, peer.StatusAcking, got.Status)

	_, err = s.Ack(ctx, p.Path)
	require.NoError(t, err)

	got, _ = s.DB().Peer(p.Path)
	require.Equal(t, peer.StatusActive, got.Status)
}

func TestStore_AckRequiresAcking(t *testing.T) {
	s, err := New(16)
	require.NoError(t, err)
	ctx := context.Background()

	p := peer.Peer{Path: "/peer/2"}
	_, err = s.MarkPeerBorn(ctx, p)
	require.NoError(t, err)

	_, err = s.Ack(ctx, p.Path)
	require.ErrorIs(t, err, factstore.ErrInvalidTransition)
}

func TestStore_CompleteRetractsNodePaths(t *testing.T) {
	s, err := New(16)
	require.NoError(t, err)
	ctx := context.Background()

	p := peer.Peer{
		Path: "/peer/3",
		Nodes: peer.NodePaths{
			Payload: "/payload/3", Ack: "/ack/3", Status: "/status/3", Completion: "/completion/3",
		},
	}
	_, err = s.MarkPeerBorn(ctx, p)
	require.NoError(t, err)

	j := job.Job{
		ID:    "job-1",
		Tasks: []job.Task{{ID: "t1", Name: "ingest", Phase: 0}},
	}
	_, err = s.PlanJob(ctx, j)
	require.NoError(t, err)

	task, err := s.NextTask(j.ID)
	require.NoError(t, err)

	_, err = s.MarkOffered(ctx, p.Path, task, time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = s.Ack(ctx, p.Path)
	require.NoError(t, err)

	_, err = s.Complete(ctx, p.Path)
	require.NoError(t, err)

	got, ok := s.DB().Peer(p.Path)
	require.True(t, ok)
	require.Equal(t, peer.StatusIdle, got.Status)
	require.True(t, got.Nodes.Empty())

	completedJob, ok := s.DB().Job(j.ID)
	require.True(t, ok)
	require.True(t, completedJob.Completed)
}

func TestStore_NextTaskRespectsPhaseOrdering(t *testing.T) {
	s, err := New(16)
	require.NoError(t, err)
	ctx := context.Background()

	j := job.Job{
		ID: "job-2",
		Tasks: []job.Task{
			{ID: "a", Phase: 0},
			{ID: "b", Phase: 1},
		},
	}
	_, err = s.PlanJob(ctx, j)
	require.NoError(t, err)

	first, err := s.NextTask(j.ID)
	require.NoError(t, err)
	require.Equal(t, "a", first.ID)
}

func TestStore_HistoryTracksTransactionsPerPath(t *testing.T) {
	s, err := New(16)
	require.NoError(t, err)
	ctx := context.Background()

	p := peer.Peer{Path: "/peer/4"}
	tx1, err := s.MarkPeerBorn(ctx, p)
	require.NoError(t, err)

	tx2, err := s.MarkPeerDead(ctx, p.Path)
	require.NoError(t, err)

	hist, err := s.History(p.Path)
	require.NoError(t, err)
	require.Equal(t, []interface{}{tx1, tx2}, []interface{}{hist[0], hist[1]})

	asOf, err := s.AsOf(tx1)
	require.NoError(t, err)
	bornState, ok := asOf.Peer(p.Path)
	require.True(t, ok)
	require.Equal(t, peer.StatusIdle, bornState.Status)
}
