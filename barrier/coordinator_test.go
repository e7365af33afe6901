package barrier_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/coordinator/barrier"
	"github.com/flowmesh/coordinator/checkpoint"
	"github.com/flowmesh/coordinator/checkpoint/memcas"
	"github.com/flowmesh/coordinator/messenger"
	"github.com/flowmesh/coordinator/messenger/inproc"
	"github.com/flowmesh/coordinator/replica"
)

func oneTaskReplica(jobID, coordinatorID, dstPeerID, site string, workflowDepth int) replica.Replica {
	return replica.Replica{
		Jobs: map[string]replica.JobView{
			jobID: {
				ID:                jobID,
				Coordinator:       coordinatorID,
				AllocationVersion: 1,
				WorkflowDepth:     workflowDepth,
				InputTasks:        []string{"t1"},
				Allocations: map[string][]replica.PeerAllocation{
					"t1": {{PeerID: dstPeerID, Site: site}},
				},
			},
		},
		MessageShortIDs: map[replica.ShortIDKey]string{},
	}
}

func recvBarrier(t *testing.T, ch <-chan messenger.Barrier, timeout time.Duration) messenger.Barrier {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(timeout):
		t.Fatal("timed out waiting for barrier delivery")
		return messenger.Barrier{}
	}
}

func TestCoordinator_ReallocateOffersBarrier(t *testing.T) {
	t.Parallel()

	bus := inproc.NewBus()
	m := inproc.NewMessenger(bus)
	cp := memcas.New()

	c := barrier.NewCoordinator("job1", "peerA", m, cp,
		barrier.WithHeartbeatPeriod(time.Hour),
		barrier.WithBarrierPeriod(time.Hour),
		barrier.WithMaxSleep(5*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	rep := oneTaskReplica("job1", "peerA", "peerB", "site1", 1)
	c.Allocate(rep)

	b := recvBarrier(t, bus.Inbox("peerB"), time.Second)
	require.Equal(t, 1, b.ReplicaVersion)
	require.Equal(t, 1, b.Epoch)
	require.Nil(t, b.CheckpointedEpoch)
}

func TestCoordinator_PeriodicBarrierCheckpoints(t *testing.T) {
	t.Parallel()

	bus := inproc.NewBus()
	m := inproc.NewMessenger(bus)
	cp := memcas.New()

	c := barrier.NewCoordinator("job2", "peerA", m, cp,
		barrier.WithHeartbeatPeriod(time.Hour),
		barrier.WithBarrierPeriod(20*time.Millisecond),
		barrier.WithMaxSleep(5*time.Millisecond),
		barrier.WithTenancyID("tenant-x"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	// workflowDepth 0: second barrier (epoch 2) is the first eligible to
	// checkpoint (firstSnapshotEpoch=2).
	rep := oneTaskReplica("job2", "peerA", "peerB", "site1", 0)
	c.Allocate(rep)

	b1 := recvBarrier(t, bus.Inbox("peerB"), time.Second)
	require.Equal(t, 1, b1.Epoch)
	require.Nil(t, b1.CheckpointedEpoch)

	b2 := recvBarrier(t, bus.Inbox("peerB"), time.Second)
	require.Equal(t, 2, b2.Epoch)
	require.NotNil(t, b2.CheckpointedEpoch)
	require.Equal(t, 2, *b2.CheckpointedEpoch)

	v, err := cp.Load(ctx, checkpoint.Key{TenancyID: "tenant-x", JobID: "job2"})
	require.NoError(t, err)
	require.Equal(t, 2, v.Coordinate.Epoch)
}

func TestCoordinator_CompletedJobNeverCheckpoints(t *testing.T) {
	t.Parallel()

	bus := inproc.NewBus()
	m := inproc.NewMessenger(bus)
	cp := memcas.New()

	c := barrier.NewCoordinator("job5", "peerA", m, cp,
		barrier.WithHeartbeatPeriod(time.Hour),
		barrier.WithBarrierPeriod(10*time.Millisecond),
		barrier.WithMaxSleep(5*time.Millisecond),
		barrier.WithTenancyID("tenant-y"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	// workflowDepth 0 would make epoch 2 eligible to checkpoint if the
	// job weren't marked completed in the replica (§4.4 "Periodic
	// barrier": "If the job is not marked completed in the replica...").
	rep := oneTaskReplica("job5", "peerA", "peerB", "site1", 0)
	jv := rep.Jobs["job5"]
	jv.Completed = true
	rep.Jobs["job5"] = jv
	c.Allocate(rep)

	for i := 0; i < 3; i++ {
		b := recvBarrier(t, bus.Inbox("peerB"), time.Second)
		require.Nil(t, b.CheckpointedEpoch)
	}

	_, err := cp.Load(ctx, checkpoint.Key{TenancyID: "tenant-y", JobID: "job5"})
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestCoordinator_ResumeOfferRetriesUntilReachable(t *testing.T) {
	t.Parallel()

	bus := inproc.NewBus()
	bus.SetReachable("peerB", false)
	m := inproc.NewMessenger(bus)
	cp := memcas.New()

	c := barrier.NewCoordinator("job3", "peerA", m, cp,
		barrier.WithHeartbeatPeriod(time.Hour),
		barrier.WithBarrierPeriod(time.Hour),
		barrier.WithMaxSleep(5*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	rep := oneTaskReplica("job3", "peerA", "peerB", "site1", 1)
	c.Allocate(rep)

	select {
	case <-bus.Inbox("peerB"):
		t.Fatal("offer should not have been delivered while peer is unreachable")
	case <-time.After(100 * time.Millisecond):
	}

	bus.SetReachable("peerB", true)
	recvBarrier(t, bus.Inbox("peerB"), time.Second)
}

func TestCoordinator_ShutdownClosesDone(t *testing.T) {
	t.Parallel()

	bus := inproc.NewBus()
	m := inproc.NewMessenger(bus)
	cp := memcas.New()

	c := barrier.NewCoordinator("job4", "peerA", m, cp,
		barrier.WithMaxSleep(5 * time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	c.Shutdown(barrier.ShutdownRequested)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop after Shutdown")
	}
}

func TestCoordinator_UnknownJobIsFatal(t *testing.T) {
	t.Parallel()

	bus := inproc.NewBus()
	m := inproc.NewMessenger(bus)
	cp := memcas.New()

	fatalCh := make(chan error, 1)
	c := barrier.NewCoordinator("missing-job", "peerA", m, cp,
		barrier.WithMaxSleep(5*time.Millisecond),
		barrier.WithOnFatal(func(jobID, peerID string, err error) {
			fatalCh <- err
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	c.Allocate(replica.Replica{Jobs: map[string]replica.JobView{}})

	select {
	case err := <-fatalCh:
		require.ErrorIs(t, err, barrier.ErrUnknownJob)
	case <-time.After(time.Second):
		t.Fatal("expected OnFatal to be invoked")
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop after fatal error")
	}
}
