package cluster_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/coordinator/cluster"
	"github.com/flowmesh/coordinator/factstore"
	"github.com/flowmesh/coordinator/factstore/memdbstore"
	"github.com/flowmesh/coordinator/job"
	"github.com/flowmesh/coordinator/peer"
	"github.com/flowmesh/coordinator/replica"
	"github.com/flowmesh/coordinator/syncstore"
	"github.com/flowmesh/coordinator/syncstore/memstore"
)

const waitTimeout = 2 * time.Second

func testWorkflow() (job.Catalog, job.Workflow) {
	catalog := job.Catalog{
		{Name: "in", Type: job.TaskTypeQueue, Direction: job.DirectionInput, QueueMedium: "kafka", QueueName: "in-queue"},
		{Name: "inc", Type: job.TaskTypeTransformer},
		{Name: "out", Type: job.TaskTypeQueue, Direction: job.DirectionOutput, QueueMedium: "kafka", QueueName: "out-queue"},
	}
	workflow := job.Workflow{
		"in":  {"inc": struct{}{}},
		"inc": {"out": struct{}{}},
	}
	return catalog, workflow
}

func newTestSupervisor(t *testing.T, opts ...cluster.Option) (*cluster.Supervisor, *memdbstore.Store, *memstore.Store) {
	t.Helper()
	fact, err := memdbstore.New(64)
	require.NoError(t, err)
	sstore := memstore.New()
	sup := cluster.NewSupervisor(context.Background(), fact, sstore, opts...)
	t.Cleanup(sup.Close)
	return sup, fact, sstore
}

// registerPeer mimics a peer process: it allocates its own pulse/shutdown
// nodes, writes its registration onto a fresh peer node, and reports its
// own birth, exactly as spec.md §6 describes the peer side of the
// handshake.
func registerPeer(t *testing.T, ctx context.Context, sstore *memstore.Store, sup *cluster.Supervisor, site string) (peerPath, pulsePath string) {
	t.Helper()

	pulsePath, err := sstore.Create(ctx, syncstore.KindPulse)
	require.NoError(t, err)
	shutdownPath, err := sstore.Create(ctx, syncstore.KindShutdown)
	require.NoError(t, err)
	peerPath, err = sstore.Create(ctx, syncstore.KindPeer)
	require.NoError(t, err)

	raw, err := json.Marshal(cluster.Registration{Pulse: pulsePath, Shutdown: shutdownPath, Site: site})
	require.NoError(t, err)
	require.NoError(t, sstore.WritePlace(ctx, peerPath, raw))
	require.NoError(t, sup.BornPeer(ctx, peerPath))
	return peerPath, pulsePath
}

func TestScenario1_NewPeer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sup, fact, sstore := newTestSupervisor(t)

	offers, cancel := sup.SubscribeOffers()
	defer cancel()

	catalog, workflow := testWorkflow()
	_, err := sup.SubmitJob(ctx, catalog, workflow)
	require.NoError(t, err)

	peerPath, _ := registerPeer(t, ctx, sstore, sup, "")

	select {
	case <-offers:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for offer-mult event")
	}

	peers := fact.DB().Peers()
	require.Len(t, peers, 1)
	require.Equal(t, peerPath, peers[0].Path)
}

func TestScenario2_PeerJoinsThenDies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sup, fact, sstore := newTestSupervisor(t, cluster.WithRevokeDelay(time.Hour))

	offers, cancelOffers := sup.SubscribeOffers()
	defer cancelOffers()
	evicts, cancelEvict := sup.SubscribeEvictions()
	defer cancelEvict()
	shutdowns, cancelShutdown := sup.SubscribeShutdowns()
	defer cancelShutdown()

	catalog, workflow := testWorkflow()
	_, err := sup.SubmitJob(ctx, catalog, workflow)
	require.NoError(t, err)

	peerPath, pulsePath := registerPeer(t, ctx, sstore, sup, "")

	select {
	case <-offers:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for offer-mult event")
	}

	require.NoError(t, sstore.Delete(ctx, pulsePath))

	select {
	case <-evicts:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for evict-mult event")
	}
	select {
	case <-shutdowns:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for shutdown-mult event")
	}

	require.Eventually(t, func() bool {
		p, ok := fact.DB().Peer(peerPath)
		return ok && p.Status == peer.StatusDead
	}, waitTimeout, 10*time.Millisecond)

	live := 0
	for _, p := range fact.DB().Peers() {
		if p.Status != peer.StatusDead {
			live++
		}
	}
	require.Zero(t, live, "no peer should remain assignable after death")
}

func TestScenario3_PlanWithNoPeers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sup, fact, _ := newTestSupervisor(t)

	offers, cancel := sup.SubscribeOffers()
	defer cancel()

	catalog, workflow := testWorkflow()
	jobID, err := sup.SubmitJob(ctx, catalog, workflow)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	select {
	case ev := <-offers:
		t.Fatalf("unexpected offer with no peers registered: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	jobs := fact.DB().Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, jobID, jobs[0].ID)
	require.Len(t, jobs[0].Tasks, 3)

	byName := make(map[string]job.Task, 3)
	for _, tk := range jobs[0].Tasks {
		byName[tk.Name] = tk
	}
	require.Contains(t, byName["in"].IngressQueues, "in-queue")
	require.Contains(t, byName["out"].EgressQueues, "out-queue")
	require.ElementsMatch(t, byName["in"].EgressQueues, byName["inc"].IngressQueues)
	require.ElementsMatch(t, byName["inc"].EgressQueues, byName["out"].IngressQueues)
}

func TestScenario4_PlanWithOnePeer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sup, fact, sstore := newTestSupervisor(t, cluster.WithRevokeDelay(time.Hour))

	offers, cancelOffers := sup.SubscribeOffers()
	defer cancelOffers()
	acks, cancelAcks := sup.SubscribeAcks()
	defer cancelAcks()
	completions, cancelCompletions := sup.SubscribeCompletions()
	defer cancelCompletions()

	peerPath, _ := registerPeer(t, ctx, sstore, sup, "")

	catalog, workflow := testWorkflow()
	jobID, err := sup.SubmitJob(ctx, catalog, workflow)
	require.NoError(t, err)

	var previous *cluster.OfferNodes

	for _, want := range []string{"in", "inc", "out"} {
		var offer cluster.OfferEvent
		select {
		case offer = <-offers:
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for offer of task %q", want)
		}
		require.Equal(t, peerPath, offer.Peer)
		require.Equal(t, want, offer.Task)

		raw, err := sstore.ReadPlace(ctx, offer.Nodes.Payload)
		require.NoError(t, err)
		var payload cluster.OfferPayload
		require.NoError(t, json.Unmarshal(raw, &payload))
		require.Equal(t, want, payload.Task.Name)
		require.Equal(t, offer.Nodes, payload.Nodes)
		require.Equal(t, peerPath, payload.Nodes.Peer)
		require.Equal(t, catalog, payload.Nodes.Catalog)
		require.Equal(t, workflow, payload.Nodes.Workflow)

		p, ok := fact.DB().Peer(peerPath)
		require.True(t, ok)
		require.Equal(t, peer.StatusAcking, p.Status)

		if previous != nil {
			for _, path := range []string{previous.Payload, previous.Ack, previous.Status, previous.Completion} {
				_, err := sstore.ReadPlace(ctx, path)
				require.ErrorIs(t, err, syncstore.ErrNotFound, "previous offer's nodes must be retracted")
			}
		}

		require.NoError(t, sstore.TouchPlace(ctx, offer.Nodes.Ack))
		require.NoError(t, sup.Ack(ctx, offer.Nodes.Ack))

		select {
		case ev := <-acks:
			require.Equal(t, offer.Nodes.Ack, ev.Path)
		case <-time.After(waitTimeout):
			t.Fatal("timed out waiting for ack-mult event")
		}

		require.NoError(t, sstore.TouchPlace(ctx, offer.Nodes.Completion))
		require.NoError(t, sup.Complete(ctx, offer.Nodes.Completion))

		var completionTx factstore.TxID
		select {
		case ev := <-completions:
			require.Equal(t, offer.Nodes.Completion, ev.Path)
			completionTx = ev.Tx
		case <-time.After(waitTimeout):
			t.Fatal("timed out waiting for completion-mult event")
		}

		snap, err := fact.AsOf(completionTx)
		require.NoError(t, err)
		p, ok = snap.Peer(peerPath)
		require.True(t, ok)
		require.True(t, p.Nodes.Empty())

		nodes := offer.Nodes
		previous = &nodes
	}

	jobs := fact.DB().Jobs()
	require.Len(t, jobs, 1)
	require.True(t, jobs[0].Completed)

	// The fact store's own Completed flag must be mirrored onto the
	// replica the Barrier Coordinator is driven from (§4.4 "Periodic
	// barrier" gates checkpointing on "the job is not marked completed
	// in the replica"), and the input task's publication coordinate must
	// have a resolvable short id (§4.4 "Publications derivation").
	rep := sup.Replica()
	jv, ok := rep.Job(jobID)
	require.True(t, ok)
	require.True(t, jv.Completed)

	shortID, ok := rep.ShortID(replica.ShortIDKey{
		PeerType: "coordinator", PeerID: jv.Coordinator, JobID: jobID, Task: "in", SlotID: -1,
	})
	require.True(t, ok)
	require.NotEmpty(t, shortID)
}

func TestScenario5_InstantEviction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sup, fact, sstore := newTestSupervisor(t, cluster.WithRevokeDelay(0))

	offers, cancelOffers := sup.SubscribeOffers()
	defer cancelOffers()
	evicts, cancelEvict := sup.SubscribeEvictions()
	defer cancelEvict()

	peerPath, _ := registerPeer(t, ctx, sstore, sup, "")

	catalog, workflow := testWorkflow()
	_, err := sup.SubmitJob(ctx, catalog, workflow)
	require.NoError(t, err)

	var offer cluster.OfferEvent
	select {
	case offer = <-offers:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for offer-mult event")
	}

	select {
	case ev := <-evicts:
		require.Equal(t, peerPath, ev.Path)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for evict-mult event")
	}

	require.Eventually(t, func() bool {
		p, ok := fact.DB().Peer(peerPath)
		return ok && p.Status == peer.StatusDead
	}, waitTimeout, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := sstore.ReadPlace(ctx, offer.Nodes.Status)
		return errors.Is(err, syncstore.ErrNotFound)
	}, waitTimeout, 10*time.Millisecond)
}

func TestScenario6_ErrorFuzz(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sup, _, sstore := newTestSupervisor(t, cluster.WithRevokeDelay(time.Hour))

	failures, cancel := sup.SubscribeFailures()
	defer cancel()

	expectFailure := func(t *testing.T, kind cluster.FailureKind, trigger func()) {
		t.Helper()
		trigger()
		select {
		case ev := <-failures:
			require.Equal(t, kind, ev.Kind)
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for failure-mult event of kind %q", kind)
		}
	}

	peerPath, _ := registerPeer(t, ctx, sstore, sup, "")
	time.Sleep(50 * time.Millisecond) // let the first registration settle

	// Duplicate birth.
	expectFailure(t, cluster.FailureKindPeerBirth, func() {
		require.NoError(t, sup.BornPeer(ctx, peerPath))
	})

	// Ack of a random, never-offered path.
	expectFailure(t, cluster.FailureKindAck, func() {
		require.NoError(t, sup.Ack(ctx, "/ack/does-not-exist"))
	})

	// Double ack-of-unknown: a second, distinct never-offered ack path is
	// rejected by the same unknown-path guard.
	expectFailure(t, cluster.FailureKindAck, func() {
		require.NoError(t, sup.Ack(ctx, "/ack/also-does-not-exist"))
	})

	// Completion of an unknown path.
	expectFailure(t, cluster.FailureKindComplete, func() {
		require.NoError(t, sup.Complete(ctx, "/completion/does-not-exist"))
	})

	// Double death: the second report of the same (already dead) peer.
	require.NoError(t, sup.DeadPeer(ctx, peerPath))
	time.Sleep(50 * time.Millisecond)
	expectFailure(t, cluster.FailureKindPeerDeath, func() {
		require.NoError(t, sup.DeadPeer(ctx, peerPath))
	})
}

// TestScenario6_ErrorFuzz_KnownPathWrongStatus covers the two error-fuzz
// sub-cases TestScenario6_ErrorFuzz cannot reach: an ack or completion
// submitted against a path the Supervisor genuinely knows (unlike the
// "does-not-exist" paths above, which only ever exercise the
// unknown-path guard), but whose peer is in the wrong status for that
// transition. A peer's ack/completion paths are forgotten (cleaned up)
// in the very same handler call that retires them, so a path can only
// ever be "known but wrong status" for the status a peer was in when the
// path was handed out — acking (ack-path exists, not yet acked) and
// active (completion-path exists, not yet completed) — never idle; by
// construction a stale path never outlives its peer's current status.
func TestScenario6_ErrorFuzz_KnownPathWrongStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sup, _, sstore := newTestSupervisor(t, cluster.WithRevokeDelay(time.Hour))

	offers, cancelOffers := sup.SubscribeOffers()
	defer cancelOffers()
	failures, cancelFailures := sup.SubscribeFailures()
	defer cancelFailures()

	catalog, workflow := testWorkflow()
	_, err := sup.SubmitJob(ctx, catalog, workflow)
	require.NoError(t, err)
	registerPeer(t, ctx, sstore, sup, "")

	var offer cluster.OfferEvent
	select {
	case offer = <-offers:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for offer-mult event")
	}

	// Completion of a known path whose peer is still "acking" (has not
	// ack'd yet): the fact store rejects the transition because the peer
	// is not "active", not because the path is unknown.
	require.NoError(t, sup.Complete(ctx, offer.Nodes.Completion))
	select {
	case ev := <-failures:
		require.Equal(t, cluster.FailureKindComplete, ev.Kind)
		require.True(t, errors.Is(ev.Err, factstore.ErrInvalidTransition))
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for failure-mult event of kind \"complete\"")
	}

	// Ack, then ack again on the same path: the peer is now "active", so
	// the second ack is rejected for status, not for an unknown path.
	acks, cancelAcks := sup.SubscribeAcks()
	defer cancelAcks()
	require.NoError(t, sup.Ack(ctx, offer.Nodes.Ack))
	select {
	case <-acks:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for ack-mult event")
	}

	require.NoError(t, sup.Ack(ctx, offer.Nodes.Ack))
	select {
	case ev := <-failures:
		require.Equal(t, cluster.FailureKindAck, ev.Kind)
		require.True(t, errors.Is(ev.Err, factstore.ErrInvalidTransition))
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for failure-mult event of kind \"ack\"")
	}
}
