package barrier

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/flowmesh/coordinator/checkpoint"
	"github.com/flowmesh/coordinator/messenger"
	"github.com/flowmesh/coordinator/replica"
)

// MessengerFactory builds a fresh Messenger for one job's Coordinator.
// A real deployment wires this to whatever transport backs messenger.Messenger
// (e.g. a gRPC or NATS-backed implementation); tests use messenger/inproc.
type MessengerFactory func(jobID string) messenger.Messenger

// ReplicaSource is the subset of cluster.Supervisor the Registry needs:
// the current replica snapshot plus a subscription to future ones. Kept
// as an interface so the Registry can be driven by a fake in tests
// without standing up a full Cluster Coordinator.
type ReplicaSource interface {
	Replica() replica.Replica
	SubscribeReplicas() (<-chan replica.Replica, func())
}

// Registry implements spec.md §4.4's "Election/handoff": it watches the
// Cluster Coordinator's replica stream and starts, restarts, or
// reallocates one barrier.Coordinator per job, keyed by the replica's
// elected coordinator peer-id for that job.
type Registry struct {
	sup          ReplicaSource
	newMessenger MessengerFactory
	checkpoints  checkpoint.Store
	opts         []Option
	logger       *logrus.Entry

	mu      sync.Mutex
	running map[string]*entry // job-id -> running coordinator

	unsubscribe func()
	doneCh      chan struct{}
}

type entry struct {
	coordinator       *Coordinator
	peerID            string
	allocationVersion int
}

// NewRegistry constructs a Registry. logger may be nil, in which case the
// default logrus entry is used.
func NewRegistry(sup ReplicaSource, mf MessengerFactory, cp checkpoint.Store, logger *logrus.Entry, opts ...Option) *Registry {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		sup:          sup,
		newMessenger: mf,
		checkpoints:  cp,
		opts:         opts,
		logger:       logger,
		running:      make(map[string]*entry),
		doneCh:       make(chan struct{}),
	}
}

// Start subscribes to the supervisor's replica stream and begins
// reconciling barrier coordinators against it. It also reconciles once
// immediately against the supervisor's current replica, in case jobs
// were already planned before Start was called.
func (r *Registry) Start(ctx context.Context) {
	ch, unsubscribe := r.sup.SubscribeReplicas()
	r.unsubscribe = unsubscribe

	r.reconcile(ctx, r.sup.Replica())

	go func() {
		defer close(r.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case rep, ok := <-ch:
				if !ok {
					return
				}
				r.reconcile(ctx, rep)
			}
		}
	}()
}

// Done is closed once the reconciliation loop has exited.
func (r *Registry) Done() <-chan struct{} { return r.doneCh }

// Stop unsubscribes from the replica stream and shuts down every running
// coordinator.
func (r *Registry) Stop() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for jobID, e := range r.running {
		e.coordinator.Shutdown(ShutdownRequested)
		delete(r.running, jobID)
	}
}

// reconcile implements §4.4's per-job election/handoff transitions:
//
//	(¬started?, start?) → start
//	(started?, ¬start?) → stop(:rescheduled)
//	(started?, start?, same coordinator, allocation-version changed) → forward replica on allocation-ch
func (r *Registry) reconcile(ctx context.Context, rep replica.Replica) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	for jobID, jv := range rep.Jobs {
		if jv.Coordinator == "" {
			continue
		}
		seen[jobID] = struct{}{}

		e, ok := r.running[jobID]
		switch {
		case !ok:
			r.start(ctx, jobID, jv.Coordinator, jv.AllocationVersion, rep)
		case e.peerID != jv.Coordinator:
			e.coordinator.Shutdown(ShutdownRescheduled)
			delete(r.running, jobID)
			r.start(ctx, jobID, jv.Coordinator, jv.AllocationVersion, rep)
		case e.allocationVersion != jv.AllocationVersion:
			e.allocationVersion = jv.AllocationVersion
			e.coordinator.Allocate(rep)
		}
	}

	for jobID, e := range r.running {
		if _, ok := seen[jobID]; !ok {
			e.coordinator.Shutdown(ShutdownRescheduled)
			delete(r.running, jobID)
		}
	}
}

func (r *Registry) start(ctx context.Context, jobID, peerID string, allocationVersion int, rep replica.Replica) {
	m := r.newMessenger(jobID)
	c := NewCoordinator(jobID, peerID, m, r.checkpoints, r.opts...)
	r.running[jobID] = &entry{coordinator: c, peerID: peerID, allocationVersion: allocationVersion}
	c.Start(ctx)
	c.Allocate(rep)
}
