// Package cluster implements the Cluster Coordinator (spec.md §4.3): the
// process-wide component that owns peer lifecycle, job planning, task
// offering, acking, completion, eviction, and failure reporting, driven
// by a set of bounded channels and backed by the factstore/syncstore
// contracts.
package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/coordinator/engine"
	"github.com/flowmesh/coordinator/factstore"
	"github.com/flowmesh/coordinator/job"
	"github.com/flowmesh/coordinator/logentry"
	"github.com/flowmesh/coordinator/peer"
	"github.com/flowmesh/coordinator/replica"
	"github.com/flowmesh/coordinator/syncstore"
)

// Supervisor owns the Cluster Coordinator's seven engine.Loop workers, its
// broadcast multiplexers, and the bookkeeping needed to translate
// ephemeral sync-store touches back into the peer they belong to.
type Supervisor struct {
	cfg Config

	fact       factstore.Store
	sstore     syncstore.Store
	dispatcher *logentry.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	bornPeerCh     chan string
	deadPeerCh     chan string
	ackCh          chan string
	completionCh   chan string
	revokeCh       chan string
	planningCh     chan PlanRequest
	offerTriggerCh chan struct{}

	bornLoop       *engine.Loop[string]
	deadLoop       *engine.Loop[string]
	ackLoop        *engine.Loop[string]
	completionLoop *engine.Loop[string]
	revokeLoop     *engine.Loop[string]
	planningLoop   *engine.Loop[PlanRequest]
	offerLoop      *engine.Loop[struct{}]

	offerMult      *multiplexer[OfferEvent]
	ackMult        *multiplexer[AckEvent]
	completionMult *multiplexer[CompletionEvent]
	evictMult      *multiplexer[EvictEvent]
	shutdownMult   *multiplexer[ShutdownEvent]
	failureMult    *multiplexer[FailureEvent]
	replicaMult    *multiplexer[replica.Replica]

	mu           sync.Mutex
	replicaBuild *replica.Builder
	pulseWatches map[string]func()
	nodesByPeer  map[string]peer.NodePaths
	ackOwner     map[string]string
	completionOwner map[string]string
	assignment   map[string]jobTask
	sites        map[string]string
	shortIDSeq   uint64

	revokeMu     sync.Mutex
	revokeTimers map[string]*time.Timer

	metrics clusterMetrics

	errWG sync.WaitGroup
}

// NewSupervisor constructs and starts a Supervisor against fact and sstore.
func NewSupervisor(ctx context.Context, fact factstore.Store, sstore syncstore.Store, opts ...Option) *Supervisor {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	ctx, cancel := context.WithCancel(ctx)

	s := &Supervisor{
		cfg:             cfg,
		fact:            fact,
		sstore:          sstore,
		dispatcher:      logentry.NewDefaultDispatcher(),
		ctx:             ctx,
		cancel:          cancel,
		bornPeerCh:      make(chan string, cfg.ChannelBufferSize),
		deadPeerCh:      make(chan string, cfg.ChannelBufferSize),
		ackCh:           make(chan string, cfg.ChannelBufferSize),
		completionCh:    make(chan string, cfg.ChannelBufferSize),
		revokeCh:        make(chan string, cfg.ChannelBufferSize),
		planningCh:      make(chan PlanRequest, cfg.ChannelBufferSize),
		offerTriggerCh:  make(chan struct{}, 1),
		offerMult:       newMultiplexer[OfferEvent](int(cfg.BroadcastBufferSize)),
		ackMult:         newMultiplexer[AckEvent](int(cfg.BroadcastBufferSize)),
		completionMult:  newMultiplexer[CompletionEvent](int(cfg.BroadcastBufferSize)),
		evictMult:       newMultiplexer[EvictEvent](int(cfg.BroadcastBufferSize)),
		shutdownMult:    newMultiplexer[ShutdownEvent](int(cfg.BroadcastBufferSize)),
		failureMult:     newMultiplexer[FailureEvent](int(cfg.BroadcastBufferSize)),
		replicaMult:     newMultiplexer[replica.Replica](int(cfg.BroadcastBufferSize)),
		replicaBuild:    replica.NewBuilder(),
		pulseWatches:    make(map[string]func()),
		nodesByPeer:     make(map[string]peer.NodePaths),
		ackOwner:        make(map[string]string),
		completionOwner: make(map[string]string),
		assignment:      make(map[string]jobTask),
		sites:           make(map[string]string),
		revokeTimers:    make(map[string]*time.Timer),
	}
	s.metrics = newClusterMetrics(cfg.Metrics)

	loopCfg := &engine.Config{ErrorsBufferSize: cfg.ErrorsBufferSize}
	s.bornLoop = engine.New(ctx, s.bornPeerCh, s.handleBirth, loopCfg)
	s.deadLoop = engine.New(ctx, s.deadPeerCh, s.handleDeath, loopCfg)
	s.planningLoop = engine.New(ctx, s.planningCh, s.handlePlanning, loopCfg)
	s.ackLoop = engine.New(ctx, s.ackCh, s.handleAck, loopCfg)
	s.completionLoop = engine.New(ctx, s.completionCh, s.handleCompletion, loopCfg)
	s.revokeLoop = engine.New(ctx, s.revokeCh, s.handleRevoke, loopCfg)
	s.offerLoop = engine.New(ctx, s.offerTriggerCh, s.handleOfferTrigger, loopCfg)

	for _, errs := range []<-chan error{
		s.bornLoop.Errors(), s.deadLoop.Errors(), s.planningLoop.Errors(),
		s.ackLoop.Errors(), s.completionLoop.Errors(), s.revokeLoop.Errors(),
		s.offerLoop.Errors(),
	} {
		s.errWG.Add(1)
		go s.drainErrors(errs)
	}

	return s
}

func (s *Supervisor) drainErrors(errs <-chan error) {
	defer s.errWG.Done()
	for err := range errs {
		s.cfg.Logger.WithError(err).Error("cluster: handler error")
	}
}

// BornPeer enqueues path onto born-peer-ch.
func (s *Supervisor) BornPeer(ctx context.Context, path string) error {
	return send(ctx, s.bornPeerCh, path)
}

// DeadPeer enqueues path onto dead-peer-ch.
func (s *Supervisor) DeadPeer(ctx context.Context, path string) error {
	return send(ctx, s.deadPeerCh, path)
}

// Ack enqueues an ack-node path onto ack-ch.
func (s *Supervisor) Ack(ctx context.Context, ackPath string) error {
	return send(ctx, s.ackCh, ackPath)
}

// Complete enqueues a completion-node path onto completion-ch.
func (s *Supervisor) Complete(ctx context.Context, completionPath string) error {
	return send(ctx, s.completionCh, completionPath)
}

// Plan enqueues req onto planning-ch.
func (s *Supervisor) Plan(ctx context.Context, req PlanRequest) error {
	return send(ctx, s.planningCh, req)
}

// SubmitJob is a synchronous convenience wrapper over Plan that blocks
// for the planned job's id.
func (s *Supervisor) SubmitJob(ctx context.Context, catalog job.Catalog, workflow job.Workflow) (string, error) {
	result := make(chan PlanResult, 1)
	if err := s.Plan(ctx, PlanRequest{Catalog: catalog, Workflow: workflow, Result: result}); err != nil {
		return "", err
	}
	select {
	case res := <-result:
		return res.JobID, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Subscribe* return a read-only view of each broadcast channel plus a
// cancel func to unsubscribe. External consumers (peers, tests) never
// see the publisher side.
func (s *Supervisor) SubscribeOffers() (<-chan OfferEvent, func())           { return s.offerMult.Subscribe() }
func (s *Supervisor) SubscribeAcks() (<-chan AckEvent, func())              { return s.ackMult.Subscribe() }
func (s *Supervisor) SubscribeCompletions() (<-chan CompletionEvent, func()) { return s.completionMult.Subscribe() }
func (s *Supervisor) SubscribeEvictions() (<-chan EvictEvent, func())        { return s.evictMult.Subscribe() }
func (s *Supervisor) SubscribeShutdowns() (<-chan ShutdownEvent, func())     { return s.shutdownMult.Subscribe() }
func (s *Supervisor) SubscribeFailures() (<-chan FailureEvent, func())       { return s.failureMult.Subscribe() }
func (s *Supervisor) SubscribeReplicas() (<-chan replica.Replica, func())    { return s.replicaMult.Subscribe() }

// Replica returns the current replica snapshot without waiting for the
// next broadcast.
func (s *Supervisor) Replica() replica.Replica {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicaBuild.Snapshot()
}

// Close stops every input loop (canceling in-flight work via ctx), then
// every broadcast multiplexer, then waits for error-draining goroutines
// to finish. Safe to call more than once: every step it takes
// (engine.Loop.Close included) is idempotent.
func (s *Supervisor) Close() {
	s.cancel()

	s.bornLoop.Close()
	s.deadLoop.Close()
	s.planningLoop.Close()
	s.ackLoop.Close()
	s.completionLoop.Close()
	s.revokeLoop.Close()
	s.offerLoop.Close()

	s.revokeMu.Lock()
	for _, t := range s.revokeTimers {
		t.Stop()
	}
	s.revokeMu.Unlock()

	s.mu.Lock()
	for _, cancel := range s.pulseWatches {
		cancel()
	}
	s.mu.Unlock()

	s.offerMult.Close()
	s.ackMult.Close()
	s.completionMult.Close()
	s.evictMult.Close()
	s.shutdownMult.Close()
	s.failureMult.Close()
	s.replicaMult.Close()

	s.errWG.Wait()
}

func (s *Supervisor) publishFailure(kind FailureKind, path string, err error) {
	s.metrics.failures.Add(1)
	s.failureMult.Publish(FailureEvent{Kind: kind, Path: path, Err: err})
}

func (s *Supervisor) publishReplica() {
	s.replicaMult.Publish(s.replicaBuild.Snapshot())
}

// triggerOffer signals the offer loop; a pending, undelivered signal is
// sufficient since the offer handler always re-scans the full fact-store
// state rather than acting on the signal's payload.
func (s *Supervisor) triggerOffer() {
	select {
	case s.offerTriggerCh <- struct{}{}:
	default:
	}
}

func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
