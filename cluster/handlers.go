package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/coordinator/factstore"
	"github.com/flowmesh/coordinator/internal/pool"
	"github.com/flowmesh/coordinator/job"
	"github.com/flowmesh/coordinator/logentry"
	"github.com/flowmesh/coordinator/peer"
	"github.com/flowmesh/coordinator/replica"
	"github.com/flowmesh/coordinator/syncstore"
)

// payloadBufPool recycles the buffers used to JSON-encode an offer
// payload; offers are frequent enough under load to make one allocation
// per offer worth avoiding.
var payloadBufPool = pool.NewDynamic(func() interface{} { return new(bytes.Buffer) })

// handleBirth implements §4.3 "Peer birth": the path written onto
// born-peer-ch already carries a Registration written by the peer
// itself (§6).
func (s *Supervisor) handleBirth(ctx context.Context, path string) error {
	raw, err := s.sstore.ReadPlace(ctx, path)
	if err != nil {
		return fmt.Errorf("%s: birth: read registration %s: %w", Namespace, path, err)
	}
	var reg Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return fmt.Errorf("%s: birth: decode registration %s: %w", Namespace, path, err)
	}

	p := peer.Peer{Path: path, PulsePath: reg.Pulse, ShutdownPath: reg.Shutdown, Status: peer.StatusIdle}
	if _, err := s.fact.MarkPeerBorn(ctx, p); err != nil {
		if errors.Is(err, factstore.ErrAlreadyExists) {
			s.publishFailure(FailureKindPeerBirth, path, err)
			return nil
		}
		return fmt.Errorf("%s: birth: mark-peer-born %s: %w", Namespace, path, err)
	}
	s.metrics.peersBorn.Add(1)

	site := reg.Site
	if site == "" {
		site = path
	}

	var cancel func()
	if reg.Pulse != "" {
		cancel, err = s.sstore.OnChange(s.ctx, reg.Pulse, func(ev syncstore.Event) {
			if ev.Kind == syncstore.ChangeDeleted {
				s.enqueueDeadPeer(path)
			}
		})
		if err != nil {
			s.cfg.Logger.WithError(err).WithField("peer", path).Error("cluster: failed to watch pulse node")
		}
	}

	s.mu.Lock()
	if cancel != nil {
		s.pulseWatches[path] = cancel
	}
	s.sites[path] = site
	s.mu.Unlock()

	s.triggerOffer()
	return nil
}

// enqueueDeadPeer forwards path onto dead-peer-ch from a watch callback
// goroutine without ever blocking the watch dispatcher.
func (s *Supervisor) enqueueDeadPeer(path string) {
	go func() {
		select {
		case s.deadPeerCh <- path:
		case <-s.ctx.Done():
		}
	}()
}

// handleDeath implements §4.3 "Peer death".
func (s *Supervisor) handleDeath(ctx context.Context, path string) error {
	if _, err := s.fact.MarkPeerDead(ctx, path); err != nil {
		if errors.Is(err, factstore.ErrNotFound) {
			s.publishFailure(FailureKindPeerDeath, path, err)
			return nil
		}
		return fmt.Errorf("%s: death: mark-peer-dead %s: %w", Namespace, path, err)
	}
	s.metrics.peersDied.Add(1)

	s.mu.Lock()
	if cancel, ok := s.pulseWatches[path]; ok {
		delete(s.pulseWatches, path)
		defer cancel()
	}
	delete(s.sites, path)
	at, hadAssignment := s.assignment[path]
	delete(s.assignment, path)
	s.mu.Unlock()

	s.cleanupPeerNodes(ctx, path)

	if hadAssignment {
		s.mu.Lock()
		_ = s.dispatcher.Apply(s.replicaBuild, logentry.TaskDeallocated{JobID: at.JobID, Task: at.Task, PeerID: path})
		s.mu.Unlock()
		s.publishReplica()
	}

	s.cancelRevoke(path)
	s.metrics.evictions.Add(1)
	s.evictMult.Publish(EvictEvent{Path: path})
	s.shutdownMult.Publish(ShutdownEvent{Path: path})

	s.triggerOffer()
	return nil
}

// cleanupPeerNodes deletes a peer's per-offer sync-store paths and
// forgets the ack/completion reverse lookups that pointed at them,
// matching the "peer's sync nodes" reset required on both completion
// (§4.3 "Completion") and eviction (scenario 5: "its former status path
// is no longer readable from the sync store").
func (s *Supervisor) cleanupPeerNodes(ctx context.Context, peerPath string) {
	s.mu.Lock()
	nodes, ok := s.nodesByPeer[peerPath]
	delete(s.nodesByPeer, peerPath)
	if ok {
		delete(s.ackOwner, nodes.Ack)
		delete(s.completionOwner, nodes.Completion)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	for _, p := range []string{nodes.Payload, nodes.Ack, nodes.Status, nodes.Completion} {
		if p == "" {
			continue
		}
		if err := s.sstore.Delete(ctx, p); err != nil && !errors.Is(err, syncstore.ErrNotFound) {
			s.cfg.Logger.WithError(err).WithField("path", p).Warn("cluster: failed to reset peer sync node")
		}
	}
}

// handlePlanning implements §4.3 "Planning".
func (s *Supervisor) handlePlanning(ctx context.Context, req PlanRequest) error {
	tasks, err := job.Plan(req.Catalog, req.Workflow)
	if err != nil {
		// Malformed workflows aren't part of the failure-mult taxonomy
		// (§7); report synchronously to the caller instead.
		reply(req.Result, PlanResult{Err: err})
		return nil
	}

	jobID := uuid.NewString()
	j := job.Job{ID: jobID, Catalog: req.Catalog, Workflow: req.Workflow, Tasks: tasks}
	if _, err := s.fact.PlanJob(ctx, j); err != nil {
		reply(req.Result, PlanResult{Err: err})
		return fmt.Errorf("%s: planning: plan-job: %w", Namespace, err)
	}
	s.metrics.jobsPlanned.Add(1)

	var inputTasks []string
	depth := 0
	for _, t := range tasks {
		if t.Phase == 0 {
			inputTasks = append(inputTasks, t.Name)
		}
		if t.Phase+1 > depth {
			depth = t.Phase + 1
		}
	}

	s.mu.Lock()
	_ = s.dispatcher.Apply(s.replicaBuild, logentry.JobPlanned{JobID: jobID, InputTasks: inputTasks, WorkflowDepth: depth})
	s.mu.Unlock()
	s.publishReplica()

	reply(req.Result, PlanResult{JobID: jobID})
	s.triggerOffer()
	return nil
}

func reply(ch chan<- PlanResult, res PlanResult) {
	if ch == nil {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// handleAck implements §4.3 "Ack".
func (s *Supervisor) handleAck(ctx context.Context, ackPath string) error {
	s.mu.Lock()
	peerPath, ok := s.ackOwner[ackPath]
	s.mu.Unlock()
	if !ok {
		s.publishFailure(FailureKindAck, ackPath, ErrUnknownPath)
		return nil
	}

	tx, err := s.fact.Ack(ctx, peerPath)
	if err != nil {
		s.publishFailure(FailureKindAck, ackPath, err)
		return nil
	}

	s.cancelRevoke(peerPath)
	s.metrics.acks.Add(1)
	s.ackMult.Publish(AckEvent{Tx: tx, Path: ackPath})
	return nil
}

// handleCompletion implements §4.3 "Completion".
func (s *Supervisor) handleCompletion(ctx context.Context, completionPath string) error {
	s.mu.Lock()
	peerPath, ok := s.completionOwner[completionPath]
	s.mu.Unlock()
	if !ok {
		s.publishFailure(FailureKindComplete, completionPath, ErrUnknownPath)
		return nil
	}

	tx, err := s.fact.Complete(ctx, peerPath)
	if err != nil {
		s.publishFailure(FailureKindComplete, completionPath, err)
		return nil
	}

	s.mu.Lock()
	at, hadAssignment := s.assignment[peerPath]
	delete(s.assignment, peerPath)
	s.mu.Unlock()
	s.cleanupPeerNodes(ctx, peerPath)

	// factstore.Complete flips the job's own Completed fact once its
	// last task finishes; mirror that onto the replica so the Barrier
	// Coordinator's "job not marked completed" check (§4.4 "Periodic
	// barrier") ever actually fires.
	if hadAssignment {
		if jv, ok := s.fact.DB().Job(at.JobID); ok && jv.Completed {
			s.mu.Lock()
			_ = s.dispatcher.Apply(s.replicaBuild, logentry.JobCompleted{JobID: at.JobID})
			s.mu.Unlock()
			s.publishReplica()
		}
	}

	s.metrics.completions.Add(1)
	s.completionMult.Publish(CompletionEvent{Tx: tx, Path: completionPath})
	s.triggerOffer()
	return nil
}

// handleRevoke implements §4.3 "Revoke": treat an unacked offer as peer
// death by deleting the pulse, which cascades through dead-peer-ch.
func (s *Supervisor) handleRevoke(ctx context.Context, peerPath string) error {
	p, ok := s.fact.DB().Peer(peerPath)
	if !ok || p.Status != peer.StatusAcking {
		return nil
	}

	s.evictMult.Publish(EvictEvent{Path: peerPath})
	s.shutdownMult.Publish(ShutdownEvent{Path: peerPath})

	if p.PulsePath == "" {
		return nil
	}
	if err := s.sstore.Delete(ctx, p.PulsePath); err != nil && !errors.Is(err, syncstore.ErrNotFound) {
		return fmt.Errorf("%s: revoke: delete pulse %s: %w", Namespace, p.PulsePath, err)
	}
	return nil
}

// handleOfferTrigger implements §4.3 "Offer": repeat until no progress,
// scanning every known job for a ready task and an idle peer.
func (s *Supervisor) handleOfferTrigger(ctx context.Context, _ struct{}) error {
	for {
		progressed, err := s.offerOnePass(ctx)
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

// offerOnePass makes at most one assignment, since making an assignment
// changes which peers/tasks are available and the scan must restart from
// current state rather than continuing over a stale snapshot.
func (s *Supervisor) offerOnePass(ctx context.Context) (bool, error) {
	for _, j := range s.fact.DB().Jobs() {
		if j.Completed {
			continue
		}
		task, err := s.fact.NextTask(j.ID)
		if err != nil {
			continue
		}
		idle, err := s.fact.IdlePeer()
		if err != nil {
			return false, nil
		}

		ev, err := s.offerTask(ctx, j.ID, task, idle)
		if err != nil {
			return false, err
		}
		s.metrics.offers.Add(1)
		s.offerMult.Publish(ev)
		return true, nil
	}
	return false, nil
}

func (s *Supervisor) offerTask(ctx context.Context, jobID string, task job.Task, idlePeer peer.Peer) (OfferEvent, error) {
	payloadPath, err := s.sstore.Create(ctx, syncstore.KindPayload)
	if err != nil {
		return OfferEvent{}, fmt.Errorf("%s: offer: allocate payload node: %w", Namespace, err)
	}
	ackPath, err := s.sstore.Create(ctx, syncstore.KindAck)
	if err != nil {
		return OfferEvent{}, fmt.Errorf("%s: offer: allocate ack node: %w", Namespace, err)
	}
	statusPath, err := s.sstore.Create(ctx, syncstore.KindStatus)
	if err != nil {
		return OfferEvent{}, fmt.Errorf("%s: offer: allocate status node: %w", Namespace, err)
	}
	completionPath, err := s.sstore.Create(ctx, syncstore.KindCompletion)
	if err != nil {
		return OfferEvent{}, fmt.Errorf("%s: offer: allocate completion node: %w", Namespace, err)
	}

	deadline := time.Now().Add(s.cfg.OfferTTL)
	tx, err := s.fact.MarkOffered(ctx, idlePeer.Path, task, deadline)
	if err != nil {
		return OfferEvent{}, fmt.Errorf("%s: offer: mark-offered %s: %w", Namespace, idlePeer.Path, err)
	}

	jv, _ := s.fact.DB().Job(jobID)
	nodes := OfferNodes{
		Payload: payloadPath, Ack: ackPath, Completion: completionPath, Status: statusPath,
		Catalog: jv.Catalog, Workflow: jv.Workflow, Peer: idlePeer.Path,
	}
	if err := s.writeOfferPayload(ctx, payloadPath, OfferPayload{Task: task, Nodes: nodes}); err != nil {
		return OfferEvent{}, err
	}

	s.mu.Lock()
	s.nodesByPeer[idlePeer.Path] = peer.NodePaths{Payload: payloadPath, Ack: ackPath, Status: statusPath, Completion: completionPath}
	s.ackOwner[ackPath] = idlePeer.Path
	s.completionOwner[completionPath] = idlePeer.Path
	s.assignment[idlePeer.Path] = jobTask{JobID: jobID, Task: task.Name}

	if task.Phase == 0 {
		site := s.sites[idlePeer.Path]
		if site == "" {
			site = idlePeer.Path
		}
		_ = s.dispatcher.Apply(s.replicaBuild, logentry.TaskAllocated{JobID: jobID, Task: task.Name, PeerID: idlePeer.Path, Site: site})
		coordinatorID := s.replicaBuild.Coordinator(jobID)
		if coordinatorID == "" {
			_ = s.dispatcher.Apply(s.replicaBuild, logentry.CoordinatorElected{JobID: jobID, PeerID: idlePeer.Path})
			coordinatorID = idlePeer.Path
		}

		// Assign this (coordinator, job, task) publication coordinate a
		// compact id, keyed exactly as barrier.derivePublications looks
		// it up (§4.4 "Publications derivation").
		s.shortIDSeq++
		shortID := strconv.FormatUint(s.shortIDSeq, 36)
		_ = s.dispatcher.Apply(s.replicaBuild, logentry.ShortIDAssigned{
			Key: replica.ShortIDKey{PeerType: "coordinator", PeerID: coordinatorID, JobID: jobID, Task: task.Name, SlotID: -1},
			ID:  shortID,
		})
	}
	s.mu.Unlock()
	s.publishReplica()

	s.scheduleRevoke(idlePeer.Path)
	return OfferEvent{Tx: tx, Peer: idlePeer.Path, Task: task.Name, Nodes: nodes}, nil
}

func (s *Supervisor) writeOfferPayload(ctx context.Context, payloadPath string, payload OfferPayload) error {
	buf := payloadBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer payloadBufPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return fmt.Errorf("%s: offer: encode payload: %w", Namespace, err)
	}
	if err := s.sstore.WritePlace(ctx, payloadPath, buf.Bytes()); err != nil {
		return fmt.Errorf("%s: offer: write payload node: %w", Namespace, err)
	}
	return nil
}

func (s *Supervisor) scheduleRevoke(peerPath string) {
	s.revokeMu.Lock()
	defer s.revokeMu.Unlock()

	if t, ok := s.revokeTimers[peerPath]; ok {
		t.Stop()
		delete(s.revokeTimers, peerPath)
	}

	fire := func() {
		select {
		case s.revokeCh <- peerPath:
		case <-s.ctx.Done():
		}
	}

	if s.cfg.RevokeDelay <= 0 {
		// "revoke-delay = 0 means immediately evict after offer" (§4.3).
		go fire()
		return
	}
	s.revokeTimers[peerPath] = time.AfterFunc(s.cfg.RevokeDelay, fire)
}

func (s *Supervisor) cancelRevoke(peerPath string) {
	s.revokeMu.Lock()
	defer s.revokeMu.Unlock()
	if t, ok := s.revokeTimers[peerPath]; ok {
		t.Stop()
		delete(s.revokeTimers, peerPath)
	}
}
