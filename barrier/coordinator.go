// Package barrier implements the Per-Job Barrier Coordinator (spec.md
// §4.4): one long-lived cooperative worker per job that derives
// publications from a replica snapshot, drives an epoch-stamped barrier
// protocol over a messenger, and periodically checkpoints progress.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flowmesh/coordinator/checkpoint"
	"github.com/flowmesh/coordinator/messenger"
	"github.com/flowmesh/coordinator/replica"
)

// firstSnapshotEpoch is the earliest epoch at which a checkpoint may be
// taken (spec.md §4.4 "Periodic barrier").
const firstSnapshotEpoch = 2

// barrierOpts carries the extra fields a barrier message picks up
// depending on which branch of the main loop produced it.
type barrierOpts struct {
	recoverCoordinates *messenger.Coordinate
	checkpointedEpoch  *int
}

// Coordinator is one job's Barrier Coordinator. It owns a Messenger and a
// checkpoint.Store and must only ever be driven by its own run goroutine;
// Allocate and Shutdown are the only methods safe to call from elsewhere.
type Coordinator struct {
	cfg Config

	jobID  string
	peerID string

	messenger   messenger.Messenger
	checkpoints checkpoint.Store

	allocationCh chan replica.Replica
	shutdownCh   chan ShutdownReason
	doneCh       chan struct{}

	logger  *logrus.Entry
	metrics barrierMetrics

	// Loop-owned state; touched only from run's goroutine.
	publishers        []messenger.Publisher
	replicaVersion    int
	epoch             int
	workflowDepth     int
	completed         bool
	heldVersion       int64
	lastBarrierTime   time.Time
	lastHeartbeatTime time.Time
	offering          bool
	remBarriers       []messenger.Publisher
	opts              barrierOpts
}

// NewCoordinator constructs a Coordinator for jobID, to be run as though
// by peerID (the elected coordinator peer). It does not start the loop;
// call Start.
func NewCoordinator(jobID, peerID string, m messenger.Messenger, cp checkpoint.Store, opts ...Option) *Coordinator {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Coordinator{
		cfg:          cfg,
		jobID:        jobID,
		peerID:       peerID,
		messenger:    m,
		checkpoints:  cp,
		allocationCh: make(chan replica.Replica, 1),
		shutdownCh:   make(chan ShutdownReason, 1),
		doneCh:       make(chan struct{}),
		logger:       cfg.Logger.WithField("job_id", jobID).WithField("peer_id", peerID),
		metrics:      newBarrierMetrics(cfg.Metrics),
	}
}

// Start launches the coordinator's loop goroutine.
func (c *Coordinator) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done is closed once the loop has exited, whether by shutdown or by a
// fatal error.
func (c *Coordinator) Done() <-chan struct{} { return c.doneCh }

// JobID returns the job this coordinator serves.
func (c *Coordinator) JobID() string { return c.jobID }

// PeerID returns the peer this coordinator runs as.
func (c *Coordinator) PeerID() string { return c.peerID }

// Allocate forwards a freshly observed replica onto allocation-ch,
// discarding any older pending replica (§4.4 "dropping-capacity-1:
// latest observed replica snapshot; older pending replicas are
// discarded").
func (c *Coordinator) Allocate(r replica.Replica) {
	for {
		select {
		case c.allocationCh <- r:
			return
		default:
		}
		select {
		case <-c.allocationCh:
		default:
		}
	}
}

// Shutdown requests the loop stop for reason. Safe to call more than
// once; only the first request is observed.
func (c *Coordinator) Shutdown(reason ShutdownReason) {
	select {
	case c.shutdownCh <- reason:
	default:
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneCh)

	for {
		select {
		case reason := <-c.shutdownCh:
			c.stop(reason)
			return
		case <-ctx.Done():
			c.stop(ShutdownRequested)
			return
		default:
		}

		select {
		case r := <-c.allocationCh:
			if err := c.reallocate(ctx, r); err != nil {
				c.fatal(err)
				return
			}
			continue
		default:
		}

		now := time.Now()

		if now.After(c.lastHeartbeatTime.Add(c.cfg.HeartbeatPeriod)) {
			c.heartbeat(ctx)
			continue
		}

		if c.offering {
			if err := c.resumeOffer(ctx); err != nil {
				c.fatal(err)
				return
			}
			continue
		}

		if now.After(c.lastBarrierTime.Add(c.cfg.BarrierPeriod)) {
			if err := c.beginPeriodicBarrier(ctx); err != nil {
				c.fatal(err)
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			c.stop(ShutdownRequested)
			return
		case reason := <-c.shutdownCh:
			c.stop(reason)
			return
		case r := <-c.allocationCh:
			if err := c.reallocate(ctx, r); err != nil {
				c.fatal(err)
				return
			}
		case <-time.After(c.cfg.MaxSleep):
		}
	}
}

func (c *Coordinator) stop(reason ShutdownReason) {
	c.logger.WithField("reason", reason).Info("barrier: stopping")
	if err := c.messenger.Stop(); err != nil {
		c.logger.WithError(err).Warn("barrier: messenger stop failed")
	}
}

// fatal implements §4.4 "Error handling": any uncaught loop error is
// logged and reported to the group supervisor; state is not salvaged.
func (c *Coordinator) fatal(err error) {
	c.metrics.fatals.Add(1)
	c.logger.WithError(err).Error("barrier: fatal error, requesting restart")
	if err := c.messenger.Stop(); err != nil {
		c.logger.WithError(err).Warn("barrier: messenger stop failed during fatal teardown")
	}
	if c.cfg.OnFatal != nil {
		c.cfg.OnFatal(c.jobID, c.peerID, err)
	}
}

// reallocate implements §4.4 "Reallocation".
func (c *Coordinator) reallocate(ctx context.Context, r replica.Replica) error {
	jv, ok := r.Job(c.jobID)
	if !ok {
		return fmt.Errorf("%s: reallocate: %w", Namespace, ErrUnknownJob)
	}

	pubs := derivePublications(r, c.jobID, c.peerID)
	publishers, err := c.messenger.SetPublications(ctx, pubs)
	if err != nil {
		return fmt.Errorf("%s: reallocate: set-publications: %w", Namespace, err)
	}
	c.publishers = publishers

	c.replicaVersion = jv.AllocationVersion
	c.workflowDepth = jv.WorkflowDepth
	c.completed = jv.Completed
	c.epoch = 1

	recover, heldVersion, err := c.loadRecoverCoordinate(ctx)
	if err != nil {
		return err
	}
	c.heldVersion = heldVersion

	c.opts = barrierOpts{recoverCoordinates: recover}
	c.remBarriers = append([]messenger.Publisher(nil), c.publishers...)
	c.offering = true
	return nil
}

func (c *Coordinator) loadRecoverCoordinate(ctx context.Context) (*messenger.Coordinate, int64, error) {
	key := checkpoint.Key{TenancyID: c.cfg.TenancyID, JobID: c.jobID}
	v, err := c.checkpoints.Load(ctx, key)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%s: reallocate: load checkpoint: %w", Namespace, err)
	}
	return &messenger.Coordinate{
		TenancyID:      v.Coordinate.TenancyID,
		JobID:          v.Coordinate.JobID,
		ReplicaVersion: v.Coordinate.ReplicaVersion,
		Epoch:          v.Coordinate.Epoch,
	}, v.Version, nil
}

// beginPeriodicBarrier implements §4.4 "Periodic barrier".
func (c *Coordinator) beginPeriodicBarrier(ctx context.Context) error {
	c.epoch++

	var checkpointedEpoch *int
	if !c.completed && c.epoch >= firstSnapshotEpoch+c.workflowDepth {
		ce := c.epoch - c.workflowDepth
		coord := checkpoint.Coordinate{
			TenancyID:      c.cfg.TenancyID,
			JobID:          c.jobID,
			ReplicaVersion: c.replicaVersion,
			Epoch:          ce,
		}
		newVersion, err := c.checkpoints.Save(ctx, checkpoint.Key{TenancyID: c.cfg.TenancyID, JobID: c.jobID}, coord, c.heldVersion)
		switch {
		case errors.Is(err, checkpoint.ErrBadVersion):
			c.metrics.casConflicts.Add(1)
			c.logger.Info("barrier: checkpoint CAS conflict, keeping held version")
		case err != nil:
			return fmt.Errorf("%s: periodic-barrier: save checkpoint: %w", Namespace, err)
		default:
			c.heldVersion = newVersion
			c.metrics.checkpoints.Add(1)
		}
		checkpointedEpoch = &ce
	}

	c.opts = barrierOpts{checkpointedEpoch: checkpointedEpoch}
	c.remBarriers = append([]messenger.Publisher(nil), c.publishers...)
	c.offering = true
	return nil
}

// resumeOffer implements §4.4 "Resume offer".
func (c *Coordinator) resumeOffer(ctx context.Context) error {
	b := messenger.Barrier{
		ReplicaVersion:     c.replicaVersion,
		Epoch:              c.epoch,
		RecoverCoordinates: c.opts.recoverCoordinates,
		CheckpointedEpoch:  c.opts.checkpointedEpoch,
	}

	var remaining []messenger.Publisher
	for _, p := range c.remBarriers {
		if !p.Heartbeat(ctx) {
			remaining = append(remaining, p)
			continue
		}
		n, err := p.Offer(ctx, b)
		if err != nil {
			// Publisher errors are treated as "not yet offered"; the
			// transport is an external collaborator this coordinator
			// does not own (§7).
			c.logger.WithError(err).WithField("publisher", p.ID()).Warn("barrier: offer failed, will retry")
			remaining = append(remaining, p)
			continue
		}
		if n <= 0 {
			remaining = append(remaining, p)
		}
	}
	c.remBarriers = remaining

	if len(c.remBarriers) == 0 {
		c.offering = false
		c.opts = barrierOpts{}
		c.lastBarrierTime = time.Now()
		c.metrics.barriers.Add(1)
	}
	return nil
}

func (c *Coordinator) heartbeat(ctx context.Context) {
	for _, p := range c.publishers {
		p.Heartbeat(ctx)
	}
	c.lastHeartbeatTime = time.Now()
}
