// Package factstore defines the durable, transactional fact base that
// backs the Cluster Coordinator's view of peers and jobs. Writes are
// transactions that commit atomically; reads can be pinned to a
// snapshot (as-of a transaction ID) or replayed as a history of facts
// about a single peer or job.
package factstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowmesh/coordinator/engine"
	"github.com/flowmesh/coordinator/job"
	"github.com/flowmesh/coordinator/peer"
)

const Namespace = "factstore"

var (
	// ErrNotFound is returned when a lookup finds no matching entity.
	ErrNotFound = errors.New(Namespace + ": entity not found")

	// ErrInvalidTransition is returned when an operation would violate
	// the peer or job state machine (e.g. acking a peer that is dead).
	ErrInvalidTransition = errors.New(Namespace + ": invalid state transition")

	// ErrAlreadyExists is returned by mark-peer-born for a path already
	// known to the store.
	ErrAlreadyExists = errors.New(Namespace + ": entity already exists")
)

// TagFailure wraps err, the outcome of op against path, with path as
// correlation metadata (§7): failure-mult consumers can
// engine.ExtractPath(err) for structured detail instead of parsing the
// path out of the error string; op appears only in the error message.
func TagFailure(op, path string, err error) error {
	return engine.NewEventTaggedError(fmt.Errorf("%s: %s: %w", Namespace, op, err), path)
}

// TxID identifies a committed transaction. TxIDs are monotonically
// increasing within a single store instance and may be used with AsOf
// to pin a read to the database as it existed immediately after that
// transaction committed.
type TxID uint64

// Snapshot is a read-only, point-in-time view of the store.
type Snapshot interface {
	// Peer returns the peer at path as of this snapshot.
	Peer(path string) (peer.Peer, bool)

	// Peers returns every peer known as of this snapshot.
	Peers() []peer.Peer

	// Job returns the job with id as of this snapshot.
	Job(id string) (job.Job, bool)

	// Jobs returns every job known as of this snapshot.
	Jobs() []job.Job
}

// Store is the fact store's external contract (§4.2). Every mutating
// method is one durable operation; implementations must apply each as
// a single atomic transaction.
type Store interface {
	// DB returns the current snapshot.
	DB() Snapshot

	// AsOf returns the snapshot as it existed immediately after tx
	// committed. Returns ErrNotFound if tx is unknown or has been
	// pruned from history.
	AsOf(tx TxID) (Snapshot, error)

	// History returns, oldest first, every transaction that touched
	// the peer at path. The list is not pruned, so it can name
	// transactions whose snapshots AsOf no longer holds.
	History(path string) ([]TxID, error)

	// MarkPeerBorn registers a new peer at path, in StatusIdle.
	MarkPeerBorn(ctx context.Context, p peer.Peer) (TxID, error)

	// MarkPeerDead transitions the peer at path to StatusDead and
	// retracts its ephemeral node paths (§9).
	MarkPeerDead(ctx context.Context, path string) (TxID, error)

	// PlanJob installs a job's task plan, replacing any prior plan.
	PlanJob(ctx context.Context, j job.Job) (TxID, error)

	// NextTask returns the next unassigned, phase-ready task for job
	// jobID, or ErrNotFound if none is currently ready.
	NextTask(jobID string) (job.Task, error)

	// IdlePeer returns an arbitrary peer in StatusIdle, or ErrNotFound
	// if none exists.
	IdlePeer() (peer.Peer, error)

	// MarkOffered transitions the peer at path to StatusAcking and
	// records the offered task and deadline. The store does not expire
	// the offer when the deadline passes.
	MarkOffered(ctx context.Context, path string, task job.Task, deadline time.Time) (TxID, error)

	// Ack transitions the peer at path from StatusAcking to
	// StatusActive. Returns ErrInvalidTransition if the peer is not
	// currently in StatusAcking.
	Ack(ctx context.Context, path string) (TxID, error)

	// Complete marks the task assigned to the peer at path as done,
	// returns the peer to StatusIdle, and retracts its per-assignment
	// node paths (§9).
	Complete(ctx context.Context, path string) (TxID, error)
}
