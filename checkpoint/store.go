// Package checkpoint defines the CAS-versioned checkpoint store contract
// used by the Barrier Coordinator to persist where a job should resume
// from after a crash or reallocation.
package checkpoint

import (
	"context"
	"errors"
)

const Namespace = "checkpoint"

// ErrBadVersion is returned by Save when the caller's version no longer
// matches the stored version (someone else won the race). It is always
// non-fatal: the caller should log and keep its previously held version.
var ErrBadVersion = errors.New(Namespace + ": version conflict")

// ErrNotFound is returned by Load when no coordinate has ever been saved
// for the key.
var ErrNotFound = errors.New(Namespace + ": no coordinate stored")

// Coordinate identifies where a job should resume from.
type Coordinate struct {
	TenancyID       string
	JobID           string
	ReplicaVersion  int
	Epoch           int
}

// Key identifies a checkpoint record.
type Key struct {
	TenancyID string
	JobID     string
}

// Versioned pairs a Coordinate with the store's opaque version stamp.
type Versioned struct {
	Coordinate Coordinate
	Version    int64
}

// Store is the checkpoint store's external contract: a shared,
// strongly-consistent key/value service keyed by (tenancy-id, job-id)
// with optimistic-concurrency writes.
type Store interface {
	// Load returns the currently persisted coordinate and its version.
	// Returns ErrNotFound if nothing has ever been saved for key.
	Load(ctx context.Context, key Key) (Versioned, error)

	// Save attempts a compare-and-swap write: it succeeds only if the
	// store's current version for key still equals expectedVersion (or
	// the key does not exist yet and expectedVersion == 0). On success it
	// returns the new version. On a lost race it returns ErrBadVersion
	// and the caller keeps its previously held version.
	Save(ctx context.Context, key Key, coord Coordinate, expectedVersion int64) (int64, error)
}
