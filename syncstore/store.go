// Package syncstore defines the ephemeral, watchable key-value namespace
// contract used for peer liveness and task-assignment handshaking.
package syncstore

import (
	"context"
	"errors"
)

const Namespace = "syncstore"

var (
	// ErrNotFound is returned by read-place/delete when path does not exist.
	ErrNotFound = errors.New(Namespace + ": path not found")

	// ErrConflict is returned when an operation observes a concurrent
	// modification it cannot reconcile (e.g. a stale version on delete).
	ErrConflict = errors.New(Namespace + ": conflicting modification")
)

// Kind tags what a path was created for.
type Kind string

const (
	KindPeer       Kind = "peer"
	KindPulse      Kind = "pulse"
	KindShutdown   Kind = "shutdown"
	KindPayload    Kind = "payload"
	KindAck        Kind = "ack"
	KindStatus     Kind = "status"
	KindCompletion Kind = "completion"
)

// ChangeKind classifies a watch notification.
type ChangeKind string

const (
	ChangeWritten ChangeKind = "written"
	ChangeTouched ChangeKind = "touched"
	ChangeDeleted ChangeKind = "deleted"
)

// Event is delivered to an on-change callback.
type Event struct {
	Path string
	Kind ChangeKind
}

// WatchFunc receives Events for a watched path. It must not block for long;
// the store delivers events for a given path in write order but makes no
// ordering promise across paths.
type WatchFunc func(Event)

// Store is the sync store's external contract (§4.1).
type Store interface {
	// Create allocates a new unique path tagged with kind.
	Create(ctx context.Context, kind Kind) (string, error)

	// WritePlace idempotently writes value to path, creating it if absent.
	WritePlace(ctx context.Context, path string, value []byte) error

	// ReadPlace returns the value at path. Returns ErrNotFound if absent.
	ReadPlace(ctx context.Context, path string) ([]byte, error)

	// TouchPlace bumps path's version and fires watches, without changing
	// its stored value.
	TouchPlace(ctx context.Context, path string) error

	// Delete removes path. Returns ErrNotFound if absent. Firing watchers
	// observe a ChangeDeleted event.
	Delete(ctx context.Context, path string) error

	// OnChange registers a watch on path. The returned cancel func stops
	// the watch; it is always safe to call more than once.
	OnChange(ctx context.Context, path string, fn WatchFunc) (cancel func(), err error)
}
