package peer

import "errors"

const Namespace = "peer"

var (
	// ErrDuplicate is returned when a peer path is already registered.
	ErrDuplicate = errors.New(Namespace + ": peer already registered")

	// ErrNotFound is returned when a peer path is not registered.
	ErrNotFound = errors.New(Namespace + ": peer not found")

	// ErrInvalidTransition is returned when an operation would move a
	// peer between statuses that are not adjacent in the state machine
	// (idle -> acking -> active -> idle, or -> dead from any state).
	ErrInvalidTransition = errors.New(Namespace + ": invalid peer state transition")
)
