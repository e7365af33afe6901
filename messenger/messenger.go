// Package messenger defines the external contract for the transport that
// actually carries barriers between peers (spec.md §1 "the messaging
// transport... [is] out of scope"). The Barrier Coordinator owns exactly
// one Messenger per job and never shares its Publishers with another
// coordinator (§3 Ownership).
package messenger

import "context"

// Barrier is the control message a Publisher carries to its
// destinations, stamped with the coordinate it delimits.
type Barrier struct {
	ReplicaVersion int
	Epoch          int

	// RecoverCoordinates is set only on the first barrier of a new
	// replica-version, carrying the checkpoint to resume from.
	RecoverCoordinates *Coordinate

	// CheckpointedEpoch is set when this barrier also triggers a
	// checkpoint write, carrying the epoch that write attempted to
	// persist; it is set even when the write lost a CAS race.
	CheckpointedEpoch *int
}

// Coordinate mirrors checkpoint.Coordinate without importing package
// checkpoint, keeping this contract free of a dependency on a specific
// checkpoint-store implementation.
type Coordinate struct {
	TenancyID      string
	JobID          string
	ReplicaVersion int
	Epoch          int
}

// Publisher is one (task, site) publication target for a job's barrier
// protocol (§4.4 "Publications derivation").
type Publisher interface {
	// ID identifies this publisher for logging and rem-barriers bookkeeping.
	ID() string

	// Heartbeat reports whether the publisher's destination peers are
	// currently reachable. The main loop polls this before offering.
	Heartbeat(ctx context.Context) bool

	// Offer attempts to hand b to this publisher's destinations. A
	// strictly positive return is a successful offer; non-positive means
	// "not yet offered, retry on the next tick" (§4.4 "Resume offer").
	Offer(ctx context.Context, b Barrier) (int, error)

	// Close releases any resources held by this publisher.
	Close() error
}

// Messenger builds and owns the Publisher set for one job, rebuilt
// wholesale on every reallocation (§3 Ownership: "the Barrier
// Coordinator exclusively owns the messenger publishers for its job").
type Messenger interface {
	// SetPublications replaces the messenger's publisher set to match
	// pubs, closing any publishers no longer present.
	SetPublications(ctx context.Context, pubs []Publication) ([]Publisher, error)

	// Stop closes every publisher currently owned by this messenger.
	Stop() error
}

// Publication is one derived (task, site) publication descriptor
// (§4.4 "Publications derivation").
type Publication struct {
	Task         string
	Site         string
	SrcPeerID    string
	SlotID       int
	DstPeerIDs   []string
	ShortID      string
}
