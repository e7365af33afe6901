// Package peer defines the Peer entity and its node paths: the durable
// fact shape owned by the fact store, and the ephemeral sync-store paths
// (pulse, shutdown, payload, ack, status, completion) that carry a peer's
// liveness and task assignment.
package peer

// Status is the lifecycle state of a Peer.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusAcking Status = "acking"
	StatusActive Status = "active"
	StatusDead   Status = "dead"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusAcking, StatusActive, StatusDead:
		return true
	default:
		return false
	}
}

// NodePaths are the sync-store paths associated with an offered task.
// All four are allocated together by the Cluster Coordinator's offer
// handler and written into the peer's payload node.
type NodePaths struct {
	Payload    string
	Ack        string
	Status     string
	Completion string
}

// Empty reports whether no node paths have been assigned (peer is idle).
func (n NodePaths) Empty() bool {
	return n == NodePaths{}
}

// Peer is the durable fact-store record for a registered worker process.
type Peer struct {
	// Path is the peer's own sync-store path, used as its identity.
	Path string

	// PulsePath is the ephemeral path whose existence means the peer is
	// alive; its deletion is observed by the Cluster Coordinator and
	// forwarded to dead-peer-ch.
	PulsePath string

	// ShutdownPath is written to by the coordinator to signal the peer to
	// stop (e.g. after an eviction).
	ShutdownPath string

	Status Status

	// Task is the ID of the task currently assigned to this peer, or
	// "" if idle. At most one peer may hold a given task in
	// {acking, active} at a time (enforced by the fact store).
	Task string

	Nodes NodePaths
}

// Assignable reports whether the peer can receive a new offer.
func (p Peer) Assignable() bool {
	return p.Status == StatusIdle
}
