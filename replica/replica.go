// Package replica holds the deterministic, read-only view of cluster
// state that the Per-Job Barrier Coordinator is driven from: per-job
// coordinator election, allocation-version, completion, the input-task
// set, and the peer-to-site allocation used to derive publications.
// The view is produced by applying a log of commands (package logentry)
// to a Builder; Builder.Snapshot hands out an immutable copy safe to
// pass across goroutines on a channel.
package replica

// PeerAllocation is one peer assigned to an input task, grouped by its
// co-location site for publication derivation (§4.4).
type PeerAllocation struct {
	PeerID string
	Site   string
}

// ShortIDKey indexes the replica's message-short-ids table, used to
// resolve a compact identifier for a publication's (peer-type, peer,
// job, task, slot) coordinate.
type ShortIDKey struct {
	PeerType string
	PeerID   string
	JobID    string
	Task     string
	SlotID   int
}

// JobView is the per-job slice of replica state.
type JobView struct {
	ID                string
	Coordinator       string
	AllocationVersion int
	Completed         bool
	WorkflowDepth     int
	InputTasks        []string
	Allocations       map[string][]PeerAllocation // task name -> allocated peers
}

func (j JobView) clone() JobView {
	out := j
	if j.InputTasks != nil {
		out.InputTasks = append([]string(nil), j.InputTasks...)
	}
	if j.Allocations != nil {
		out.Allocations = make(map[string][]PeerAllocation, len(j.Allocations))
		for task, allocs := range j.Allocations {
			out.Allocations[task] = append([]PeerAllocation(nil), allocs...)
		}
	}
	return out
}

// Replica is an immutable snapshot of cluster state for one point in the
// command log. Safe to share across goroutines; callers never mutate it.
type Replica struct {
	Jobs            map[string]JobView
	MessageShortIDs map[ShortIDKey]string
}

// Job returns the view for jobID, if known.
func (r Replica) Job(jobID string) (JobView, bool) {
	j, ok := r.Jobs[jobID]
	return j, ok
}

// Coordinator returns the peer-id elected to coordinate jobID's barrier
// protocol, or "" if the job is unknown or has no elected coordinator.
func (r Replica) Coordinator(jobID string) string {
	return r.Jobs[jobID].Coordinator
}

// ShortID resolves key to its compact identifier, if assigned.
func (r Replica) ShortID(key ShortIDKey) (string, bool) {
	id, ok := r.MessageShortIDs[key]
	return id, ok
}
