package replica

// Builder accumulates command-log deltas into a mutable working copy of
// cluster state. It is owned by cluster.Supervisor, which touches it only
// while holding its own mutex, and is not safe for concurrent use;
// callers that need to hand the current state to other goroutines must
// take a Snapshot first.
type Builder struct {
	jobs     map[string]JobView
	shortIDs map[ShortIDKey]string
}

// NewBuilder constructs an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		jobs:     make(map[string]JobView),
		shortIDs: make(map[ShortIDKey]string),
	}
}

// Snapshot returns an immutable, deep-copied view of the builder's
// current state.
func (b *Builder) Snapshot() Replica {
	jobs := make(map[string]JobView, len(b.jobs))
	for id, j := range b.jobs {
		jobs[id] = j.clone()
	}
	shortIDs := make(map[ShortIDKey]string, len(b.shortIDs))
	for k, v := range b.shortIDs {
		shortIDs[k] = v
	}
	return Replica{Jobs: jobs, MessageShortIDs: shortIDs}
}

func (b *Builder) job(jobID string) JobView {
	j, ok := b.jobs[jobID]
	if !ok {
		j = JobView{ID: jobID, Allocations: make(map[string][]PeerAllocation)}
	}
	return j
}

// PlanJob installs the input-task set and workflow depth for a newly
// planned job, resetting its allocation-version to 0.
func (b *Builder) PlanJob(jobID string, inputTasks []string, workflowDepth int) {
	j := b.job(jobID)
	j.InputTasks = append([]string(nil), inputTasks...)
	j.WorkflowDepth = workflowDepth
	j.Completed = false
	j.AllocationVersion = 0
	if j.Allocations == nil {
		j.Allocations = make(map[string][]PeerAllocation)
	}
	b.jobs[jobID] = j
}

// CompleteJob marks jobID as completed.
func (b *Builder) CompleteJob(jobID string) {
	j := b.job(jobID)
	j.Completed = true
	b.jobs[jobID] = j
}

// Coordinator returns jobID's currently elected coordinator peer-id, or
// "" if none has been elected yet.
func (b *Builder) Coordinator(jobID string) string {
	return b.jobs[jobID].Coordinator
}

// ElectCoordinator sets jobID's elected coordinator peer and bumps its
// allocation-version, since a coordinator change is itself a change in
// allocation that per-peer election logic must observe (§4.4
// "Election/handoff").
func (b *Builder) ElectCoordinator(jobID, peerID string) {
	j := b.job(jobID)
	j.Coordinator = peerID
	j.AllocationVersion++
	b.jobs[jobID] = j
}

// AllocateTask assigns peerID (co-located at site) to task within jobID
// and bumps the job's allocation-version.
func (b *Builder) AllocateTask(jobID, task, peerID, site string) {
	j := b.job(jobID)
	if j.Allocations == nil {
		j.Allocations = make(map[string][]PeerAllocation)
	}
	for _, a := range j.Allocations[task] {
		if a.PeerID == peerID {
			return
		}
	}
	j.Allocations[task] = append(j.Allocations[task], PeerAllocation{PeerID: peerID, Site: site})
	j.AllocationVersion++
	b.jobs[jobID] = j
}

// DeallocateTask removes peerID from task's allocation within jobID (e.g.
// on peer death) and bumps the job's allocation-version.
func (b *Builder) DeallocateTask(jobID, task, peerID string) {
	j := b.job(jobID)
	allocs := j.Allocations[task]
	for i, a := range allocs {
		if a.PeerID == peerID {
			j.Allocations[task] = append(allocs[:i], allocs[i+1:]...)
			j.AllocationVersion++
			b.jobs[jobID] = j
			return
		}
	}
}

// SetShortID assigns the compact identifier for key.
func (b *Builder) SetShortID(key ShortIDKey, id string) {
	b.shortIDs[key] = id
}
