package logentry

import "github.com/flowmesh/coordinator/replica"

// Built-in command kinds applied by NewDefaultDispatcher. A concrete
// deployment may register additional kinds; the dispatch table is open.
const (
	KindJobPlanned         = "job-planned"
	KindJobCompleted       = "job-completed"
	KindCoordinatorElected = "coordinator-elected"
	KindTaskAllocated      = "task-allocated"
	KindTaskDeallocated    = "task-deallocated"
	KindShortIDAssigned    = "short-id-assigned"
)

// JobPlanned records a job's input-task set and workflow depth.
type JobPlanned struct {
	JobID         string
	InputTasks    []string
	WorkflowDepth int
}

func (JobPlanned) Kind() string { return KindJobPlanned }

func handleJobPlanned(b *replica.Builder, cmd Command) error {
	c := cmd.(JobPlanned)
	b.PlanJob(c.JobID, c.InputTasks, c.WorkflowDepth)
	return nil
}

// JobCompleted marks a job as fully complete.
type JobCompleted struct {
	JobID string
}

func (JobCompleted) Kind() string { return KindJobCompleted }

func handleJobCompleted(b *replica.Builder, cmd Command) error {
	b.CompleteJob(cmd.(JobCompleted).JobID)
	return nil
}

// CoordinatorElected names the peer responsible for driving a job's
// barrier protocol.
type CoordinatorElected struct {
	JobID  string
	PeerID string
}

func (CoordinatorElected) Kind() string { return KindCoordinatorElected }

func handleCoordinatorElected(b *replica.Builder, cmd Command) error {
	c := cmd.(CoordinatorElected)
	b.ElectCoordinator(c.JobID, c.PeerID)
	return nil
}

// TaskAllocated assigns a peer, co-located at site, to an input task.
type TaskAllocated struct {
	JobID  string
	Task   string
	PeerID string
	Site   string
}

func (TaskAllocated) Kind() string { return KindTaskAllocated }

func handleTaskAllocated(b *replica.Builder, cmd Command) error {
	c := cmd.(TaskAllocated)
	b.AllocateTask(c.JobID, c.Task, c.PeerID, c.Site)
	return nil
}

// TaskDeallocated removes a peer's allocation to an input task (e.g. on
// peer death).
type TaskDeallocated struct {
	JobID  string
	Task   string
	PeerID string
}

func (TaskDeallocated) Kind() string { return KindTaskDeallocated }

func handleTaskDeallocated(b *replica.Builder, cmd Command) error {
	c := cmd.(TaskDeallocated)
	b.DeallocateTask(c.JobID, c.Task, c.PeerID)
	return nil
}

// ShortIDAssigned records the compact identifier for one
// (peer-type, peer, job, task, slot) publication coordinate.
type ShortIDAssigned struct {
	Key replica.ShortIDKey
	ID  string
}

func (ShortIDAssigned) Kind() string { return KindShortIDAssigned }

func handleShortIDAssigned(b *replica.Builder, cmd Command) error {
	c := cmd.(ShortIDAssigned)
	b.SetShortID(c.Key, c.ID)
	return nil
}
