// Package job holds the Job/Task/Catalog/Workflow data model and the
// planning algorithm that turns a catalog + workflow DAG into a concrete
// set of phased tasks with derived ingress/egress queue names.
package job

// TaskType mirrors the onyx/type field of a catalog entry.
type TaskType string

const (
	TaskTypeQueue       TaskType = "queue"
	TaskTypeTransformer TaskType = "transformer"
)

// Direction mirrors the onyx/direction field, meaningful only when
// Type == TaskTypeQueue.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// TaskDescriptor is one entry of a job's catalog. The coordinator only
// inspects Name/Type/Direction/QueueMedium/QueueName; Consumption is
// opaque and passed through unchanged to the peer's payload node.
type TaskDescriptor struct {
	Name        string
	Type        TaskType
	Direction   Direction // only meaningful when Type == TaskTypeQueue
	QueueMedium string    // only meaningful when Type == TaskTypeQueue
	QueueName   string    // only meaningful when Type == TaskTypeQueue
	Consumption map[string]any
}

// Catalog is the list of task descriptors submitted with a job.
type Catalog []TaskDescriptor

// Workflow is a DAG: src -> set of dst. Sources with no incoming edges are
// inputs; sinks with no outgoing edges are outputs.
type Workflow map[string]map[string]struct{}

// Task is a planned, concrete unit of work belonging to a Job.
type Task struct {
	ID             string
	Name           string
	Phase          int
	IngressQueues  []string
	EgressQueues   []string
	Complete       bool
}

// Job is the durable fact-store record for a submitted workflow.
type Job struct {
	ID              string
	Catalog         Catalog
	Workflow        Workflow
	AllocationVersion int
	Completed       bool
	Tasks           []Task
}
