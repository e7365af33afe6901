package job

import "errors"

const Namespace = "job"

var (
	// ErrInvalidWorkflow is returned when a workflow is empty or contains
	// a cycle (the DAG invariant is violated).
	ErrInvalidWorkflow = errors.New(Namespace + ": invalid workflow")
)
