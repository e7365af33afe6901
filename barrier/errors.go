package barrier

import "errors"

const Namespace = "barrier"

// ErrUnknownJob is returned when a replica snapshot carries no view for
// a coordinator's job id.
var ErrUnknownJob = errors.New(Namespace + ": job not present in replica snapshot")

// ShutdownReason is carried on shutdown-ch (spec.md §4.4 "a
// scheduler-event reason").
type ShutdownReason string

const (
	// ShutdownRescheduled is used by Registry when a job's replica names a
	// different coordinator peer (§4.4 "Election/handoff":
	// "(started?, ¬start?) → stop(:rescheduled)").
	ShutdownRescheduled ShutdownReason = "rescheduled"

	// ShutdownRequested is used for an explicit, externally requested stop
	// (e.g. composition-root teardown).
	ShutdownRequested ShutdownReason = "requested"
)
