package cluster

import "errors"

const Namespace = "cluster"

// ErrUnknownPath is reported on failure-mult when an ack or completion
// touch arrives for a path this Supervisor never offered.
var ErrUnknownPath = errors.New(Namespace + ": path not associated with any offered peer")
