package cluster

import (
	"github.com/flowmesh/coordinator/factstore"
	"github.com/flowmesh/coordinator/job"
)

// FailureKind classifies a failure-mult event (§7).
type FailureKind string

const (
	FailureKindPeerBirth FailureKind = "peer-birth"
	FailureKindPeerDeath FailureKind = "peer-death"
	FailureKindAck       FailureKind = "ack"
	FailureKindComplete  FailureKind = "complete"
)

// FailureEvent is delivered on failure-mult for every rejected
// transaction (§7 "all coordinator errors are reported, never thrown").
type FailureEvent struct {
	Kind FailureKind
	Path string
	Err  error
}

// OfferEvent is delivered on offer-mult after a successful offer
// transaction, carrying enough detail for a subscriber to locate the
// peer's new payload node without a separate fact-store lookup.
type OfferEvent struct {
	Tx    factstore.TxID
	Peer  string
	Task  string
	Nodes OfferNodes
}

// AckEvent is delivered on ack-mult after a successful ack transaction.
type AckEvent struct {
	Tx   factstore.TxID
	Path string
}

// CompletionEvent is delivered on completion-mult after a successful
// completion transaction.
type CompletionEvent struct {
	Tx   factstore.TxID
	Path string
}

// EvictEvent is delivered on evict-mult when a peer is evicted (death or
// revoke cascade).
type EvictEvent struct {
	Path string
}

// ShutdownEvent is delivered on shutdown-mult alongside every EvictEvent.
type ShutdownEvent struct {
	Path string
}

// Registration is the payload a peer writes to its own sync-store path
// before sending that path on born-peer-ch (§6 "Peer registration").
type Registration struct {
	Pulse    string `json:"pulse"`
	Shutdown string `json:"shutdown"`
	Payload  string `json:"payload,omitempty"`

	// Site is the peer's co-location key, used to group allocated peers
	// for publication derivation (§4.4). Defaults to the peer's own path
	// (i.e. every peer its own site) when empty.
	Site string `json:"site,omitempty"`
}

// PlanRequest is sent on planning-ch by the external client API.
type PlanRequest struct {
	Catalog  job.Catalog
	Workflow job.Workflow

	// Result, if non-nil, receives exactly one PlanResult. Callers that
	// don't need the job id synchronously may leave it nil.
	Result chan<- PlanResult
}

// PlanResult is the outcome of a PlanRequest.
type PlanResult struct {
	JobID string
	Err   error
}

// OfferNodes mirrors the "nodes" map written to a payload node after a
// successful offer (§6 "Payload node contents").
type OfferNodes struct {
	Payload    string       `json:"payload"`
	Ack        string       `json:"ack"`
	Completion string       `json:"completion"`
	Status     string       `json:"status"`
	Catalog    job.Catalog  `json:"catalog"`
	Workflow   job.Workflow `json:"workflow"`
	Peer       string       `json:"peer"`
}

// OfferPayload is the JSON body written to a peer's payload node.
type OfferPayload struct {
	Task  job.Task   `json:"task"`
	Nodes OfferNodes `json:"nodes"`
}

// jobTask records which (job, task) a peer currently holds, so that
// death/revoke can retract the allocation from the replica view without
// scanning the fact store.
type jobTask struct {
	JobID string
	Task  string
}
