package memdbstore

import (
	memdb "github.com/hashicorp/go-memdb"
)

// peerRecord is the go-memdb row shadowing peer.Peer, with an extra
// offer deadline recorded by MarkOffered; nothing in the module reads it
// back to expire offers.
type peerRecord struct {
	Path           string
	PulsePath      string
	ShutdownPath   string
	Status         string
	Task           string
	PayloadPath    string
	AckPath        string
	StatusPath     string
	CompletionPath string
	OfferDeadline  int64 // unix nanos; zero when not offered
}

// taskRecord is the go-memdb row shadowing job.Task, scoped to its
// owning job.
type taskRecord struct {
	JobID         string
	ID            string
	Name          string
	Phase         int
	IngressQueues []string
	EgressQueues  []string
	Complete      bool
	AssignedPeer  string // peer path, empty when unassigned
}

// jobRecord carries the job's static catalog/workflow plus completion.
type jobRecord struct {
	ID                string
	CatalogJSON       []byte
	WorkflowJSON      []byte
	AllocationVersion int
	Completed         bool
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"peer": {
				Name: "peer",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Path"},
					},
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			"job": {
				Name: "job",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			"task": {
				Name: "task",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "JobID"},
								&memdb.StringFieldIndex{Field: "ID"},
							},
						},
					},
					"job": {
						Name:    "job",
						Indexer: &memdb.StringFieldIndex{Field: "JobID"},
					},
				},
			},
		},
	}
}
