// Package memdbstore implements factstore.Store on top of
// hashicorp/go-memdb, an in-memory, MVCC, radix-tree-backed database.
// go-memdb gives us snapshot isolation and watch channels for free, but
// has no notion of a monotonic transaction identity or bounded history
// replay; this package adds a small amount of bookkeeping (a tx-id
// counter plus a bounded ring of retained snapshots) around the store
// to supply History/AsOf without reimplementing memdb's MVCC core.
package memdbstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/flowmesh/coordinator/factstore"
	"github.com/flowmesh/coordinator/job"
	"github.com/flowmesh/coordinator/peer"
)

// Store is a factstore.Store backed by an in-process go-memdb database.
type Store struct {
	mu sync.Mutex

	db *memdb.MemDB

	historyDepth int
	nextTx       uint64
	snapshots    map[factstore.TxID]*memdb.MemDB
	order        []factstore.TxID
	pathHistory  map[string][]factstore.TxID
}

// New constructs an empty Store retaining snapshots of the most recent
// historyDepth transactions, store-wide, for AsOf. The per-path
// transaction lists behind History are not pruned.
func New(historyDepth int) (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("%s: init: %w", factstore.Namespace, err)
	}
	return &Store{
		db:           db,
		historyDepth: historyDepth,
		snapshots:    make(map[factstore.TxID]*memdb.MemDB),
		pathHistory:  make(map[string][]factstore.TxID),
	}, nil
}

// commit snapshots the database after a successful write, assigning it
// the next transaction ID and recording it against touchedPaths for
// History lookups. Must be called with s.mu held.
func (s *Store) commit(touchedPaths ...string) factstore.TxID {
	s.nextTx++
	tx := factstore.TxID(s.nextTx)

	snap := s.db.Snapshot()
	s.snapshots[tx] = snap
	s.order = append(s.order, tx)

	for _, p := range touchedPaths {
		if p == "" {
			continue
		}
		s.pathHistory[p] = append(s.pathHistory[p], tx)
	}

	if len(s.order) > s.historyDepth {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.snapshots, evict)
	}
	return tx
}

func (s *Store) DB() factstore.Snapshot {
	s.mu.Lock()
	db := s.db.Snapshot()
	s.mu.Unlock()
	return snapshot{db: db}
}

func (s *Store) AsOf(tx factstore.TxID) (factstore.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, ok := s.snapshots[tx]
	if !ok {
		return nil, factstore.ErrNotFound
	}
	return snapshot{db: db}, nil
}

func (s *Store) History(path string) ([]factstore.TxID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist, ok := s.pathHistory[path]
	if !ok {
		return nil, factstore.ErrNotFound
	}
	out := make([]factstore.TxID, len(hist))
	copy(out, hist)
	return out, nil
}

func (s *Store) MarkPeerBorn(_ context.Context, p peer.Peer) (factstore.TxID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First("peer", "id", p.Path); err != nil {
		return 0, fmt.Errorf("%s: mark-peer-born: %w", factstore.Namespace, err)
	} else if existing != nil {
		return 0, factstore.TagFailure("mark-peer-born", p.Path, factstore.ErrAlreadyExists)
	}

	p.Status = peer.StatusIdle
	if err := txn.Insert("peer", peerToRow(p)); err != nil {
		return 0, fmt.Errorf("%s: mark-peer-born: %w", factstore.Namespace, err)
	}
	txn.Commit()

	return s.commit(p.Path), nil
}

func (s *Store) MarkPeerDead(_ context.Context, path string) (factstore.TxID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	row, err := txn.First("peer", "id", path)
	if err != nil {
		return 0, fmt.Errorf("%s: mark-peer-dead: %w", factstore.Namespace, err)
	}
	if row == nil {
		return 0, factstore.TagFailure("mark-peer-dead", path, factstore.ErrNotFound)
	}
	r := row.(*peerRecord)
	if peer.Status(r.Status) == peer.StatusDead {
		return 0, factstore.TagFailure("mark-peer-dead", path, factstore.ErrNotFound)
	}

	updated := *r
	updated.Status = string(peer.StatusDead)
	updated.Task = ""
	updated.OfferDeadline = 0
	// Retract this peer's ephemeral assignment paths; it can no longer
	// be offered or acked into (§9).
	updated.PayloadPath = ""
	updated.AckPath = ""
	updated.StatusPath = ""
	updated.CompletionPath = ""

	if err := txn.Insert("peer", &updated); err != nil {
		return 0, fmt.Errorf("%s: mark-peer-dead: %w", factstore.Namespace, err)
	}
	txn.Commit()

	return s.commit(path), nil
}

func (s *Store) PlanJob(_ context.Context, j job.Job) (factstore.TxID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := jobToRow(j)
	if err != nil {
		return 0, fmt.Errorf("%s: plan-job: %w", factstore.Namespace, err)
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll("task", "job", j.ID); err != nil {
		return 0, fmt.Errorf("%s: plan-job: clear tasks: %w", factstore.Namespace, err)
	}
	if err := txn.Insert("job", row); err != nil {
		return 0, fmt.Errorf("%s: plan-job: %w", factstore.Namespace, err)
	}
	for _, t := range j.Tasks {
		if err := txn.Insert("task", taskToRow(j.ID, t)); err != nil {
			return 0, fmt.Errorf("%s: plan-job: insert task: %w", factstore.Namespace, err)
		}
	}
	txn.Commit()

	return s.commit(j.ID), nil
}

func (s *Store) NextTask(jobID string) (job.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(false)

	it, err := txn.Get("task", "job", jobID)
	if err != nil {
		return job.Task{}, fmt.Errorf("%s: next-task: %w", factstore.Namespace, err)
	}

	var rows []*taskRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rows = append(rows, raw.(*taskRecord))
	}
	if len(rows) == 0 {
		return job.Task{}, factstore.ErrNotFound
	}

	// A phase is fully done only when every task in it is complete.
	phaseDone := make(map[int]bool)
	phaseTotal := make(map[int]int)
	phaseComplete := make(map[int]int)
	for _, t := range rows {
		phaseTotal[t.Phase]++
		if t.Complete {
			phaseComplete[t.Phase]++
		}
	}
	for phase, total := range phaseTotal {
		phaseDone[phase] = phaseComplete[phase] == total
	}

	for _, t := range rows {
		if t.Complete || t.AssignedPeer != "" {
			continue
		}
		ready := true
		for phase, done := range phaseDone {
			if phase < t.Phase && !done {
				ready = false
				break
			}
		}
		if ready {
			return rowToTask(t), nil
		}
	}
	return job.Task{}, factstore.ErrNotFound
}

func (s *Store) IdlePeer() (peer.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(false)
	row, err := txn.First("peer", "status", string(peer.StatusIdle))
	if err != nil {
		return peer.Peer{}, fmt.Errorf("%s: idle-peer: %w", factstore.Namespace, err)
	}
	if row == nil {
		return peer.Peer{}, factstore.ErrNotFound
	}
	return rowToPeer(row.(*peerRecord)), nil
}

func (s *Store) MarkOffered(_ context.Context, path string, task job.Task, deadline time.Time) (factstore.TxID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	row, err := txn.First("peer", "id", path)
	if err != nil {
		return 0, fmt.Errorf("%s: mark-offered: %w", factstore.Namespace, err)
	}
	if row == nil {
		return 0, factstore.ErrNotFound
	}
	r := row.(*peerRecord)
	if peer.Status(r.Status) != peer.StatusIdle {
		return 0, factstore.ErrInvalidTransition
	}

	updated := *r
	updated.Status = string(peer.StatusAcking)
	updated.Task = task.ID
	updated.OfferDeadline = deadline.UnixNano()
	if err := txn.Insert("peer", &updated); err != nil {
		return 0, fmt.Errorf("%s: mark-offered: %w", factstore.Namespace, err)
	}

	if tr := findTaskByID(txn, task.ID); tr != nil {
		updatedTask := *tr
		updatedTask.AssignedPeer = path
		if err := txn.Insert("task", &updatedTask); err != nil {
			return 0, fmt.Errorf("%s: mark-offered: assign task: %w", factstore.Namespace, err)
		}
	}

	txn.Commit()
	return s.commit(path), nil
}

func (s *Store) Ack(_ context.Context, path string) (factstore.TxID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	row, err := txn.First("peer", "id", path)
	if err != nil {
		return 0, fmt.Errorf("%s: ack: %w", factstore.Namespace, err)
	}
	if row == nil {
		return 0, factstore.TagFailure("ack", path, factstore.ErrNotFound)
	}
	r := row.(*peerRecord)
	if peer.Status(r.Status) != peer.StatusAcking {
		return 0, factstore.TagFailure("ack", path, factstore.ErrInvalidTransition)
	}

	updated := *r
	updated.Status = string(peer.StatusActive)
	updated.OfferDeadline = 0
	if err := txn.Insert("peer", &updated); err != nil {
		return 0, fmt.Errorf("%s: ack: %w", factstore.Namespace, err)
	}
	txn.Commit()

	return s.commit(path), nil
}

func (s *Store) Complete(_ context.Context, path string) (factstore.TxID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	row, err := txn.First("peer", "id", path)
	if err != nil {
		return 0, fmt.Errorf("%s: complete: %w", factstore.Namespace, err)
	}
	if row == nil {
		return 0, factstore.TagFailure("complete", path, factstore.ErrNotFound)
	}
	r := row.(*peerRecord)
	if peer.Status(r.Status) != peer.StatusActive {
		return 0, factstore.TagFailure("complete", path, factstore.ErrInvalidTransition)
	}

	// Locate the task this peer was assigned, across jobs, by scanning
	// its assigned-peer field; the task id alone does not disambiguate
	// across jobs in the compound index.
	jobID := ""
	it, err := txn.Get("task", "id")
	if err != nil {
		return 0, fmt.Errorf("%s: complete: scan tasks: %w", factstore.Namespace, err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		tr := raw.(*taskRecord)
		if tr.AssignedPeer == path {
			updatedTask := *tr
			updatedTask.Complete = true
			updatedTask.AssignedPeer = ""
			if err := txn.Insert("task", &updatedTask); err != nil {
				return 0, fmt.Errorf("%s: complete: update task: %w", factstore.Namespace, err)
			}
			jobID = tr.JobID
			break
		}
	}

	updated := *r
	updated.Status = string(peer.StatusIdle)
	updated.Task = ""
	// Retract this peer's per-assignment ephemeral node paths now that
	// the assignment is done (§9): payload, ack, status, completion.
	updated.PayloadPath = ""
	updated.AckPath = ""
	updated.StatusPath = ""
	updated.CompletionPath = ""
	if err := txn.Insert("peer", &updated); err != nil {
		return 0, fmt.Errorf("%s: complete: %w", factstore.Namespace, err)
	}

	if jobID != "" {
		if jrow, err := txn.First("job", "id", jobID); err == nil && jrow != nil {
			jr := *jrow.(*jobRecord)
			if allTasksComplete(txn, jobID) {
				jr.Completed = true
				if err := txn.Insert("job", &jr); err != nil {
					return 0, fmt.Errorf("%s: complete: update job: %w", factstore.Namespace, err)
				}
			}
		}
	}

	txn.Commit()
	return s.commit(path), nil
}

// findTaskByID scans the task table for a row with the given task ID.
// The task table's unique index is compound on (JobID, ID); callers
// that only have an ID, not its owning job, must scan.
func findTaskByID(txn *memdb.Txn, id string) *taskRecord {
	it, err := txn.Get("task", "id")
	if err != nil {
		return nil
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if tr := raw.(*taskRecord); tr.ID == id {
			return tr
		}
	}
	return nil
}

func allTasksComplete(txn *memdb.Txn, jobID string) bool {
	it, err := txn.Get("task", "job", jobID)
	if err != nil {
		return false
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if !raw.(*taskRecord).Complete {
			return false
		}
	}
	return true
}

// snapshot is a factstore.Snapshot backed by one immutable memdb
// generation, read via a read-only transaction.
type snapshot struct {
	db *memdb.MemDB
}

func (s snapshot) Peer(path string) (peer.Peer, bool) {
	txn := s.db.Txn(false)
	row, err := txn.First("peer", "id", path)
	if err != nil || row == nil {
		return peer.Peer{}, false
	}
	return rowToPeer(row.(*peerRecord)), true
}

func (s snapshot) Peers() []peer.Peer {
	txn := s.db.Txn(false)
	it, err := txn.Get("peer", "id")
	if err != nil {
		return nil
	}
	var out []peer.Peer
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, rowToPeer(raw.(*peerRecord)))
	}
	return out
}

func (s snapshot) Job(id string) (job.Job, bool) {
	txn := s.db.Txn(false)
	row, err := txn.First("job", "id", id)
	if err != nil || row == nil {
		return job.Job{}, false
	}
	j, err := rowToJob(row.(*jobRecord))
	if err != nil {
		return job.Job{}, false
	}
	j.Tasks = tasksForJob(txn, id)
	return j, true
}

func (s snapshot) Jobs() []job.Job {
	txn := s.db.Txn(false)
	it, err := txn.Get("job", "id")
	if err != nil {
		return nil
	}
	var out []job.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		jr := raw.(*jobRecord)
		j, err := rowToJob(jr)
		if err != nil {
			continue
		}
		j.Tasks = tasksForJob(txn, jr.ID)
		out = append(out, j)
	}
	return out
}

func tasksForJob(txn *memdb.Txn, jobID string) []job.Task {
	it, err := txn.Get("task", "job", jobID)
	if err != nil {
		return nil
	}
	var out []job.Task
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, rowToTask(raw.(*taskRecord)))
	}
	return out
}

func peerToRow(p peer.Peer) *peerRecord {
	return &peerRecord{
		Path:           p.Path,
		PulsePath:      p.PulsePath,
		ShutdownPath:   p.ShutdownPath,
		Status:         string(p.Status),
		Task:           p.Task,
		PayloadPath:    p.Nodes.Payload,
		AckPath:        p.Nodes.Ack,
		StatusPath:     p.Nodes.Status,
		CompletionPath: p.Nodes.Completion,
	}
}

func rowToPeer(r *peerRecord) peer.Peer {
	return peer.Peer{
		Path:         r.Path,
		PulsePath:    r.PulsePath,
		ShutdownPath: r.ShutdownPath,
		Status:       peer.Status(r.Status),
		Task:         r.Task,
		Nodes: peer.NodePaths{
			Payload:    r.PayloadPath,
			Ack:        r.AckPath,
			Status:     r.StatusPath,
			Completion: r.CompletionPath,
		},
	}
}

func taskToRow(jobID string, t job.Task) *taskRecord {
	return &taskRecord{
		JobID:         jobID,
		ID:            t.ID,
		Name:          t.Name,
		Phase:         t.Phase,
		IngressQueues: t.IngressQueues,
		EgressQueues:  t.EgressQueues,
		Complete:      t.Complete,
	}
}

func rowToTask(r *taskRecord) job.Task {
	return job.Task{
		ID:            r.ID,
		Name:          r.Name,
		Phase:         r.Phase,
		IngressQueues: r.IngressQueues,
		EgressQueues:  r.EgressQueues,
		Complete:      r.Complete,
	}
}

func jobToRow(j job.Job) (*jobRecord, error) {
	catalogJSON, err := json.Marshal(j.Catalog)
	if err != nil {
		return nil, err
	}
	workflowJSON, err := json.Marshal(j.Workflow)
	if err != nil {
		return nil, err
	}
	return &jobRecord{
		ID:                j.ID,
		CatalogJSON:       catalogJSON,
		WorkflowJSON:      workflowJSON,
		AllocationVersion: j.AllocationVersion,
		Completed:         j.Completed,
	}, nil
}

func rowToJob(r *jobRecord) (job.Job, error) {
	var catalog job.Catalog
	if err := json.Unmarshal(r.CatalogJSON, &catalog); err != nil {
		return job.Job{}, err
	}
	var workflow job.Workflow
	if err := json.Unmarshal(r.WorkflowJSON, &workflow); err != nil {
		return job.Job{}, err
	}
	return job.Job{
		ID:                r.ID,
		Catalog:           catalog,
		Workflow:          workflow,
		AllocationVersion: r.AllocationVersion,
		Completed:         r.Completed,
	}, nil
}
