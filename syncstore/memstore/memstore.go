// Package memstore is an in-memory syncstore.Store fake used by Cluster
// and Barrier Coordinator tests in place of a real etcd cluster. Watch
// delivery is in order per watch (matching the per-path ordering
// guarantee of §4.1) via a dedicated goroutine per watch, fed by a
// buffered channel; events that arrive while that buffer is full are
// dropped.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flowmesh/coordinator/syncstore"
)

type watcher struct {
	events    chan syncstore.Event
	done      chan struct{}
	closeOnce sync.Once
}

// closeDone closes done at most once; cancel is the only caller, but a
// double cancel must still be safe.
func (w *watcher) closeDone() {
	w.closeOnce.Do(func() { close(w.done) })
}

type node struct {
	value    []byte
	watchers map[int]*watcher
}

// Store is a mutex-guarded in-memory implementation of syncstore.Store.
type Store struct {
	mu       sync.Mutex
	nodes    map[string]*node
	seq      atomic.Uint64
	watchSeq atomic.Int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{nodes: make(map[string]*node)}
}

func (s *Store) Create(_ context.Context, kind syncstore.Kind) (string, error) {
	id := s.seq.Add(1)
	path := fmt.Sprintf("/%s/%d", kind, id)

	s.mu.Lock()
	s.nodes[path] = &node{watchers: make(map[int]*watcher)}
	s.mu.Unlock()

	return path, nil
}

func (s *Store) WritePlace(_ context.Context, path string, value []byte) error {
	s.mu.Lock()
	n, ok := s.nodes[path]
	if !ok {
		n = &node{watchers: make(map[int]*watcher)}
		s.nodes[path] = n
	}
	// Copy rather than alias value: callers like cluster.writeOfferPayload
	// encode into a pooled *bytes.Buffer and return it to the pool right
	// after this call, so retaining value's backing array would let a
	// later, unrelated offer silently overwrite bytes already "durably"
	// written here (etcdstore has no such hazard since clientv3.Put
	// copies into the wire request).
	n.value = append([]byte(nil), value...)
	watchers := snapshotWatchers(n)
	s.mu.Unlock()

	notify(watchers, syncstore.Event{Path: path, Kind: syncstore.ChangeWritten})
	return nil
}

func (s *Store) ReadPlace(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		return nil, syncstore.ErrNotFound
	}
	return n.value, nil
}

func (s *Store) TouchPlace(_ context.Context, path string) error {
	s.mu.Lock()
	n, ok := s.nodes[path]
	if !ok {
		s.mu.Unlock()
		return syncstore.ErrNotFound
	}
	watchers := snapshotWatchers(n)
	s.mu.Unlock()

	notify(watchers, syncstore.Event{Path: path, Kind: syncstore.ChangeTouched})
	return nil
}

func (s *Store) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	n, ok := s.nodes[path]
	if !ok {
		s.mu.Unlock()
		return syncstore.ErrNotFound
	}
	delete(s.nodes, path)
	watchers := snapshotWatchers(n)
	s.mu.Unlock()

	// Deliver the deletion before tearing anything down: closing a
	// watcher's done here would race its dispatch goroutine's select
	// against the just-sent event (both become ready together, and Go
	// picks uniformly at random), silently dropping the very event a
	// caller like cluster.handleBirth's pulse watch depends on. Watcher
	// goroutines are instead stopped only by the caller's own cancel
	// func, returned from OnChange.
	notify(watchers, syncstore.Event{Path: path, Kind: syncstore.ChangeDeleted})
	return nil
}

func (s *Store) OnChange(_ context.Context, path string, fn syncstore.WatchFunc) (func(), error) {
	s.mu.Lock()
	n, ok := s.nodes[path]
	if !ok {
		s.mu.Unlock()
		return nil, syncstore.ErrNotFound
	}

	id := int(s.watchSeq.Add(1))
	w := &watcher{events: make(chan syncstore.Event, 64), done: make(chan struct{})}
	n.watchers[id] = w
	s.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.events:
				if !ok {
					return
				}
				fn(ev)
			case <-w.done:
				return
			}
		}
	}()

	cancel := func() {
		s.mu.Lock()
		if n, ok := s.nodes[path]; ok {
			delete(n.watchers, id)
		}
		s.mu.Unlock()
		w.closeDone()
	}
	return cancel, nil
}

func snapshotWatchers(n *node) []*watcher {
	out := make([]*watcher, 0, len(n.watchers))
	for _, w := range n.watchers {
		out = append(out, w)
	}
	return out
}

// notify delivers ev to each watcher without blocking the caller; a
// watcher that cannot keep up drops the event, matching the bounded,
// drop-on-backpressure fan-out used throughout this module (§5).
func notify(watchers []*watcher, ev syncstore.Event) {
	for _, w := range watchers {
		select {
		case w.events <- ev:
		default:
		}
	}
}
