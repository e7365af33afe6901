// Package memcas is an in-memory checkpoint.Store fake used by tests and
// the demo composition root in place of a real etcd cluster.
package memcas

import (
	"context"
	"sync"

	"github.com/flowmesh/coordinator/checkpoint"
)

type record struct {
	coord   checkpoint.Coordinate
	version int64
}

// Store is a mutex-guarded in-memory implementation of checkpoint.Store.
type Store struct {
	mu      sync.Mutex
	records map[checkpoint.Key]record
}

// New constructs an empty Store.
func New() *Store {
	return &Store{records: make(map[checkpoint.Key]record)}
}

func (s *Store) Load(_ context.Context, key checkpoint.Key) (checkpoint.Versioned, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return checkpoint.Versioned{}, checkpoint.ErrNotFound
	}
	return checkpoint.Versioned{Coordinate: r.coord, Version: r.version}, nil
}

func (s *Store) Save(
	_ context.Context, key checkpoint.Key, coord checkpoint.Coordinate, expectedVersion int64,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.records[key]
	switch {
	case !exists && expectedVersion != 0:
		return 0, checkpoint.ErrBadVersion
	case exists && r.version != expectedVersion:
		return 0, checkpoint.ErrBadVersion
	}

	newVersion := expectedVersion + 1
	s.records[key] = record{coord: coord, version: newVersion}
	return newVersion, nil
}
