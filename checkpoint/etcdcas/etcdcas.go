// Package etcdcas implements checkpoint.Store on top of an etcd cluster,
// using a transactional compare on the key's mod-revision as the
// optimistic-concurrency CAS primitive.
package etcdcas

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/flowmesh/coordinator/checkpoint"
)

// Store is a checkpoint.Store backed by an etcd client. All coordinates
// for a given Prefix live under keys derived from checkpoint.Key.
type Store struct {
	client *clientv3.Client
	prefix string
}

// New constructs a Store using client, namespacing all keys under prefix
// (typically the deployment's tenancy root).
func New(client *clientv3.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k checkpoint.Key) string {
	return fmt.Sprintf("%s/checkpoints/%s/%s", s.prefix, k.TenancyID, k.JobID)
}

func (s *Store) Load(ctx context.Context, key checkpoint.Key) (checkpoint.Versioned, error) {
	resp, err := s.client.Get(ctx, s.key(key))
	if err != nil {
		return checkpoint.Versioned{}, fmt.Errorf("%s: get: %w", checkpoint.Namespace, err)
	}
	if len(resp.Kvs) == 0 {
		return checkpoint.Versioned{}, checkpoint.ErrNotFound
	}

	var coord checkpoint.Coordinate
	if err := json.Unmarshal(resp.Kvs[0].Value, &coord); err != nil {
		return checkpoint.Versioned{}, fmt.Errorf("%s: decode: %w", checkpoint.Namespace, err)
	}
	return checkpoint.Versioned{Coordinate: coord, Version: resp.Kvs[0].ModRevision}, nil
}

func (s *Store) Save(
	ctx context.Context, key checkpoint.Key, coord checkpoint.Coordinate, expectedVersion int64,
) (int64, error) {
	value, err := json.Marshal(coord)
	if err != nil {
		return 0, fmt.Errorf("%s: encode: %w", checkpoint.Namespace, err)
	}

	k := s.key(key)

	var cmp clientv3.Cmp
	if expectedVersion == 0 {
		// Key must not exist yet.
		cmp = clientv3.Compare(clientv3.CreateRevision(k), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.ModRevision(k), "=", expectedVersion)
	}

	resp, err := s.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(k, string(value))).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		return 0, fmt.Errorf("%s: txn: %w", checkpoint.Namespace, err)
	}
	if !resp.Succeeded {
		return 0, checkpoint.ErrBadVersion
	}

	// Re-read to discover the new mod-revision the Put produced.
	get, err := s.client.Get(ctx, k)
	if err != nil {
		return 0, fmt.Errorf("%s: post-write get: %w", checkpoint.Namespace, err)
	}
	if len(get.Kvs) == 0 {
		return 0, fmt.Errorf("%s: key vanished after successful write", checkpoint.Namespace)
	}
	return get.Kvs[0].ModRevision, nil
}
