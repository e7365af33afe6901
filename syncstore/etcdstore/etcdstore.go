// Package etcdstore implements syncstore.Store on an etcd cluster.
// Ephemeral paths are lease-backed keys: a lease is granted and
// kept-alive for the node's lifetime, so process death (which stops the
// keepalive) causes etcd to expire and delete the key, exactly matching
// the "pulse existence means alive" contract of §4.1.
package etcdstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/flowmesh/coordinator/syncstore"
)

// Store is a syncstore.Store backed by an etcd client.
type Store struct {
	client   *clientv3.Client
	prefix   string
	leaseTTL time.Duration

	seq atomic.Uint64

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// New constructs a Store using client, namespacing all keys under prefix.
// leaseTTL controls how quickly an ephemeral node (pulse, payload, ack,
// status, completion) disappears once its owner stops renewing it.
func New(client *clientv3.Client, prefix string, leaseTTL time.Duration) *Store {
	return &Store{
		client:   client,
		prefix:   prefix,
		leaseTTL: leaseTTL,
		leases:   make(map[string]clientv3.LeaseID),
	}
}

func (s *Store) Create(ctx context.Context, kind syncstore.Kind) (string, error) {
	id := s.seq.Add(1)
	path := fmt.Sprintf("%s/%s/%d", s.prefix, kind, id)

	lease, err := s.client.Grant(ctx, int64(s.leaseTTL.Seconds()))
	if err != nil {
		return "", fmt.Errorf("%s: grant lease: %w", syncstore.Namespace, err)
	}

	if _, err := s.client.Put(ctx, path, "", clientv3.WithLease(lease.ID)); err != nil {
		return "", fmt.Errorf("%s: create: %w", syncstore.Namespace, err)
	}

	keepAlive, err := s.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return "", fmt.Errorf("%s: keepalive: %w", syncstore.Namespace, err)
	}
	go drainKeepAlive(keepAlive)

	s.mu.Lock()
	s.leases[path] = lease.ID
	s.mu.Unlock()

	return path, nil
}

// drainKeepAlive discards keepalive responses; etcd requires the channel
// to be drained or renewal stalls. It exits once the channel closes,
// which happens on lease expiry or client shutdown.
func drainKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
}

func (s *Store) leaseOpt(path string) []clientv3.OpOption {
	s.mu.Lock()
	id, ok := s.leases[path]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return []clientv3.OpOption{clientv3.WithLease(id)}
}

func (s *Store) WritePlace(ctx context.Context, path string, value []byte) error {
	if _, err := s.client.Put(ctx, path, string(value), s.leaseOpt(path)...); err != nil {
		return fmt.Errorf("%s: write-place: %w", syncstore.Namespace, err)
	}
	return nil
}

func (s *Store) ReadPlace(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%s: read-place: %w", syncstore.Namespace, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, syncstore.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (s *Store) TouchPlace(ctx context.Context, path string) error {
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("%s: touch-place: get: %w", syncstore.Namespace, err)
	}
	if len(resp.Kvs) == 0 {
		return syncstore.ErrNotFound
	}
	// Re-put the same value: bumps ModRevision, fires watches, keeps the
	// value and lease association unchanged.
	if _, err := s.client.Put(ctx, path, string(resp.Kvs[0].Value), s.leaseOpt(path)...); err != nil {
		return fmt.Errorf("%s: touch-place: put: %w", syncstore.Namespace, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	resp, err := s.client.Delete(ctx, path)
	if err != nil {
		return fmt.Errorf("%s: delete: %w", syncstore.Namespace, err)
	}
	if resp.Deleted == 0 {
		return syncstore.ErrNotFound
	}

	s.mu.Lock()
	delete(s.leases, path)
	s.mu.Unlock()
	return nil
}

func (s *Store) OnChange(ctx context.Context, path string, fn syncstore.WatchFunc) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	watchCh := s.client.Watch(watchCtx, path)

	go func() {
		for resp := range watchCh {
			for _, ev := range resp.Events {
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					fn(syncstore.Event{Path: path, Kind: syncstore.ChangeDeleted})
				case ev.IsCreate():
					fn(syncstore.Event{Path: path, Kind: syncstore.ChangeWritten})
				default:
					fn(syncstore.Event{Path: path, Kind: syncstore.ChangeTouched})
				}
			}
		}
	}()

	return cancel, nil
}
