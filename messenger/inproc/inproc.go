// Package inproc is a channel-based messenger.Messenger fake used by
// tests and the demo composition root in place of a real segment
// transport. It follows the teacher's channel-ownership discipline (a
// Publisher writes to its destinations' inboxes but never closes a channel
// it doesn't own) from dispatcher.go/workers.go: each destination peer's
// inbox is owned by the shared Bus, not by any one Publisher.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmesh/coordinator/messenger"
)

// Bus is the shared in-process transport every peer's inbox lives on; it
// stands in for the external queue medium (§1 "the queue medium used for
// input/output... is out of scope").
type Bus struct {
	mu        sync.Mutex
	inboxes   map[string]chan messenger.Barrier
	reachable map[string]bool
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{
		inboxes:   make(map[string]chan messenger.Barrier),
		reachable: make(map[string]bool),
	}
}

// Inbox returns peerID's inbox, creating it (with a small buffer) if
// this is the first reference.
func (b *Bus) Inbox(peerID string) <-chan messenger.Barrier {
	return b.inbox(peerID)
}

func (b *Bus) inbox(peerID string) chan messenger.Barrier {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.inboxes[peerID]
	if !ok {
		ch = make(chan messenger.Barrier, 16)
		b.inboxes[peerID] = ch
		if _, known := b.reachable[peerID]; !known {
			b.reachable[peerID] = true
		}
	}
	return ch
}

// SetReachable marks peerID reachable or not; Heartbeat and Offer consult
// this to simulate transport failures in tests.
func (b *Bus) SetReachable(peerID string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reachable[peerID] = ok
}

func (b *Bus) isReachable(peerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ok, known := b.reachable[peerID]
	return !known || ok
}

// Messenger is a messenger.Messenger backed by a Bus, scoped to one job.
type Messenger struct {
	bus *Bus

	mu         sync.Mutex
	publishers map[string]*Publisher
}

// NewMessenger constructs a Messenger publishing onto bus.
func NewMessenger(bus *Bus) *Messenger {
	return &Messenger{bus: bus, publishers: make(map[string]*Publisher)}
}

func (m *Messenger) SetPublications(_ context.Context, pubs []messenger.Publication) ([]messenger.Publisher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]messenger.Publication, len(pubs))
	for _, p := range pubs {
		id := publisherID(p)
		wanted[id] = p
	}

	for id, p := range m.publishers {
		if _, ok := wanted[id]; !ok {
			_ = p.Close()
			delete(m.publishers, id)
		}
	}

	out := make([]messenger.Publisher, 0, len(pubs))
	for id, p := range wanted {
		existing, ok := m.publishers[id]
		if !ok {
			existing = &Publisher{id: id, bus: m.bus, pub: p}
			m.publishers[id] = existing
		}
		out = append(out, existing)
	}
	return out, nil
}

func (m *Messenger) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.publishers {
		_ = p.Close()
		delete(m.publishers, id)
	}
	return nil
}

func publisherID(p messenger.Publication) string {
	return fmt.Sprintf("%s/%s", p.Task, p.Site)
}

// Publisher is one (task, site) publication target backed by the Bus.
type Publisher struct {
	id  string
	bus *Bus
	pub messenger.Publication
}

func (p *Publisher) ID() string { return p.id }

func (p *Publisher) Heartbeat(_ context.Context) bool {
	for _, dst := range p.pub.DstPeerIDs {
		if !p.bus.isReachable(dst) {
			return false
		}
	}
	return true
}

// Offer delivers b to every destination's inbox without blocking; any
// destination whose inbox is full or unreachable causes the whole offer
// to be considered not-yet-successful, matching §4.4's "non-positive
// returns keep the publisher for the next cycle."
func (p *Publisher) Offer(_ context.Context, b messenger.Barrier) (int, error) {
	if !p.Heartbeat(context.Background()) {
		return 0, nil
	}
	for _, dst := range p.pub.DstPeerIDs {
		select {
		case p.bus.inbox(dst) <- b:
		default:
			return 0, nil
		}
	}
	return 1, nil
}

func (p *Publisher) Close() error { return nil }
