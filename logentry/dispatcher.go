// Package logentry models the "command-dispatch interface" spec.md §9
// describes for the out-of-scope log-entry command handlers: a small,
// open set of command kinds, each with a registered Handler that applies
// its delta to a replica.Builder. The Cluster Coordinator applies a
// Command when a change affects the replica view (job planning, task
// allocation and deallocation, coordinator election, short IDs, job
// completion), not for every peer or job mutation; the resulting
// replica.Replica snapshots are what the Barrier Coordinator's
// allocation-ch carries. Callers depend only on this capability, never on
// a concrete command set, mirroring hashicorp/nomad's FSM apply-dispatch
// without importing its raft-specific machinery (out of this module's
// scope per spec.md §1).
package logentry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/flowmesh/coordinator/replica"
)

const Namespace = "logentry"

// ErrUnknownKind is returned by Dispatcher.Apply when no handler is
// registered for the command's kind.
var ErrUnknownKind = errors.New(Namespace + ": no handler registered for command kind")

// Command is one entry in the replicated command log.
type Command interface {
	// Kind identifies which registered Handler applies this command.
	Kind() string
}

// Handler applies a Command of its registered kind to b, mutating it
// in place.
type Handler func(b *replica.Builder, cmd Command) error

// Dispatcher routes commands to a registered Handler by kind.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register installs (or replaces) the Handler for kind.
func (d *Dispatcher) Register(kind string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// Apply looks up cmd's Kind and invokes its Handler against b.
func (d *Dispatcher) Apply(b *replica.Builder, cmd Command) error {
	d.mu.RLock()
	h, ok := d.handlers[cmd.Kind()]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, cmd.Kind())
	}
	return h(b, cmd)
}

// NewDefaultDispatcher returns a Dispatcher with handlers registered for
// every built-in command kind defined in this package.
func NewDefaultDispatcher() *Dispatcher {
	d := NewDispatcher()
	d.Register(KindJobPlanned, handleJobPlanned)
	d.Register(KindJobCompleted, handleJobCompleted)
	d.Register(KindCoordinatorElected, handleCoordinatorElected)
	d.Register(KindTaskAllocated, handleTaskAllocated)
	d.Register(KindTaskDeallocated, handleTaskDeallocated)
	d.Register(KindShortIDAssigned, handleShortIDAssigned)
	return d
}
