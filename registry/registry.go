// Package registry holds armed trigger handles under monotonically assigned
// identifiers until they are handed to a dispatcher.
//
// A Registry is pure bookkeeping: it never blocks and never polls. It owns
// every handle it holds and closes them on Remove or Close. Converting it
// into a dispatcher moves the handles out and freezes it.
//
//	reg := registry.New()
//	cpu, _ := reg.Add(cpuHandle)
//	mem, _ := reg.Add(memHandle)
//
//	d, err := reg.IntoThreadDispatcher()
//
// # Observers
//
// Observers see every change to the table:
//
//	reg.Subscribe(obs)
//	// obs.OnRegistryChange(registry.Change{Type: registry.ChangeAdded, ID: 0, ...})
package registry

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/psimon"
	"github.com/wippyai/psimon/errors"
	"github.com/wippyai/psimon/loop"
	"github.com/wippyai/psimon/task"
	"github.com/wippyai/psimon/thread"
	"github.com/wippyai/psimon/trigger"
)

// ChangeType identifies a registry change.
type ChangeType uint8

const (
	ChangeAdded ChangeType = iota
	ChangeRemoved
	ChangeTransferred
)

func (c ChangeType) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeTransferred:
		return "transferred"
	}
	return "unknown"
}

// Change describes one handle entering or leaving the registry.
type Change struct {
	Spec trigger.Spec
	ID   psimon.ID
	Type ChangeType
}

// Observer receives registry changes. Calls happen synchronously on the
// goroutine that made the change, after the registry lock is released.
type Observer interface {
	OnRegistryChange(Change)
}

// Registry maps identifiers to owned trigger handles.
type Registry struct {
	handles   map[psimon.ID]*trigger.Handle
	fds       map[int]psimon.ID
	log       *zap.Logger
	order     []psimon.ID
	observers []Observer
	mu        sync.Mutex
	obsMu     sync.RWMutex
	next      psimon.ID
	frozen    bool
}

// New creates an empty registry. The first identifier it assigns is 0.
func New() *Registry {
	return &Registry{
		handles: make(map[psimon.ID]*trigger.Handle),
		fds:     make(map[int]psimon.ID),
		log:     psimon.Logger().Named("registry"),
	}
}

// Add takes ownership of h and returns its identifier. Identifiers grow by
// one per successful Add and are never reused. On error the caller keeps
// ownership of h. A handle whose descriptor is already registered, through
// the same or another Handle, is rejected.
func (r *Registry) Add(h *trigger.Handle) (psimon.ID, error) {
	if h == nil || h.Closed() {
		return 0, errors.InvalidInput(errors.PhaseRegister, "nil or closed handle")
	}

	r.mu.Lock()
	if r.frozen {
		r.mu.Unlock()
		return 0, errors.Frozen()
	}
	fd := h.Fd()
	if owner, ok := r.fds[fd]; ok {
		r.mu.Unlock()
		return 0, errors.InvalidInput(errors.PhaseRegister,
			fmt.Sprintf("descriptor %d already registered under id %d", fd, owner))
	}
	id := r.next
	r.next++
	r.handles[id] = h
	r.fds[fd] = id
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.log.Debug("trigger registered", zap.Stringer("id", id), zap.Stringer("spec", h.Spec()))
	r.notify(Change{Type: ChangeAdded, ID: id, Spec: h.Spec()})
	return id, nil
}

// Remove closes the handle registered under id and forgets it. An id that is
// not registered yields a KindNotFound error.
func (r *Registry) Remove(id psimon.ID) error {
	r.mu.Lock()
	if r.frozen {
		r.mu.Unlock()
		return errors.Frozen()
	}
	h, ok := r.handles[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound(errors.PhaseRegister, "id", id)
	}
	delete(r.handles, id)
	delete(r.fds, h.Fd())
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	r.mu.Unlock()

	err := h.Close()
	r.log.Debug("trigger removed", zap.Stringer("id", id), zap.Error(err))
	r.notify(Change{Type: ChangeRemoved, ID: id, Spec: h.Spec()})
	return err
}

// Get returns the handle registered under id.
func (r *Registry) Get(id psimon.ID) (*trigger.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// IDs returns the registered identifiers in insertion order.
func (r *Registry) IDs() []psimon.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// Subscribe adds an observer for changes.
func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

// Unsubscribe removes an observer.
func (r *Registry) Unsubscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	for i, obs := range r.observers {
		if obs == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

// Close closes every handle and freezes the registry. Subsequent calls
// return nil.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.frozen {
		r.mu.Unlock()
		return nil
	}
	entries := r.drain()
	r.mu.Unlock()

	var err error
	for _, e := range entries {
		err = multierr.Append(err, e.Handle.Close())
		r.notify(Change{Type: ChangeRemoved, ID: e.ID, Spec: e.Handle.Spec()})
	}
	r.log.Debug("registry closed", zap.Int("handles", len(entries)), zap.Error(err))
	return err
}

// IntoThreadDispatcher moves every handle into a new thread dispatcher in
// the created state. The registry is left empty and frozen.
func (r *Registry) IntoThreadDispatcher() (*thread.Dispatcher, error) {
	entries, err := r.transfer()
	if err != nil {
		return nil, err
	}
	return thread.New(entries)
}

// IntoTaskDispatcher moves every handle into a new task dispatcher that will
// run on l. The registry is left empty and frozen.
func (r *Registry) IntoTaskDispatcher(l *loop.Loop) (*task.Dispatcher, error) {
	entries, err := r.transfer()
	if err != nil {
		return nil, err
	}
	return task.New(l, entries)
}

func (r *Registry) transfer() ([]psimon.Entry, error) {
	r.mu.Lock()
	if r.frozen {
		r.mu.Unlock()
		return nil, errors.Frozen()
	}
	entries := r.drain()
	r.mu.Unlock()

	for _, e := range entries {
		r.notify(Change{Type: ChangeTransferred, ID: e.ID, Spec: e.Handle.Spec()})
	}
	r.log.Debug("registry transferred", zap.Int("handles", len(entries)))
	return entries, nil
}

// drain freezes the registry and empties it, returning the entries in
// insertion order. Must hold mu.
func (r *Registry) drain() []psimon.Entry {
	entries := make([]psimon.Entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, psimon.Entry{ID: id, Handle: r.handles[id]})
	}
	r.frozen = true
	r.order = nil
	clear(r.handles)
	clear(r.fds)
	return entries
}

func (r *Registry) notify(c Change) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.OnRegistryChange(c)
	}
}
