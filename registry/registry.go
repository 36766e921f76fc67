// Package registry maps node ids and engine instances back to the node and
// port that own them. Engine callbacks receive only a *vm.VM, so every host
// callback starts with a lookup here.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/aseba-hub/core"
	"github.com/signalsfoundry/aseba-hub/vm"
)

var (
	// ErrNotFound is the normal outcome of a lookup racing a teardown.
	ErrNotFound    = errors.New("node not registered")
	ErrDuplicateID = errors.New("node id already registered")
)

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	EventNodeAdded EventType = iota
	EventNodeRemoved
)

func (t EventType) String() string {
	switch t {
	case EventNodeAdded:
		return "added"
	case EventNodeRemoved:
		return "removed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is emitted to subscribers after a node is added or removed.
type Event struct {
	Type   EventType
	NodeID uint16
	Name   string
	Port   int
}

// Entry is a registered node and the port of the hub that owns it.
type Entry struct {
	Node *core.Node
	Port int
}

// Registry is a thread-safe lookup of registered nodes. It keeps
// registration order so that broadcasts and listings are stable.
type Registry struct {
	mu sync.RWMutex

	byID  map[uint16]Entry
	byVM  map[*vm.VM]Entry
	order []uint16

	subs   map[int]func(Event)
	nextID int
}

func New() *Registry {
	return &Registry{
		byID: make(map[uint16]Entry),
		byVM: make(map[*vm.VM]Entry),
		subs: make(map[int]func(Event)),
	}
}

// Register inserts both mappings. It must happen before the node is
// reachable from the tick loop.
func (r *Registry) Register(n *core.Node, port int) error {
	r.mu.Lock()
	if _, exists := r.byID[n.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("node %d: %w", n.ID(), ErrDuplicateID)
	}
	e := Entry{Node: n, Port: port}
	r.byID[n.ID()] = e
	r.byVM[n.VM] = e
	r.order = append(r.order, n.ID())
	subs := r.subscribers()
	r.mu.Unlock()

	notify(subs, Event{Type: EventNodeAdded, NodeID: n.ID(), Name: n.Name(), Port: port})
	return nil
}

// Unregister removes both mappings and returns the removed entry. It must
// happen before the node is destroyed.
func (r *Registry) Unregister(id uint16) (Entry, error) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return Entry{}, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	delete(r.byID, id)
	delete(r.byVM, e.Node.VM)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	subs := r.subscribers()
	r.mu.Unlock()

	notify(subs, Event{Type: EventNodeRemoved, NodeID: id, Name: e.Node.Name(), Port: e.Port})
	return e, nil
}

func (r *Registry) LookupByVM(v *vm.VM) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byVM[v]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (r *Registry) LookupByID(id uint16) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return Entry{}, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return e, nil
}

// Has reports whether id is taken.
func (r *Registry) Has(id uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Entries returns a snapshot in registration order. A negative port
// selects every node.
func (r *Registry) Entries(port int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		e := r.byID[id]
		if port < 0 || e.Port == port {
			res = append(res, e)
		}
	}
	return res
}

// Subscribe registers a callback for registry events. Callbacks run on the
// goroutine that changed the registry, outside the lock. It returns an
// unsubscribe function.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Registry) subscribers() []func(Event) {
	out := make([]func(Event), 0, len(r.subs))
	for id := 0; id < r.nextID; id++ {
		if fn, ok := r.subs[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}
