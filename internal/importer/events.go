package importer

import (
	"context"
	"sync"

	"github.com/isometry/ldapsync/internal/directory"
	"github.com/isometry/ldapsync/internal/store"
)

// EventKind names a point in the import lifecycle.
type EventKind string

const (
	// EventImporting fires before a record that does not exist yet is
	// hydrated. A listener error vetoes the object.
	EventImporting EventKind = "importing"

	EventSynchronizing EventKind = "synchronizing"
	EventSynchronized  EventKind = "synchronized"

	// EventImported fires when the store reports that Save inserted the row.
	EventImported EventKind = "imported"

	// EventDeletedMissing fires once per full run with the IDs of records
	// whose GUID was not in the batch.
	EventDeletedMissing EventKind = "deleted.missing"

	// EventRejected is raised by authentication collaborators through
	// Dispatcher.Reject.
	EventRejected EventKind = "rejected"
)

// Event is the payload passed to listeners. Fields not relevant to a kind
// are left zero.
type Event struct {
	Kind   EventKind
	Object *directory.Object
	Record *store.Record

	MissingIDs []string
	Batch      Batch
	Store      store.Store
}

// Listener handles an event. Errors are returned to the emitter.
type Listener func(ctx context.Context, event Event) error

// Dispatcher delivers events synchronously to the listeners registered for
// their kind, in registration order.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[EventKind][]Listener
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[EventKind][]Listener)}
}

// Listen registers fn for kind.
func (d *Dispatcher) Listen(kind EventKind, fn Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[kind] = append(d.listeners[kind], fn)
}

// Emit calls every listener for event.Kind and stops at the first error.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	d.mu.RLock()
	listeners := d.listeners[event.Kind]
	d.mu.RUnlock()

	for _, fn := range listeners {
		if err := fn(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Reject raises EventRejected for obj. rec may be nil when the object has
// no local record.
func (d *Dispatcher) Reject(ctx context.Context, obj *directory.Object, rec *store.Record) error {
	return d.Emit(ctx, Event{Kind: EventRejected, Object: obj, Record: rec})
}
