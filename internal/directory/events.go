package directory

import "sync"

// EventKind names a committed directory mutation.
type EventKind string

const (
	EventMappingCreated       EventKind = "mapping_created"
	EventMappingStatusChanged EventKind = "mapping_status_changed"
	EventMappingDeleted       EventKind = "mapping_deleted"
	// EventShardDetached is published once per detach and carries every removed key.
	// The shard's Local Shadow is left in place for a later attach.
	EventShardDetached EventKind = "shard_detached"
)

// Event describes a mutation that has already been committed to the directory.
// Consumers must treat delivery as best effort: a crashed consumer loses events,
// and the reconciler exists to repair whatever they missed.
type Event struct {
	Kind     EventKind
	ShardMap string
	Key      Key
	Shard    Location
	Status   Status
	Keys     []Key
}

// Listener receives committed directory events. Listeners run on the goroutine
// that performed the mutation and must not block.
type Listener func(Event)

type listeners struct {
	mu   sync.RWMutex
	next int
	fns  map[int]Listener
}

func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

func (l *listeners) publish(ev Event) {
	l.mu.RLock()
	fns := make([]Listener, 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	// No locks held while listeners run
	for _, fn := range fns {
		fn(ev)
	}
}
