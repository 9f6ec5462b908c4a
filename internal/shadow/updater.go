package shadow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/shardsql/internal/directory"
)

// DefaultBuffer is the number of events an Updater queues before dropping.
const DefaultBuffer = 1024

// Updater keeps Local Shadows in step with the directory. It subscribes to
// committed directory events and replays them against the shadow store
// asynchronously. A failed or dropped update is logged and left for the
// reconciler; the directory stays authoritative.
type Updater struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex // Guards closed against sends on events
	closed bool
	events chan directory.Event
	wg     sync.WaitGroup

	applied atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewUpdater creates an updater writing to store. buffer <= 0 means DefaultBuffer.
func NewUpdater(store Store, buffer int, logger *slog.Logger) *Updater {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		store:   store,
		logger:  logger,
		timeout: 10 * time.Second,
		events:  make(chan directory.Event, buffer),
	}
}

// Listen is a directory.Listener. It never blocks: when the queue is full the
// event is dropped.
func (u *Updater) Listen(ev directory.Event) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return
	}
	select {
	case u.events <- ev:
	default:
		u.dropped.Add(1)
		u.logger.Warn("shadow update dropped", "kind", ev.Kind, "key", ev.Key, "shard", ev.Shard.String())
	}
}

// Start consumes queued events on a background goroutine until Close.
func (u *Updater) Start(ctx context.Context) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		for ev := range u.events {
			applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
			_ = u.Apply(applyCtx, ev)
			cancel()
		}
	}()
}

// Close stops accepting events and waits until the queue is drained.
func (u *Updater) Close() {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.events)
	}
	u.mu.Unlock()
	u.wg.Wait()
}

// Apply writes the shadow change implied by ev. Detach events are ignored:
// a detached shard keeps its shadow so it can be re-attached later.
func (u *Updater) Apply(ctx context.Context, ev directory.Event) error {
	var err error
	switch ev.Kind {
	case directory.EventMappingCreated, directory.EventMappingStatusChanged:
		err = u.store.Put(ctx, ev.Shard, Entry{Key: ev.Key, Status: ev.Status})
	case directory.EventMappingDeleted:
		err = u.store.Delete(ctx, ev.Shard, ev.Key)
	default:
		return nil
	}
	if err != nil {
		u.failed.Add(1)
		u.logger.Warn("shadow update failed",
			"kind", ev.Kind, "key", ev.Key, "shard", ev.Shard.String(), "error", err)
		return err
	}
	u.applied.Add(1)
	u.logger.Debug("shadow updated", "kind", ev.Kind, "key", ev.Key, "shard", ev.Shard.String())
	return nil
}

// UpdaterStats counts what the updater has done since it was created.
type UpdaterStats struct {
	Applied uint64 `json:"applied"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

func (u *Updater) Stats() UpdaterStats {
	return UpdaterStats{
		Applied: u.applied.Load(),
		Failed:  u.failed.Load(),
		Dropped: u.dropped.Load(),
	}
}
