package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dreamware/shardsql/internal/directory"
	"github.com/dreamware/shardsql/internal/shadow"
)

// MappingSource is the part of the directory the router reads.
type MappingSource interface {
	GetMapping(ctx context.Context, key directory.Key) (directory.Mapping, error)
}

// Connector opens scoped connections to shards. *shard.Connector satisfies it.
type Connector interface {
	Conn(ctx context.Context, loc directory.Location) (*sql.Conn, error)
	InTx(ctx context.Context, loc directory.Location, conn *sql.Conn, fn func(ctx context.Context, tx *sql.Tx) error) error
}

// Options configures a Router.
type Options struct {
	// CacheTTL bounds staleness of resolved mappings. Zero means DefaultCacheTTL;
	// a negative value disables caching.
	CacheTTL time.Duration
	// Shadow, when set, is consulted each time a connection is opened. A key
	// the shard itself records as Offline is rejected even if the cached
	// directory view says Online.
	Shadow shadow.Store
	Logger *slog.Logger
}

// Router resolves tenant keys to shards and runs work against them.
// A Router is safe for concurrent use by any number of request goroutines.
type Router struct {
	dir    MappingSource
	conn   Connector
	shadow shadow.Store
	cache  *Cache
	logger *slog.Logger
}

// New creates a router reading mappings from dir and connecting through conn.
// Subscribe Router.Listen to the directory so status changes evict cached
// entries immediately.
func New(dir MappingSource, conn Connector, opts Options) *Router {
	ttl := opts.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		dir:    dir,
		conn:   conn,
		shadow: opts.Shadow,
		cache:  NewCache(ttl),
		logger: logger,
	}
}

// Listen is a directory.Listener that keeps the cache coherent with committed
// directory changes.
func (r *Router) Listen(ev directory.Event) {
	switch ev.Kind {
	case directory.EventShardDetached:
		r.cache.Invalidate(ev.Keys...)
	default:
		r.cache.Invalidate(ev.Key)
	}
}

// CacheStats exposes the resolution cache counters.
func (r *Router) CacheStats() CacheStats {
	return r.cache.Stats()
}

// Resolve returns the Online mapping for key. It fails with
// directory.ErrUnmappedKey when the key has no mapping and with
// directory.ErrMappingOffline when the mapping is being torn down.
func (r *Router) Resolve(ctx context.Context, key directory.Key) (directory.Mapping, error) {
	m, ok := r.cache.Get(key)
	if !ok {
		epoch := r.cache.Epoch()
		var err error
		m, err = r.dir.GetMapping(ctx, key)
		if errors.Is(err, directory.ErrNotFound) {
			return directory.Mapping{}, fmt.Errorf("resolve %s: %w", key, directory.ErrUnmappedKey)
		}
		if err != nil {
			return directory.Mapping{}, fmt.Errorf("resolve %s: %w", key, err)
		}
		r.cache.PutIfCurrent(m, epoch)
	}
	if m.Status != directory.StatusOnline {
		return directory.Mapping{}, fmt.Errorf("resolve %s on %s: %w", key, m.Shard, directory.ErrMappingOffline)
	}
	return m, nil
}

// Connection is a live connection to the shard owning Key.
type Connection struct {
	*sql.Conn
	Key      directory.Key
	Location directory.Location
}

// Open resolves key and opens a connection to its shard. The caller must
// close the returned connection.
func (r *Router) Open(ctx context.Context, key directory.Key) (*Connection, error) {
	m, err := r.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := r.validate(ctx, m); err != nil {
		return nil, err
	}
	conn, err := r.conn.Conn(ctx, m.Shard)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return &Connection{Conn: conn, Key: key, Location: m.Shard}, nil
}

// validate checks the shard's own record of key. Only a definite Offline
// entry rejects: a missing entry or an unreachable shadow is logged and the
// directory's answer stands.
func (r *Router) validate(ctx context.Context, m directory.Mapping) error {
	if r.shadow == nil {
		return nil
	}
	e, err := r.shadow.Get(ctx, m.Shard, m.Key)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			r.logger.Debug("shadow validation skipped", "key", m.Key, "shard", m.Shard.String(), "error", err)
		}
		return nil
	}
	if e.Status == directory.StatusOffline {
		r.cache.Invalidate(m.Key)
		return fmt.Errorf("open %s on %s: %w", m.Key, m.Shard, directory.ErrMappingOffline)
	}
	return nil
}

// ExecuteOnShard runs fn inside a transaction on the shard owning key,
// committing when fn returns nil and rolling back otherwise. Exactly one shard
// is touched. Nothing is retried: fn may not be idempotent.
func (r *Router) ExecuteOnShard(ctx context.Context, key directory.Key, fn func(ctx context.Context, tx *sql.Tx) error) error {
	conn, err := r.Open(ctx, key)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := r.conn.InTx(ctx, conn.Location, conn.Conn, fn); err != nil {
		return fmt.Errorf("execute on %s for %s: %w", conn.Location, key, err)
	}
	return nil
}
