package shard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/shardsql/internal/directory"

	_ "modernc.org/sqlite"
)

// DefaultConnectTimeout bounds a connection attempt when Config.ConnectTimeout is zero.
const DefaultConnectTimeout = 5 * time.Second

// Config describes how to reach shard databases.
type Config struct {
	// Driver is the database/sql driver name; "sqlite" by default.
	Driver string
	// DSNTemplate builds a DSN from a location. "{server}" and "{database}"
	// are substituted.
	DSNTemplate string
	// ConnectTimeout bounds every connection attempt.
	ConnectTimeout time.Duration
	// MaxOpenConns caps the pool per shard. Zero leaves database/sql's default.
	MaxOpenConns int
}

// Stats tracks operations issued against shards
type Stats struct {
	Connects uint64 `json:"connects"` // Successful connection attempts
	Failures uint64 `json:"failures"` // Failed connection attempts, including timeouts
	Timeouts uint64 `json:"timeouts"` // Connection attempts that ran out of time
	Commits  uint64 `json:"commits"`  // Committed transactions
	Rollback uint64 `json:"rollback"` // Rolled back transactions
}

// Error attaches shard identity to a connectivity failure. Unwrap exposes both
// the category (directory.ErrConnectionFailed or directory.ErrTimeout) and the cause.
type Error struct {
	Location directory.Location
	Op       string
	Kind     error
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("shard %s: %s: %v: %v", e.Location, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func newError(loc directory.Location, op string, err error) *Error {
	kind := directory.ErrConnectionFailed
	if errors.Is(err, context.DeadlineExceeded) {
		kind = directory.ErrTimeout
	}
	return &Error{Location: loc, Op: op, Kind: kind, Err: err}
}

// Connector opens scoped connections to shard databases. It keeps one pool per
// location, created on first use.
// Thread-safe: All methods are safe for concurrent access.
type Connector struct {
	cfg    Config
	logger *slog.Logger
	mu     sync.RWMutex // Protects pools
	pools  map[directory.Location]*sql.DB
	stats  Stats
}

// NewConnector creates a connector. A nil logger means slog.Default().
func NewConnector(cfg Config, logger *slog.Logger) *Connector {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		cfg:    cfg,
		logger: logger,
		pools:  make(map[directory.Location]*sql.DB),
	}
}

// DSN renders the connection string for loc.
func (c *Connector) DSN(loc directory.Location) string {
	return strings.NewReplacer("{server}", loc.Server, "{database}", loc.Database).Replace(c.cfg.DSNTemplate)
}

// DB returns the pool for loc, opening it lazily. Opening does not connect.
func (c *Connector) DB(loc directory.Location) (*sql.DB, error) {
	c.mu.RLock()
	db, ok := c.pools[loc]
	c.mu.RUnlock()
	if ok {
		return db, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.pools[loc]; ok {
		return db, nil
	}
	db, err := sql.Open(c.cfg.Driver, c.DSN(loc))
	if err != nil {
		return nil, newError(loc, "open", err)
	}
	if c.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	}
	c.pools[loc] = db
	return db, nil
}

// Conn opens a connection scoped to loc. The attempt is bounded by the
// configured connect timeout; the returned connection is not. Callers must
// close it.
func (c *Connector) Conn(ctx context.Context, loc directory.Location) (*sql.Conn, error) {
	db, err := c.DB(loc)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := db.Conn(connectCtx)
	if err == nil {
		err = conn.PingContext(connectCtx)
		if err != nil {
			conn.Close()
		}
	}
	if err != nil {
		atomic.AddUint64(&c.stats.Failures, 1)
		serr := newError(loc, "connect", err)
		if errors.Is(serr, directory.ErrTimeout) {
			atomic.AddUint64(&c.stats.Timeouts, 1)
		}
		c.logger.Warn("shard connection failed", "shard", loc.String(), "error", err)
		return nil, serr
	}
	atomic.AddUint64(&c.stats.Connects, 1)
	return conn, nil
}

// Ping checks that loc is reachable.
func (c *Connector) Ping(ctx context.Context, loc directory.Location) error {
	conn, err := c.Conn(ctx, loc)
	if err != nil {
		return err
	}
	return conn.Close()
}

// InTx runs fn inside a transaction on conn, committing when fn succeeds and
// rolling back otherwise. Errors returned by fn are passed through unchanged;
// begin and commit failures are reported as shard errors.
func (c *Connector) InTx(ctx context.Context, loc directory.Location, conn *sql.Conn, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return newError(loc, "begin", err)
	}
	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		atomic.AddUint64(&c.stats.Rollback, 1)
		return err
	}
	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&c.stats.Rollback, 1)
		return newError(loc, "commit", err)
	}
	atomic.AddUint64(&c.stats.Commits, 1)
	return nil
}

// Exec connects to loc and runs fn in a transaction.
func (c *Connector) Exec(ctx context.Context, loc directory.Location, fn func(ctx context.Context, tx *sql.Tx) error) error {
	conn, err := c.Conn(ctx, loc)
	if err != nil {
		return err
	}
	defer conn.Close()
	return c.InTx(ctx, loc, conn, fn)
}

// Stats returns a snapshot of the operation counters.
func (c *Connector) Stats() Stats {
	return Stats{
		Connects: atomic.LoadUint64(&c.stats.Connects),
		Failures: atomic.LoadUint64(&c.stats.Failures),
		Timeouts: atomic.LoadUint64(&c.stats.Timeouts),
		Commits:  atomic.LoadUint64(&c.stats.Commits),
		Rollback: atomic.LoadUint64(&c.stats.Rollback),
	}
}

// Release closes and forgets the pool for loc, if any.
func (c *Connector) Release(loc directory.Location) error {
	c.mu.Lock()
	db, ok := c.pools[loc]
	delete(c.pools, loc)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return db.Close()
}

// Close closes every pool.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for loc, db := range c.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", loc, err))
		}
		delete(c.pools, loc)
	}
	return errors.Join(errs...)
}
