package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// DefaultTimeout bounds every directory call that does not carry a tighter deadline.
const DefaultTimeout = 5 * time.Second

// Options tune a Directory.
type Options struct {
	// Timeout applied to every directory call. Zero means DefaultTimeout.
	Timeout time.Duration
	// Logger receives mutation logs. Nil means slog.Default().
	Logger *slog.Logger
}

// Directory is the authoritative registry of shards and tenant mappings for one
// named shard map. Its backing database is the single arbitration point for key
// uniqueness: every mutation runs in a database transaction, so several
// processes may share one directory safely.
//
// A Directory is explicitly constructed and passed to its consumers; nothing in
// this package keeps process-wide state.
type Directory struct {
	db        *sql.DB
	shardMap  string
	timeout   time.Duration
	logger    *slog.Logger
	listeners listeners
}

// Open connects to the directory database with the given driver and DSN, and
// makes sure the directory tables exist. The shard map itself is created by
// CreateShardMap.
func Open(ctx context.Context, driver, dsn, shardMap string, opts Options) (*Directory, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: failed to open database: %w", err)
	}
	d := New(db, shardMap, opts)
	if err := d.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an already opened database handle.
func New(db *sql.DB, shardMap string, opts Options) *Directory {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Directory{
		db:       db,
		shardMap: shardMap,
		timeout:  opts.Timeout,
		logger:   opts.Logger.With("shard_map", shardMap),
	}
}

// Close releases the database handle.
func (d *Directory) Close() error {
	return d.db.Close()
}

// ShardMapName returns the name of the shard map this directory operates on.
func (d *Directory) ShardMapName() string {
	return d.shardMap
}

// Subscribe registers fn for every committed mutation. The returned function
// removes the subscription.
func (d *Directory) Subscribe(fn Listener) (unsubscribe func()) {
	return d.listeners.add(fn)
}

func (d *Directory) publish(ev Event) {
	ev.ShardMap = d.shardMap
	d.listeners.publish(ev)
}

func (d *Directory) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

// withTx runs fn in a transaction and commits when fn succeeds.
func (d *Directory) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// EnsureSchema creates the directory tables if they do not exist and records the schema version.
func (d *Directory) EnsureSchema(ctx context.Context) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	err := d.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schemaSQL() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO directory_meta (meta_key, meta_value) VALUES ('schema_version', ?)
			 ON CONFLICT (meta_key) DO NOTHING`,
			strconv.Itoa(SchemaVersion))
		return err
	})
	return storeError("ensure schema", err, nil)
}

// SchemaVersion returns the directory schema version recorded in the database.
func (d *Directory) SchemaVersion(ctx context.Context) (int, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var v string
	err := d.db.QueryRowContext(ctx,
		`SELECT meta_value FROM directory_meta WHERE meta_key = 'schema_version'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("directory schema version: %w", ErrNotFound)
	}
	if err != nil {
		return 0, storeError("schema version", err, nil)
	}
	return strconv.Atoi(v)
}

// CreateShardMap registers the shard map. It fails with ErrAlreadyExists if it is already registered.
func (d *Directory) CreateShardMap(ctx context.Context) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	err := d.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := shardMapExists(ctx, tx, d.shardMap)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("shard map %q: %w", d.shardMap, ErrAlreadyExists)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO shard_maps (name, created_at) VALUES (?, ?)`,
			d.shardMap, time.Now().Unix())
		return err
	})
	if err != nil {
		return storeError("create shard map", err, ErrAlreadyExists)
	}
	d.logger.Info("created shard map")
	return nil
}

// ShardMapExists reports whether the shard map has been created.
func (d *Directory) ShardMapExists(ctx context.Context) (bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	ok, err := shardMapExists(ctx, d.db, d.shardMap)
	return ok, storeError("shard map exists", err, nil)
}

// CreateShard registers a shard at loc.
//
// Fails with ErrAlreadyExists if the location is already registered and with
// ErrNotFound if the shard map has not been created.
func (d *Directory) CreateShard(ctx context.Context, loc Location) (Shard, error) {
	if !loc.Valid() {
		return Shard{}, fmt.Errorf("create shard: invalid location %q", loc)
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	shard := Shard{Location: loc, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := shardMapExists(ctx, tx, d.shardMap)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("shard map %q: %w", d.shardMap, ErrNotFound)
		}
		if _, err := getShard(ctx, tx, d.shardMap, loc); err == nil {
			return fmt.Errorf("shard %s: %w", loc, ErrAlreadyExists)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO shards (shard_map, server, database_name, created_at) VALUES (?, ?, ?, ?)`,
			d.shardMap, loc.Server, loc.Database, shard.CreatedAt.Unix())
		return err
	})
	if err != nil {
		return Shard{}, storeError("create shard", err, ErrAlreadyExists)
	}
	d.logger.Info("created shard", "shard", loc.String())
	return shard, nil
}

// GetShard returns the shard registered at loc, or ErrNotFound.
func (d *Directory) GetShard(ctx context.Context, loc Location) (Shard, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	s, err := getShard(ctx, d.db, d.shardMap, loc)
	if errors.Is(err, ErrNotFound) {
		return Shard{}, err
	}
	return s, storeError("get shard", err, nil)
}

// DeleteShard removes an empty shard.
//
// Fails with ErrNotFound if loc is not registered and with ErrHasActiveMappings
// while any mapping, online or offline, still references it.
func (d *Directory) DeleteShard(ctx context.Context, loc Location) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getShard(ctx, tx, d.shardMap, loc); err != nil {
			return err
		}
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM mappings WHERE shard_map = ? AND server = ? AND database_name = ?`,
			d.shardMap, loc.Server, loc.Database).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("shard %s has %d mappings: %w", loc, n, ErrHasActiveMappings)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM shards WHERE shard_map = ? AND server = ? AND database_name = ?`,
			d.shardMap, loc.Server, loc.Database)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrHasActiveMappings) {
			return err
		}
		return storeError("delete shard", err, ErrHasActiveMappings)
	}
	d.logger.Info("deleted shard", "shard", loc.String())
	return nil
}

// ListShards returns every registered shard ordered by location.
func (d *Directory) ListShards(ctx context.Context) ([]Shard, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	shards, err := listShards(ctx, d.db, d.shardMap)
	return shards, storeError("list shards", err, nil)
}

// Snapshot returns every shard and every mapping read in one transaction, so
// each mapping's shard is in the returned shard list.
func (d *Directory) Snapshot(ctx context.Context) ([]Shard, []Mapping, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var (
		shards   []Shard
		mappings []Mapping
	)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if shards, err = listShards(ctx, tx, d.shardMap); err != nil {
			return err
		}
		mappings, err = listMappings(ctx, tx, d.shardMap, nil)
		return err
	})
	if err != nil {
		return nil, nil, storeError("snapshot", err, nil)
	}
	return shards, mappings, nil
}

// CreateMapping maps key onto the shard at loc with status Online.
//
// Fails with ErrDuplicateKey if key is already mapped anywhere, including to
// loc itself, and with ErrUnknownShard if loc is not registered.
func (d *Directory) CreateMapping(ctx context.Context, key Key, loc Location) (Mapping, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Second)
	m := Mapping{Key: key, Shard: loc, Status: StatusOnline, CreatedAt: now, UpdatedAt: now}
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if existing, err := getMapping(ctx, tx, d.shardMap, key); err == nil {
			return fmt.Errorf("tenant %s already mapped to %s: %w", key, existing.Shard, ErrDuplicateKey)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, err := getShard(ctx, tx, d.shardMap, loc); errors.Is(err, ErrNotFound) {
			return fmt.Errorf("shard %s: %w", loc, ErrUnknownShard)
		} else if err != nil {
			return err
		}
		return insertMapping(ctx, tx, d.shardMap, m)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrUnknownShard) {
			return Mapping{}, err
		}
		return Mapping{}, storeError("create mapping", err, ErrDuplicateKey)
	}
	d.logger.Info("created mapping", "tenant", key.String(), "shard", loc.String())
	d.publish(Event{Kind: EventMappingCreated, Key: key, Shard: loc, Status: StatusOnline})
	return m, nil
}

// GetMapping returns the mapping for key, or ErrNotFound.
func (d *Directory) GetMapping(ctx context.Context, key Key) (Mapping, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	m, err := getMapping(ctx, d.db, d.shardMap, key)
	if errors.Is(err, ErrNotFound) {
		return Mapping{}, err
	}
	return m, storeError("get mapping", err, nil)
}

// UpdateMappingStatus transitions the mapping for key to status.
//
// Setting the current status again is a no-op. Offline -> Online is rejected
// with ErrInvalidTransition. Fails with ErrNotFound for unmapped keys.
func (d *Directory) UpdateMappingStatus(ctx context.Context, key Key, status Status) (Mapping, error) {
	if !status.Valid() {
		return Mapping{}, fmt.Errorf("update mapping status: unknown status %q", status)
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var m Mapping
	changed := false
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = getMapping(ctx, tx, d.shardMap, key)
		if err != nil {
			return err
		}
		if m.Status == status {
			return nil
		}
		if m.Status == StatusOffline && status == StatusOnline {
			return fmt.Errorf("tenant %s: %s -> %s: %w", key, m.Status, status, ErrInvalidTransition)
		}
		m.Status = status
		m.UpdatedAt = time.Now().UTC().Truncate(time.Second)
		changed = true
		return updateMappingStatus(ctx, tx, d.shardMap, m)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return Mapping{}, err
		}
		return Mapping{}, storeError("update mapping status", err, nil)
	}
	if changed {
		d.logger.Info("updated mapping status", "tenant", key.String(), "status", string(status))
		d.publish(Event{Kind: EventMappingStatusChanged, Key: key, Shard: m.Shard, Status: status})
	}
	return m, nil
}

// DeleteMapping removes an offline mapping.
//
// Deleting is two-step: callers set the mapping Offline first so in-flight
// routes drain, then delete. Fails with ErrStillOnline otherwise, and with
// ErrNotFound for unmapped keys.
func (d *Directory) DeleteMapping(ctx context.Context, key Key) (Mapping, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var m Mapping
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = getMapping(ctx, tx, d.shardMap, key)
		if err != nil {
			return err
		}
		if m.Status != StatusOffline {
			return fmt.Errorf("tenant %s: %w", key, ErrStillOnline)
		}
		return deleteMapping(ctx, tx, d.shardMap, key)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStillOnline) {
			return Mapping{}, err
		}
		return Mapping{}, storeError("delete mapping", err, nil)
	}
	d.logger.Info("deleted mapping", "tenant", key.String(), "shard", m.Shard.String())
	d.publish(Event{Kind: EventMappingDeleted, Key: key, Shard: m.Shard, Status: m.Status})
	return m, nil
}

// ListMappings returns mappings ordered by shard location then key.
// A nil shard lists every mapping in the shard map.
func (d *Directory) ListMappings(ctx context.Context, shard *Location) ([]Mapping, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	ms, err := listMappings(ctx, d.db, d.shardMap, shard)
	return ms, storeError("list mappings", err, nil)
}

// DetachShard unregisters the shard at loc and deletes every mapping pointing
// at it in one transaction, returning the removed mappings. The shard's data
// and its Local Shadow are not touched.
func (d *Directory) DetachShard(ctx context.Context, loc Location) ([]Mapping, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var removed []Mapping
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getShard(ctx, tx, d.shardMap, loc); err != nil {
			return err
		}
		var err error
		removed, err = listMappings(ctx, tx, d.shardMap, &loc)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM mappings WHERE shard_map = ? AND server = ? AND database_name = ?`,
			d.shardMap, loc.Server, loc.Database); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM shards WHERE shard_map = ? AND server = ? AND database_name = ?`,
			d.shardMap, loc.Server, loc.Database)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storeError("detach shard", err, nil)
	}

	keys := make([]Key, 0, len(removed))
	for _, m := range removed {
		keys = append(keys, m.Key)
	}
	d.logger.Warn("detached shard", "shard", loc.String(), "mappings_removed", len(removed))
	d.publish(Event{Kind: EventShardDetached, Shard: loc, Keys: keys})
	return removed, nil
}

// RestoreMapping makes the directory record key -> loc with the given status,
// bypassing the normal lifecycle. It is meant for reconciliation only.
//
// Fails with ErrUnknownShard if loc is not registered and with ErrDuplicateKey
// if key is mapped to a different shard. Restoring an identical mapping is a no-op.
func (d *Directory) RestoreMapping(ctx context.Context, key Key, loc Location, status Status) (Mapping, error) {
	if !status.Valid() {
		return Mapping{}, fmt.Errorf("restore mapping: unknown status %q", status)
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var (
		m    Mapping
		kind EventKind
	)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getShard(ctx, tx, d.shardMap, loc); errors.Is(err, ErrNotFound) {
			return fmt.Errorf("shard %s: %w", loc, ErrUnknownShard)
		} else if err != nil {
			return err
		}
		now := time.Now().UTC().Truncate(time.Second)
		existing, err := getMapping(ctx, tx, d.shardMap, key)
		switch {
		case errors.Is(err, ErrNotFound):
			m = Mapping{Key: key, Shard: loc, Status: status, CreatedAt: now, UpdatedAt: now}
			kind = EventMappingCreated
			return insertMapping(ctx, tx, d.shardMap, m)
		case err != nil:
			return err
		case existing.Shard != loc:
			return fmt.Errorf("tenant %s mapped to %s: %w", key, existing.Shard, ErrDuplicateKey)
		case existing.Status == status:
			m = existing
			return nil
		default:
			m = existing
			m.Status = status
			m.UpdatedAt = now
			kind = EventMappingStatusChanged
			return updateMappingStatus(ctx, tx, d.shardMap, m)
		}
	})
	if err != nil {
		if errors.Is(err, ErrUnknownShard) || errors.Is(err, ErrDuplicateKey) {
			return Mapping{}, err
		}
		return Mapping{}, storeError("restore mapping", err, ErrDuplicateKey)
	}
	if kind != "" {
		d.logger.Warn("restored mapping", "tenant", key.String(), "shard", loc.String(), "status", string(status))
		d.publish(Event{Kind: kind, Key: key, Shard: loc, Status: status})
	}
	return m, nil
}

// PurgeMapping removes key from the directory if, and only if, it still points
// at loc, regardless of its status. It is meant for reconciliation only and is
// idempotent: purging an absent mapping succeeds.
func (d *Directory) PurgeMapping(ctx context.Context, key Key, loc Location) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var (
		m       Mapping
		removed bool
	)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = getMapping(ctx, tx, d.shardMap, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if m.Shard != loc {
			return nil
		}
		removed = true
		return deleteMapping(ctx, tx, d.shardMap, key)
	})
	if err != nil {
		return storeError("purge mapping", err, nil)
	}
	if removed {
		d.logger.Warn("purged mapping", "tenant", key.String(), "shard", loc.String())
		d.publish(Event{Kind: EventMappingDeleted, Key: key, Shard: loc, Status: m.Status})
	}
	return nil
}

// PutSchemaInfo replaces the schema info recorded for the shard map.
func (d *Directory) PutSchemaInfo(ctx context.Context, info SchemaInfo) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_info WHERE shard_map = ?`, d.shardMap); err != nil {
			return err
		}
		for _, t := range info.ReferenceTables {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_info (shard_map, table_name, kind) VALUES (?, ?, 'reference')`,
				d.shardMap, t); err != nil {
				return err
			}
		}
		for _, t := range info.ShardedTables {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_info (shard_map, table_name, kind, key_column) VALUES (?, ?, 'sharded', ?)`,
				d.shardMap, t.Table, t.KeyColumn); err != nil {
				return err
			}
		}
		return nil
	})
	return storeError("put schema info", err, ErrAlreadyExists)
}

// SchemaInfo returns the schema info recorded for the shard map.
func (d *Directory) SchemaInfo(ctx context.Context) (SchemaInfo, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		`SELECT table_name, kind, key_column FROM schema_info WHERE shard_map = ? ORDER BY table_name`,
		d.shardMap)
	if err != nil {
		return SchemaInfo{}, storeError("schema info", err, nil)
	}
	defer rows.Close()

	var info SchemaInfo
	for rows.Next() {
		var name, kind, keyColumn string
		if err := rows.Scan(&name, &kind, &keyColumn); err != nil {
			return SchemaInfo{}, storeError("schema info", err, nil)
		}
		if kind == "reference" {
			info.ReferenceTables = append(info.ReferenceTables, name)
		} else {
			info.ShardedTables = append(info.ShardedTables, ShardedTable{Table: name, KeyColumn: keyColumn})
		}
	}
	return info, storeError("schema info", rows.Err(), nil)
}
