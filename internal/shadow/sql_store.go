package shadow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/shardsql/internal/directory"
	"github.com/dreamware/shardsql/internal/shard"
)

// TableName is the table that holds the Local Shadow inside every shard database.
const TableName = "shard_local_mappings"

const createTableSQL = `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	shard_map  TEXT NOT NULL,
	tenant_key INTEGER NOT NULL,
	status     TEXT NOT NULL CHECK (status IN ('online', 'offline')),
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (shard_map, tenant_key)
)`

// SQLStore keeps the Local Shadow in a table inside each shard database, so the
// record survives the loss of the directory. The table is created on first use.
type SQLStore struct {
	conn     *shard.Connector
	shardMap string
	ready    sync.Map // directory.Location -> struct{}
}

// NewSQLStore returns a store for shardMap reaching shards through conn.
func NewSQLStore(conn *shard.Connector, shardMap string) *SQLStore {
	return &SQLStore{conn: conn, shardMap: shardMap}
}

// EnsureTable creates the shadow table on loc if needed.
func (s *SQLStore) EnsureTable(ctx context.Context, loc directory.Location) error {
	return s.exec(ctx, loc, func(context.Context, *sql.Tx) error { return nil })
}

func (s *SQLStore) exec(ctx context.Context, loc directory.Location, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return s.conn.Exec(ctx, loc, func(ctx context.Context, tx *sql.Tx) error {
		if _, ok := s.ready.Load(loc); !ok {
			if _, err := tx.ExecContext(ctx, createTableSQL); err != nil {
				return fmt.Errorf("create %s on %s: %w", TableName, loc, err)
			}
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		s.ready.Store(loc, struct{}{})
		return nil
	})
}

func (s *SQLStore) List(ctx context.Context, loc directory.Location) ([]Entry, error) {
	var out []Entry
	err := s.exec(ctx, loc, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT tenant_key, status, updated_at FROM `+TableName+`
			 WHERE shard_map = ? ORDER BY tenant_key`, s.shardMap)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list shadow on %s: %w", loc, err)
	}
	return out, nil
}

func (s *SQLStore) Get(ctx context.Context, loc directory.Location, key directory.Key) (Entry, error) {
	var e Entry
	err := s.exec(ctx, loc, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		e, err = scanEntry(tx.QueryRowContext(ctx,
			`SELECT tenant_key, status, updated_at FROM `+TableName+`
			 WHERE shard_map = ? AND tenant_key = ?`, s.shardMap, int64(key)).Scan)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("shadow entry %s on %s: %w", key, loc, directory.ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get shadow entry %s on %s: %w", key, loc, err)
	}
	return e, nil
}

func (s *SQLStore) Put(ctx context.Context, loc directory.Location, e Entry) error {
	if !e.Status.Valid() {
		return fmt.Errorf("shadow entry %s: invalid status %q", e.Key, e.Status)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	err := s.exec(ctx, loc, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO `+TableName+` (shard_map, tenant_key, status, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (shard_map, tenant_key)
			 DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
			s.shardMap, int64(e.Key), string(e.Status), e.UpdatedAt.UnixNano())
		return err
	})
	if err != nil {
		return fmt.Errorf("put shadow entry %s on %s: %w", e.Key, loc, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, loc directory.Location, key directory.Key) error {
	err := s.exec(ctx, loc, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM `+TableName+` WHERE shard_map = ? AND tenant_key = ?`, s.shardMap, int64(key))
		return err
	})
	if err != nil {
		return fmt.Errorf("delete shadow entry %s on %s: %w", key, loc, err)
	}
	return nil
}

func scanEntry(scan func(dest ...any) error) (Entry, error) {
	var (
		key     int64
		status  string
		updated int64
	)
	if err := scan(&key, &status, &updated); err != nil {
		return Entry{}, err
	}
	return Entry{
		Key:       directory.Key(key),
		Status:    directory.Status(status),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}, nil
}
