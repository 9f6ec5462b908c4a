package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func shardMapExists(ctx context.Context, q queryer, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM shard_maps WHERE name = ?`, name).Scan(&n)
	return n > 0, err
}

func getShard(ctx context.Context, q queryer, shardMap string, loc Location) (Shard, error) {
	var created int64
	err := q.QueryRowContext(ctx,
		`SELECT created_at FROM shards WHERE shard_map = ? AND server = ? AND database_name = ?`,
		shardMap, loc.Server, loc.Database).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return Shard{}, fmt.Errorf("shard %s: %w", loc, ErrNotFound)
	}
	if err != nil {
		return Shard{}, err
	}
	return Shard{Location: loc, CreatedAt: time.Unix(created, 0).UTC()}, nil
}

const mappingColumns = `tenant_key, server, database_name, status, created_at, updated_at`

func listShards(ctx context.Context, q queryer, shardMap string) ([]Shard, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT server, database_name, created_at FROM shards
		 WHERE shard_map = ? ORDER BY server, database_name`, shardMap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shards := []Shard{}
	for rows.Next() {
		var s Shard
		var created int64
		if err := rows.Scan(&s.Location.Server, &s.Location.Database, &created); err != nil {
			return nil, err
		}
		s.CreatedAt = time.Unix(created, 0).UTC()
		shards = append(shards, s)
	}
	return shards, rows.Err()
}

func scanMapping(scan func(dest ...any) error) (Mapping, error) {
	var (
		m                Mapping
		status           string
		created, updated int64
	)
	if err := scan(&m.Key, &m.Shard.Server, &m.Shard.Database, &status, &created, &updated); err != nil {
		return Mapping{}, err
	}
	m.Status = Status(status)
	m.CreatedAt = time.Unix(created, 0).UTC()
	m.UpdatedAt = time.Unix(updated, 0).UTC()
	return m, nil
}

func getMapping(ctx context.Context, q queryer, shardMap string, key Key) (Mapping, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM mappings WHERE shard_map = ? AND tenant_key = ?`,
		shardMap, int64(key))
	m, err := scanMapping(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, fmt.Errorf("tenant %s: %w", key, ErrNotFound)
	}
	return m, err
}

func listMappings(ctx context.Context, q queryer, shardMap string, shard *Location) ([]Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings WHERE shard_map = ?`
	args := []any{shardMap}
	if shard != nil {
		query += ` AND server = ? AND database_name = ?`
		args = append(args, shard.Server, shard.Database)
	}
	query += ` ORDER BY server, database_name, tenant_key`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mappings := []Mapping{}
	for rows.Next() {
		m, err := scanMapping(rows.Scan)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

func insertMapping(ctx context.Context, q queryer, shardMap string, m Mapping) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO mappings (shard_map, tenant_key, server, database_name, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		shardMap, int64(m.Key), m.Shard.Server, m.Shard.Database, string(m.Status),
		m.CreatedAt.Unix(), m.UpdatedAt.Unix())
	return err
}

func updateMappingStatus(ctx context.Context, q queryer, shardMap string, m Mapping) error {
	_, err := q.ExecContext(ctx,
		`UPDATE mappings SET status = ?, updated_at = ? WHERE shard_map = ? AND tenant_key = ?`,
		string(m.Status), m.UpdatedAt.Unix(), shardMap, int64(m.Key))
	return err
}

func deleteMapping(ctx context.Context, q queryer, shardMap string, key Key) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM mappings WHERE shard_map = ? AND tenant_key = ?`, shardMap, int64(key))
	return err
}
