package directory

// SchemaVersion is the version of the directory's own tables. It is tracked
// separately from any application schema living on the shards.
const SchemaVersion = 1

// schemaSQL returns the statements that create the directory tables.
// All statements are idempotent.
func schemaSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS directory_meta (
			meta_key   TEXT PRIMARY KEY,
			meta_value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shard_maps (
			name       TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shards (
			shard_map     TEXT NOT NULL REFERENCES shard_maps(name),
			server        TEXT NOT NULL,
			database_name TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			PRIMARY KEY (shard_map, server, database_name)
		)`,
		`CREATE TABLE IF NOT EXISTS mappings (
			shard_map     TEXT NOT NULL,
			tenant_key    INTEGER NOT NULL,
			server        TEXT NOT NULL,
			database_name TEXT NOT NULL,
			status        TEXT NOT NULL CHECK (status IN ('online', 'offline')),
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			PRIMARY KEY (shard_map, tenant_key),
			FOREIGN KEY (shard_map, server, database_name)
				REFERENCES shards(shard_map, server, database_name)
		)`,
		`CREATE INDEX IF NOT EXISTS mappings_by_shard
			ON mappings (shard_map, server, database_name, tenant_key)`,
		`CREATE TABLE IF NOT EXISTS schema_info (
			shard_map  TEXT NOT NULL REFERENCES shard_maps(name),
			table_name TEXT NOT NULL,
			kind       TEXT NOT NULL CHECK (kind IN ('reference', 'sharded')),
			key_column TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (shard_map, table_name)
		)`,
	}
}
