// Package directorytest opens throwaway directories for tests.
package directorytest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dreamware/shardsql/internal/directory"
	"github.com/stretchr/testify/require"
)

// DSN returns a directory DSN for a fresh database file under t.TempDir().
func DSN(t testing.TB) string {
	return "file:" + filepath.Join(t.TempDir(), "directory.db") +
		"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}

// Open returns a directory for shardMap with the shard map already created.
// It is closed when the test ends.
func Open(t testing.TB, shardMap string) *directory.Directory {
	t.Helper()
	ctx := context.Background()
	d, err := directory.Open(ctx, "sqlite3", DSN(t), shardMap, directory.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.CreateShardMap(ctx))
	return d
}
