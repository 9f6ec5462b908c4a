package shard

import (
	"context"
	"strings"
	"testing"

	"github.com/dreamware/shardsql/internal/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitScript(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{"single batch", "CREATE TABLE a (x INTEGER)", []string{"CREATE TABLE a (x INTEGER)"}},
		{"go separators", "CREATE TABLE a (x INTEGER)\nGO\nCREATE TABLE b (y INTEGER);\n  go  \n", []string{"CREATE TABLE a (x INTEGER)", "CREATE TABLE b (y INTEGER);"}},
		{"empty batches dropped", "GO\n\nGO\nSELECT 1\nGO", []string{"SELECT 1"}},
		{"go inside a line is kept", "SELECT 'GO' AS go_col", []string{"SELECT 'GO' AS go_col"}},
		{"empty script", "", nil},
		{"crlf line endings", "SELECT 1\r\nGO\r\nSELECT 2\r\n", []string{"SELECT 1", "SELECT 2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitScript(tt.script))
		})
	}
}

func TestSplitScriptLongLine(t *testing.T) {
	value := strings.Repeat("x", 17<<20)
	script := "CREATE TABLE seed (v TEXT)\nGO\nINSERT INTO seed VALUES ('" + value + "')\nGO\nCREATE INDEX seed_v ON seed (v)\n"

	batches := SplitScript(script)
	require.Len(t, batches, 3)
	assert.Equal(t, "INSERT INTO seed VALUES ('"+value+"')", batches[1])
	assert.Equal(t, "CREATE INDEX seed_v ON seed (v)", batches[2])
}

func TestExecScriptIsAtomic(t *testing.T) {
	c, dir := newTestConnector(t)
	ctx := context.Background()
	loc := directory.Location{Server: dir, Database: "tenant-1"}

	err := c.ExecScript(ctx, loc, "CREATE TABLE a (x INTEGER)\nGO\nINSERT INTO missing VALUES (1)\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 2 of 2")

	db, err := c.DB(loc)
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'a'`).Scan(&n))
	assert.Zero(t, n, "first batch rolled back")

	require.NoError(t, c.ExecScript(ctx, loc, "CREATE TABLE a (x INTEGER)\nGO\nINSERT INTO a VALUES (1)\n"))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM a`).Scan(&n))
	assert.Equal(t, 1, n)
}
