package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dreamware/shardsql/internal/app"
	"github.com/dreamware/shardsql/internal/config"
	"github.com/dreamware/shardsql/internal/directory/directorytest"
	"github.com/dreamware/shardsql/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t      *testing.T
	cfg    config.Config
	opened int
}

func newHarness(t *testing.T) *harness {
	cfg := config.Default()
	cfg.Directory.DSN = directorytest.DSN(t)
	cfg.Shards.Server = t.TempDir()
	return &harness{t: t, cfg: cfg}
}

func (h *harness) open(ctx context.Context, _ string) (*app.App, error) {
	h.opened++
	return app.New(ctx, h.cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// run executes one invocation with stdin and returns the exit code and stdout.
func (h *harness) run(stdin string, args ...string) (int, string) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	code := Run(context.Background(), args, IO{In: strings.NewReader(stdin), Out: &out, Err: &errOut}, h.open)
	if code != ExitOK {
		h.t.Logf("shardctl %s: exit %d\n%s%s", strings.Join(args, " "), code, out.String(), errOut.String())
	}
	return code, out.String()
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no command", args: nil},
		{name: "one word", args: []string{"shard"}},
		{name: "unknown command", args: []string{"shard", "explode"}},
		{name: "unknown flag", args: []string{"shard", "add", "-bogus"}},
		{name: "missing tenants", args: []string{"shard", "delete"}},
		{name: "bad tenant key", args: []string{"shard", "get", "-tenants", "abc"}},
		{name: "positional on command without tenants", args: []string{"directory", "status", "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			code, _ := h.run("", tt.args...)
			assert.Equal(t, ExitUsage, code)
			assert.Zero(t, h.opened, "usage errors must not open the directory")
		})
	}
}

func TestLookupCoversEveryCommand(t *testing.T) {
	for _, c := range commands {
		got, ok := lookup(c.name)
		require.True(t, ok, c.name)
		assert.Equal(t, c.name, got.name)
		assert.Len(t, strings.Fields(c.name), 2)
	}
	_, ok := lookup("shard")
	assert.False(t, ok)
}

func TestKeyList(t *testing.T) {
	var k keyList
	require.NoError(t, k.Set("100, 101,,102"))
	require.NoError(t, k.Set("103"))
	assert.Equal(t, "100,101,102,103", k.String())
	assert.Error(t, k.Set("1,x"))
}

func TestProvisioningCommands(t *testing.T) {
	h := newHarness(t)

	code, out := h.run("", "directory", "create")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "shard map customers created")

	code, out = h.run("", "directory", "create")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "already exists")

	script := filepath.Join(t.TempDir(), "schema.sql")
	require.NoError(t, os.WriteFile(script, []byte(orders.SchemaSQL), 0o600))

	code, out = h.run("", "shard", "add", "-file", script, "-tenants", "100", "101")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "tenant 100: ok")
	assert.Contains(t, out, "tenant 101: ok")
	assert.Contains(t, out, "2 succeeded, 0 skipped, 0 failed")

	code, out = h.run("", "shard", "add", "-tenants", "100")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "0 succeeded, 1 skipped, 0 failed")

	code, out = h.run("", "shard", "get", "-tenants", "100,999")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out, "tenant 100: ok")
	assert.Contains(t, out, "tenant 999: failed")

	code, out = h.run("", "directory", "status")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "2 shards, 2 mappings")
	assert.Contains(t, out, "tenant-100")
	assert.Contains(t, out, "online")
	assert.Contains(t, out, "shadow updates: 0 applied, 0 failed, 0 dropped")

	marker := filepath.Join(t.TempDir(), "marker.sql")
	require.NoError(t, os.WriteFile(marker, []byte("CREATE TABLE IF NOT EXISTS marker (id INTEGER)\nGO\nINSERT INTO marker VALUES (1)\n"), 0o600))
	code, out = h.run("", "shard", "sql-script", "-file", marker)
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "2 applied, 0 skipped, 0 failed")

	code, out = h.run("", "shard", "delete", "101")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "1 succeeded")

	code, out = h.run("", "directory", "cleanup")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "removed shard "+h.cfg.Shards.Server+"/tenant-101")
	assert.Contains(t, out, "1 shards removed")
}

func TestCreateShardCommand(t *testing.T) {
	h := newHarness(t)
	code, _ := h.run("", "directory", "create")
	require.Equal(t, ExitOK, code)

	code, _ = h.run("", "directory", "create-shard")
	assert.Equal(t, ExitFailure, code, "database is required")

	code, out := h.run("", "directory", "create-shard", "-database", "spare")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "shard "+h.cfg.Shards.Server+"/spare registered")

	code, _ = h.run("", "directory", "create-shard", "-server", filepath.Join(h.cfg.Shards.Server, "missing"), "-database", "spare")
	assert.Equal(t, ExitFailure, code)
}

func TestRecoveryCommands(t *testing.T) {
	h := newHarness(t)
	code, _ := h.run("", "directory", "create")
	require.Equal(t, ExitOK, code)
	code, _ = h.run("", "shard", "add", "-tenant-type", "sharded-multi-tenant", "-database-name", "pool", "1", "2")
	require.Equal(t, ExitOK, code)

	t.Run("detach asks for confirmation", func(t *testing.T) {
		code, out := h.run("n\n", "recovery", "detach-shard", "1")
		assert.Equal(t, ExitFailure, code)
		assert.Contains(t, out, "Continue? [y/N]")

		code, _ = h.run("", "shard", "get", "1")
		assert.Equal(t, ExitOK, code, "mapping must survive an aborted detach")
	})

	t.Run("detach confirmed", func(t *testing.T) {
		code, out := h.run("y\n", "recovery", "detach-shard", "1")
		require.Equal(t, ExitOK, code)
		assert.Contains(t, out, "detached with 2 mappings")

		code, _ = h.run("", "shard", "get", "1", "2")
		assert.Equal(t, ExitFailure, code)
	})

	t.Run("detect", func(t *testing.T) {
		code, out := h.run("", "recovery", "detect-mapping-issues", "-database-name", "pool", "1")
		require.Equal(t, ExitOK, code)
		assert.Contains(t, out, "present-only-in-shadow")
		assert.Contains(t, out, "2 differences")
	})

	t.Run("attach", func(t *testing.T) {
		code, out := h.run("", "recovery", "attach-shard", "-database-name", "pool", "1", "2")
		require.Equal(t, ExitOK, code)
		assert.Contains(t, out, "2 succeeded")

		code, _ = h.run("", "shard", "get", "1", "2")
		assert.Equal(t, ExitOK, code)
	})

	t.Run("resolve with unknown policy", func(t *testing.T) {
		code, _ := h.run("", "recovery", "resolve-mapping-issues", "-resolution", "coin-flip", "1")
		assert.Equal(t, ExitFailure, code)
	})

	t.Run("resolve", func(t *testing.T) {
		code, out := h.run("", "recovery", "resolve-mapping-issues", "-resolution", "prefer-directory", "1")
		require.Equal(t, ExitOK, code)
		assert.Contains(t, out, "0 differences")
	})

	t.Run("detach with -yes", func(t *testing.T) {
		code, out := h.run("", "recovery", "detach-shard", "-yes", "2")
		require.Equal(t, ExitOK, code)
		assert.NotContains(t, out, "Continue?")
	})
}
