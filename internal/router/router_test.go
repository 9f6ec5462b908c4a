package router

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/shardsql/internal/directory"
	"github.com/dreamware/shardsql/internal/directory/directorytest"
	"github.com/dreamware/shardsql/internal/shadow"
	"github.com/dreamware/shardsql/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir    *directory.Directory
	conn   *shard.Connector
	shadow *shadow.MemoryStore
	s1, s2 directory.Location
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	f := &fixture{
		dir:    directorytest.Open(t, "customers"),
		conn:   shard.NewConnector(shard.Config{DSNTemplate: "file:{server}/{database}.db?_pragma=busy_timeout(5000)"}, nil),
		shadow: shadow.NewMemoryStore(),
		s1:     directory.Location{Server: root, Database: "s1"},
		s2:     directory.Location{Server: root, Database: "s2"},
	}
	t.Cleanup(func() { f.conn.Close() })

	for _, loc := range []directory.Location{f.s1, f.s2} {
		_, err := f.dir.CreateShard(ctx, loc)
		require.NoError(t, err)
		require.NoError(t, f.conn.Exec(ctx, loc, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `CREATE TABLE orders (customer_id INTEGER, product TEXT)`)
			return err
		}))
	}
	return f
}

func (f *fixture) router(t *testing.T, opts Options) *Router {
	r := New(f.dir, f.conn, opts)
	t.Cleanup(f.dir.Subscribe(r.Listen))
	return r
}

func countOrders(t *testing.T, f *fixture, loc directory.Location) int {
	t.Helper()
	db, err := f.conn.DB(loc)
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&n))
	return n
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.router(t, Options{})

	_, err := f.dir.CreateMapping(ctx, 100, f.s1)
	require.NoError(t, err)
	_, err = f.dir.CreateMapping(ctx, 200, f.s2)
	require.NoError(t, err)

	tests := []struct {
		key     directory.Key
		want    directory.Location
		wantErr error
	}{
		{key: 100, want: f.s1},
		{key: 200, want: f.s2},
		{key: 300, wantErr: directory.ErrUnmappedKey},
	}
	for _, tt := range tests {
		t.Run(tt.key.String(), func(t *testing.T) {
			m, err := r.Resolve(ctx, tt.key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Shard)
		})
	}

	t.Run("unmapped keys are not cached", func(t *testing.T) {
		_, err := f.dir.CreateMapping(ctx, 300, f.s1)
		require.NoError(t, err)
		m, err := r.Resolve(ctx, 300)
		require.NoError(t, err)
		assert.Equal(t, f.s1, m.Shard)
	})
}

func TestResolveOfflineGating(t *testing.T) {
	ctx := context.Background()

	t.Run("eager invalidation", func(t *testing.T) {
		f := newFixture(t)
		r := f.router(t, Options{CacheTTL: time.Hour})
		_, err := f.dir.CreateMapping(ctx, 100, f.s1)
		require.NoError(t, err)

		_, err = r.Resolve(ctx, 100)
		require.NoError(t, err)

		_, err = f.dir.UpdateMappingStatus(ctx, 100, directory.StatusOffline)
		require.NoError(t, err)
		_, err = r.Resolve(ctx, 100)
		assert.ErrorIs(t, err, directory.ErrMappingOffline)

		_, err = f.dir.DeleteMapping(ctx, 100)
		require.NoError(t, err)
		_, err = r.Resolve(ctx, 100)
		assert.ErrorIs(t, err, directory.ErrUnmappedKey)
	})

	t.Run("change from another process is seen within one ttl", func(t *testing.T) {
		f := newFixture(t)
		// Not subscribed: only the TTL bounds staleness.
		r := New(f.dir, f.conn, Options{CacheTTL: time.Minute})
		clock := newClock()
		r.cache.now = clock.Now

		_, err := f.dir.CreateMapping(ctx, 100, f.s1)
		require.NoError(t, err)
		_, err = r.Resolve(ctx, 100)
		require.NoError(t, err)

		_, err = f.dir.UpdateMappingStatus(ctx, 100, directory.StatusOffline)
		require.NoError(t, err)
		_, err = r.Resolve(ctx, 100)
		assert.NoError(t, err, "stale entry served inside the ttl window")

		clock.Advance(time.Minute)
		_, err = r.Resolve(ctx, 100)
		assert.ErrorIs(t, err, directory.ErrMappingOffline)
	})

	t.Run("status change during a directory read is not cached", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.dir.CreateMapping(ctx, 100, f.s1)
		require.NoError(t, err)

		src := &offliningSource{dir: f.dir, key: 100}
		r := New(src, f.conn, Options{CacheTTL: time.Hour})
		t.Cleanup(f.dir.Subscribe(r.Listen))

		m, err := r.Resolve(ctx, 100)
		require.NoError(t, err, "the read happened before the change committed")
		assert.Equal(t, directory.StatusOnline, m.Status)
		assert.Zero(t, r.cache.Len())

		_, err = r.Resolve(ctx, 100)
		assert.ErrorIs(t, err, directory.ErrMappingOffline)
	})

	t.Run("detach evicts every removed key", func(t *testing.T) {
		f := newFixture(t)
		r := f.router(t, Options{CacheTTL: time.Hour})
		for _, k := range []directory.Key{1, 2, 3} {
			_, err := f.dir.CreateMapping(ctx, k, f.s1)
			require.NoError(t, err)
			_, err = r.Resolve(ctx, k)
			require.NoError(t, err)
		}
		_, err := f.dir.DetachShard(ctx, f.s1)
		require.NoError(t, err)
		for _, k := range []directory.Key{1, 2, 3} {
			_, err = r.Resolve(ctx, k)
			assert.ErrorIs(t, err, directory.ErrUnmappedKey)
		}
	})
}

// offliningSource takes key offline right after the first read of it returns,
// as a concurrent admin process would.
type offliningSource struct {
	dir  *directory.Directory
	key  directory.Key
	once sync.Once
}

func (s *offliningSource) GetMapping(ctx context.Context, key directory.Key) (directory.Mapping, error) {
	m, err := s.dir.GetMapping(ctx, key)
	if err == nil && key == s.key {
		s.once.Do(func() {
			_, err = s.dir.UpdateMappingStatus(ctx, key, directory.StatusOffline)
		})
	}
	return m, err
}

func TestExecuteOnShard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.router(t, Options{})

	_, err := f.dir.CreateMapping(ctx, 100, f.s1)
	require.NoError(t, err)

	insert := func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO orders (customer_id, product) VALUES (?, ?)`, 100, "widget")
		return err
	}
	require.NoError(t, r.ExecuteOnShard(ctx, 100, insert))
	assert.Equal(t, 1, countOrders(t, f, f.s1))
	assert.Equal(t, 0, countOrders(t, f, f.s2), "row lands on the owning shard only")

	t.Run("error rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		err := r.ExecuteOnShard(ctx, 100, func(ctx context.Context, tx *sql.Tx) error {
			if err := insert(ctx, tx); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), f.s1.String())
		assert.Equal(t, 1, countOrders(t, f, f.s1))
	})

	t.Run("unmapped key never reaches a shard", func(t *testing.T) {
		called := false
		err := r.ExecuteOnShard(ctx, 999, func(context.Context, *sql.Tx) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, directory.ErrUnmappedKey)
		assert.False(t, called)
	})

	t.Run("unreachable shard reports connection failure with identity", func(t *testing.T) {
		bad := directory.Location{Server: filepath.Join(t.TempDir(), "gone"), Database: "s3"}
		_, err := f.dir.CreateShard(ctx, bad)
		require.NoError(t, err)
		_, err = f.dir.CreateMapping(ctx, 300, bad)
		require.NoError(t, err)

		err = r.ExecuteOnShard(ctx, 300, insert)
		assert.ErrorIs(t, err, directory.ErrConnectionFailed)
		var serr *shard.Error
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, bad, serr.Location)
	})
}

func TestOpenValidatesAgainstShadow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.router(t, Options{Shadow: f.shadow, CacheTTL: time.Hour})

	_, err := f.dir.CreateMapping(ctx, 100, f.s1)
	require.NoError(t, err)

	conn, err := r.Open(ctx, 100)
	require.NoError(t, err, "missing shadow entry does not block routing")
	assert.Equal(t, f.s1, conn.Location)
	require.NoError(t, conn.Close())

	require.NoError(t, f.shadow.Put(ctx, f.s1, shadow.Entry{Key: 100, Status: directory.StatusOffline}))
	_, err = r.Open(ctx, 100)
	assert.ErrorIs(t, err, directory.ErrMappingOffline)
	assert.Zero(t, r.CacheStats().Entries, "rejected key is evicted")
}

func TestRouterConcurrentCallers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.router(t, Options{})

	for k := directory.Key(1); k <= 10; k++ {
		loc := f.s1
		if k%2 == 0 {
			loc = f.s2
		}
		_, err := f.dir.CreateMapping(ctx, k, loc)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := directory.Key(1); k <= 10; k++ {
				m, err := r.Resolve(ctx, k)
				if assert.NoError(t, err) {
					assert.Equal(t, k%2 == 0, m.Shard == f.s2)
				}
			}
		}()
	}
	wg.Wait()
	assert.Positive(t, r.CacheStats().Hits)
}
