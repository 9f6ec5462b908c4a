package recovery

import (
	"context"
	"testing"

	"github.com/dreamware/shardsql/internal/directory"
	"github.com/dreamware/shardsql/internal/directory/directorytest"
	"github.com/dreamware/shardsql/internal/shadow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	s1 = directory.Location{Server: "sql-1", Database: "s1"}
	s2 = directory.Location{Server: "sql-1", Database: "s2"}
)

type fixture struct {
	dir    *directory.Directory
	shadow *shadow.MemoryStore
	rec    *Reconciler
}

func newFixture(t *testing.T, shards ...directory.Location) *fixture {
	t.Helper()
	f := &fixture{dir: directorytest.Open(t, "customers"), shadow: shadow.NewMemoryStore()}
	f.rec = New(f.dir, f.shadow, nil)
	for _, loc := range shards {
		_, err := f.dir.CreateShard(context.Background(), loc)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) mapping(t *testing.T, key directory.Key, loc directory.Location) {
	t.Helper()
	_, err := f.dir.CreateMapping(context.Background(), key, loc)
	require.NoError(t, err)
}

func (f *fixture) shadowEntry(t *testing.T, loc directory.Location, key directory.Key, st directory.Status) {
	t.Helper()
	require.NoError(t, f.shadow.Put(context.Background(), loc, shadow.Entry{Key: key, Status: st}))
}

func TestDetectDifferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, s1)
	f.mapping(t, 1, s1)
	f.mapping(t, 2, s1)
	f.shadowEntry(t, s1, 2, directory.StatusOnline)
	f.shadowEntry(t, s1, 3, directory.StatusOnline)

	diffs, err := f.rec.DetectDifferences(ctx, s1)
	require.NoError(t, err)
	assert.Equal(t, []Difference{
		{Shard: s1, Key: 1, Kind: OnlyInDirectory, DirectoryStatus: directory.StatusOnline},
		{Shard: s1, Key: 3, Kind: OnlyInShadow, ShadowStatus: directory.StatusOnline},
	}, diffs)

	t.Run("status mismatch", func(t *testing.T) {
		f.shadowEntry(t, s1, 2, directory.StatusOffline)
		diffs, err := f.rec.DetectDifferences(ctx, s1)
		require.NoError(t, err)
		require.Len(t, diffs, 3)
		assert.Equal(t, Difference{
			Shard: s1, Key: 2, Kind: StatusMismatch,
			DirectoryStatus: directory.StatusOnline, ShadowStatus: directory.StatusOffline,
		}, diffs[1])
	})

	t.Run("detection has no side effects", func(t *testing.T) {
		again, err := f.rec.DetectDifferences(ctx, s1)
		require.NoError(t, err)
		require.Len(t, again, 3)
		ms, err := f.dir.ListMappings(ctx, &s1)
		require.NoError(t, err)
		assert.Len(t, ms, 2)
	})

	t.Run("other shards are not considered", func(t *testing.T) {
		f := newFixture(t, s1, s2)
		f.mapping(t, 1, s2)
		f.shadowEntry(t, s2, 1, directory.StatusOnline)
		diffs, err := f.rec.DetectDifferences(ctx, s1)
		require.NoError(t, err)
		assert.Empty(t, diffs)
	})
}

func TestResolveDifferences(t *testing.T) {
	ctx := context.Background()

	// setup builds: directory {1, 2 online, 4 offline}, shadow {2 offline, 3 online, 4 offline}
	setup := func(t *testing.T) *fixture {
		f := newFixture(t, s1)
		f.mapping(t, 1, s1)
		f.mapping(t, 2, s1)
		f.mapping(t, 4, s1)
		_, err := f.dir.UpdateMappingStatus(ctx, 4, directory.StatusOffline)
		require.NoError(t, err)
		f.shadowEntry(t, s1, 2, directory.StatusOffline)
		f.shadowEntry(t, s1, 3, directory.StatusOnline)
		f.shadowEntry(t, s1, 4, directory.StatusOffline)
		return f
	}

	t.Run("prefer directory rewrites the shadow", func(t *testing.T) {
		f := setup(t)
		diffs, err := f.rec.DetectDifferences(ctx, s1)
		require.NoError(t, err)
		require.Len(t, diffs, 3)

		require.NoError(t, f.rec.ResolveDifferences(ctx, diffs, PreferDirectory))

		entries, err := f.shadow.List(ctx, s1)
		require.NoError(t, err)
		assert.Equal(t, []directory.Key{1, 2, 4}, keysOf(entries))
		for _, e := range entries {
			if e.Key == 4 {
				assert.Equal(t, directory.StatusOffline, e.Status)
			} else {
				assert.Equal(t, directory.StatusOnline, e.Status)
			}
		}
		ms, err := f.dir.ListMappings(ctx, &s1)
		require.NoError(t, err)
		assert.Len(t, ms, 3, "directory untouched")
	})

	t.Run("prefer shadow rewrites the directory", func(t *testing.T) {
		f := setup(t)
		diffs, err := f.rec.DetectDifferences(ctx, s1)
		require.NoError(t, err)

		require.NoError(t, f.rec.ResolveDifferences(ctx, diffs, PreferShadow))

		ms, err := f.dir.ListMappings(ctx, &s1)
		require.NoError(t, err)
		require.Len(t, ms, 3)
		assert.Equal(t, directory.Key(2), ms[0].Key)
		assert.Equal(t, directory.StatusOffline, ms[0].Status)
		assert.Equal(t, directory.Key(3), ms[1].Key)
		assert.Equal(t, directory.StatusOnline, ms[1].Status)
		assert.Equal(t, directory.Key(4), ms[2].Key)
	})

	for _, policy := range []Policy{PreferDirectory, PreferShadow} {
		t.Run("idempotent "+string(policy), func(t *testing.T) {
			f := setup(t)
			diffs, err := f.rec.Reconcile(ctx, s1, policy)
			require.NoError(t, err)
			assert.Len(t, diffs, 3)

			// Replaying the stale difference list is a no-op.
			require.NoError(t, f.rec.ResolveDifferences(ctx, diffs, policy))

			after, err := f.rec.DetectDifferences(ctx, s1)
			require.NoError(t, err)
			assert.Empty(t, after)
		})
	}

	t.Run("conflicting key is reported and others still resolve", func(t *testing.T) {
		f := newFixture(t, s1, s2)
		f.mapping(t, 7, s2)
		f.shadowEntry(t, s1, 7, directory.StatusOnline)
		f.shadowEntry(t, s1, 8, directory.StatusOnline)

		diffs, err := f.rec.DetectDifferences(ctx, s1)
		require.NoError(t, err)
		require.Len(t, diffs, 2)

		err = f.rec.ResolveDifferences(ctx, diffs, PreferShadow)
		assert.ErrorIs(t, err, directory.ErrDuplicateKey)

		m, err := f.dir.GetMapping(ctx, 8)
		require.NoError(t, err)
		assert.Equal(t, s1, m.Shard)
		m, err = f.dir.GetMapping(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, s2, m.Shard, "owner elsewhere is not stolen")
	})

	t.Run("unknown policy", func(t *testing.T) {
		f := setup(t)
		err := f.rec.ResolveDifferences(ctx, []Difference{{Shard: s1, Key: 1, Kind: OnlyInDirectory}}, "coin-flip")
		assert.Error(t, err)
	})
}

func TestDetachAndAttachShard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, s1, s2)

	// Shadow follows the directory the way the updater would.
	u := shadow.NewUpdater(f.shadow, 0, nil)
	unsubscribe := f.dir.Subscribe(func(ev directory.Event) { _ = u.Apply(ctx, ev) })
	defer unsubscribe()

	f.mapping(t, 1, s1)
	f.mapping(t, 2, s1)
	f.mapping(t, 3, s2)
	_, err := f.dir.UpdateMappingStatus(ctx, 2, directory.StatusOffline)
	require.NoError(t, err)

	t.Run("detach requires acknowledgement", func(t *testing.T) {
		_, err := f.rec.DetachShard(ctx, s1, DetachOptions{})
		assert.ErrorIs(t, err, ErrNotAcknowledged)
		ms, err := f.dir.ListMappings(ctx, &s1)
		require.NoError(t, err)
		assert.Len(t, ms, 2)
	})

	removed, err := f.rec.DetachShard(ctx, s1, DetachOptions{Acknowledged: true, Actor: "test"})
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	_, err = f.dir.GetMapping(ctx, 1)
	assert.ErrorIs(t, err, directory.ErrNotFound)
	entries, err := f.shadow.List(ctx, s1)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "shadow survives detach")

	_, err = f.rec.DetachShard(ctx, s1, DetachOptions{Acknowledged: true})
	assert.ErrorIs(t, err, directory.ErrNotFound)

	report, err := f.rec.AttachShard(ctx, s1)
	require.NoError(t, err)
	assert.True(t, report.Registered)
	assert.Len(t, report.Differences, 2)
	assert.Empty(t, report.Unresolved)

	m, err := f.dir.GetMapping(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, directory.StatusOnline, m.Status)
	m, err = f.dir.GetMapping(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, directory.StatusOffline, m.Status)

	t.Run("attach of a registered consistent shard is a no-op", func(t *testing.T) {
		report, err := f.rec.AttachShard(ctx, s1)
		require.NoError(t, err)
		assert.False(t, report.Registered)
		assert.Empty(t, report.Differences)
	})
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want Policy
	}{
		{"prefer-directory", PreferDirectory},
		{"PreferDirectory", PreferDirectory},
		{"prefer_shadow", PreferShadow},
		{"shard", PreferShadow},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	_, err := ParsePolicy("newest")
	assert.Error(t, err)
}

func keysOf(entries []shadow.Entry) []directory.Key {
	out := make([]directory.Key, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}
