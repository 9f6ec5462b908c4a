package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/shardsql/internal/directory"
)

// DefaultCacheTTL bounds how long a resolved mapping is served without
// asking the directory again.
const DefaultCacheTTL = 30 * time.Second

// cacheEntry is an immutable snapshot of one mapping. Entries are replaced,
// never modified in place.
type cacheEntry struct {
	mapping directory.Mapping
	expires time.Time
}

// Cache holds recently resolved mappings keyed by tenant key, serving the
// router's hot path.
//
// Staleness is bounded two ways:
//   - every entry expires after the TTL and is refetched on the next lookup
//   - directory events evict the affected keys as soon as they are committed
//
// Architecture:
//
//	┌──────────────────────────────────────┐
//	│               Cache                  │
//	├──────────────────────────────────────┤
//	│  entries: sync.Map key → snapshot    │
//	│  ttl: bound on staleness             │
//	├──────────────────────────────────────┤
//	│  Get: Load + expiry check, no lock   │
//	│  Put/Invalidate: single map op       │
//	└──────────────────────────────────────┘
//
// Concurrency Model:
//   - Lookups never take a lock; many routers share one Cache
//   - Invalidation from the event path is a single Delete per key
//   - Returned mappings are values, so callers cannot mutate cached state
//
// Only positive results are cached. Unmapped keys always reach the directory,
// so a freshly provisioned tenant is routable immediately.
type Cache struct {
	entries sync.Map // directory.Key -> cacheEntry
	ttl     time.Duration
	now     func() time.Time

	// epoch advances before every invalidation; see PutIfCurrent.
	epoch atomic.Uint64

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
}

// NewCache creates a cache whose entries live for ttl. A ttl of zero or less
// disables caching: every Get misses.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

// Get returns the cached mapping for key if present and not expired.
// Expired entries are removed as they are found.
func (c *Cache) Get(key directory.Key) (directory.Mapping, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		c.misses.Add(1)
		return directory.Mapping{}, false
	}
	e := v.(cacheEntry)
	if !c.now().Before(e.expires) {
		c.entries.CompareAndDelete(key, v)
		c.misses.Add(1)
		return directory.Mapping{}, false
	}
	c.hits.Add(1)
	return e.mapping, true
}

// Put stores m until the TTL elapses.
func (c *Cache) Put(m directory.Mapping) {
	if c.ttl <= 0 {
		return
	}
	c.entries.Store(m.Key, cacheEntry{mapping: m, expires: c.now().Add(c.ttl)})
}

// Epoch returns the invalidation epoch. Read it before fetching a mapping
// and hand it to PutIfCurrent.
func (c *Cache) Epoch() uint64 {
	return c.epoch.Load()
}

// PutIfCurrent stores m unless an invalidation ran since epoch was read. A
// fetch that raced with an invalidation is never left in the cache: either
// the epoch check sees the invalidation, or the invalidation's delete runs
// after the store. It reports whether m stayed cached.
func (c *Cache) PutIfCurrent(m directory.Mapping, epoch uint64) bool {
	if c.ttl <= 0 || c.epoch.Load() != epoch {
		return false
	}
	e := cacheEntry{mapping: m, expires: c.now().Add(c.ttl)}
	c.entries.Store(m.Key, e)
	if c.epoch.Load() != epoch {
		c.entries.CompareAndDelete(m.Key, e)
		return false
	}
	return true
}

// Invalidate evicts keys. Evicting an uncached key is a no-op apart from
// advancing the epoch.
func (c *Cache) Invalidate(keys ...directory.Key) {
	if len(keys) == 0 {
		return
	}
	c.epoch.Add(1)
	for _, k := range keys {
		if _, loaded := c.entries.LoadAndDelete(k); loaded {
			c.invalidations.Add(1)
		}
	}
}

// Clear evicts everything.
func (c *Cache) Clear() {
	c.epoch.Add(1)
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
}

// Len counts cached entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries       int    `json:"entries"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Entries:       c.Len(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
