// Package router resolves tenant keys to shards on the request path.
//
// Resolution reads a TTL-bounded cache and falls back to the directory on a
// miss. The cache is also kept coherent by directory events, so a status
// change is visible to the router as soon as it commits in this process, and
// within one TTL in any other process sharing the directory.
//
// Routing flow:
//
//	ExecuteOnShard(key, fn)
//	   │
//	   ├─ Resolve(key) ── cache hit? ── no ──► Directory.GetMapping
//	   │      │                                    │
//	   │      └──── Offline ──► ErrMappingOffline   └─ not found ──► ErrUnmappedKey
//	   │
//	   ├─ validate against the shard's Local Shadow (optional)
//	   ├─ Connector.Conn(shard)  ── failure ──► ErrConnectionFailed / ErrTimeout
//	   └─ BEGIN; fn(tx); COMMIT  (ROLLBACK on error)
//
// A key has exactly one correct shard, so the router never fails over and
// never retries. Callers decide whether an operation is safe to repeat.
package router
