// Package directory implements the global shard map: the durable, authoritative
// registry of shards and tenant-key mappings for one named shard map.
//
// # Data model
//
//	Shard    (server, database)          registered endpoint, immutable location
//	Mapping  key -> Shard, Online|Offline each key mapped at most once
//	SchemaInfo  reference and sharded tables of the shard map
//
// Mapping lifecycle:
//
//	CreateMapping            UpdateMappingStatus(Offline)       DeleteMapping
//	    ─────────▶  Online  ───────────────────────────▶ Offline ──────────▶ removed
//
// Online mappings cannot be deleted directly and Offline mappings never go back
// Online; re-provisioning a tenant creates a fresh mapping.
//
// # Consistency
//
// Every mutation is a single database transaction. The database, not an
// in-process lock, arbitrates key uniqueness, so any number of processes may
// run admin commands and routers against the same directory. Constraint
// violations raised by a concurrent writer are translated to the same errors
// the pre-checks return (ErrDuplicateKey, ErrAlreadyExists).
//
// # Events
//
// After a mutation commits the directory publishes an Event to its listeners.
// Routers use them to evict cached mappings; the shadow updater uses them to
// maintain each shard's Local Shadow. Delivery is not atomic with the commit.
// A process that crashes between the two loses the event, which is the
// divergence the recovery package detects and repairs.
//
// # Recovery primitives
//
// DetachShard, RestoreMapping and PurgeMapping bypass the normal lifecycle.
// They exist for the reconciler and for disaster recovery only.
package directory
