// Package recovery repairs divergence between the directory and the Local
// Shadows kept on each shard.
//
// A directory mutation and its shadow update are two writes to two databases
// with no shared transaction, so a crash, a timeout or a shard restored from
// an old backup leaves them disagreeing. The Reconciler finds those
// disagreements per shard and applies an operator-chosen policy:
//
//   - PreferDirectory rewrites the shadow; use it when the shard lost or
//     rolled back its bookkeeping.
//   - PreferShadow rewrites the directory; use it when the directory's write is
//     suspect and the shard is trusted.
//
// DetachShard and AttachShard are disaster-recovery escape hatches. Detach
// drops a shard and its mappings from the directory without inspecting the
// shard; attach re-registers it and trusts its shadow.
package recovery
