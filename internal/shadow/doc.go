// Package shadow maintains the Local Shadow: each shard's own record of the
// tenant keys it holds.
//
// The directory is authoritative for routing. The shadow exists so that a
// lost or rolled-back directory can be rebuilt from the shards, and so that
// the reconciler can detect where the two records disagree. Shadows follow
// the directory asynchronously through Updater; consistency between them is
// eventual and repaired by the recovery package.
package shadow
