// Package crdt converges the mutation stream of one scene into its stored state.
//
// The stored state maps each (entity, component) key to exactly one
// (timestamp, payload, deleted) triple. Every write is ordered by
//
//	(timestamp, tombstone-over-value, payload bytes)
//
// and the greatest write wins, so merging is commutative, associative and
// idempotent: any permutation of the same multiset of messages converges to
// the same state. Ties on timestamp go to the tombstone; between two values the
// lexicographically larger payload wins; an identical write is NoChange.
//
// Deletes carry timestamps and are merged like puts. A delete for a key that
// was never stored still records a tombstone, otherwise a stale put arriving
// after it would depend on arrival order. Deleting an entity kills the entity
// number for the rest of the scene: later messages for it are discarded.
//
// Append components are grow-only sets of (timestamp, payload) elements in
// that order, capped at a maximum size with the smallest elements evicted.
// Their materialized payload is the concatenation of the elements.
package crdt
