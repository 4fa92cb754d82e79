// Package crdt implements the replicated document that backs the shared
// dataset.
//
// # Model
//
// A document is a flat map from path keys to entries. Every JSON object,
// keyed list and scalar of the domain snapshot occupies its own key, so two
// devices that edit different fields never touch the same entry:
//
//	/allotment                               map
//	/allotment/meta                          map
//	/allotment/meta/name                     leaf "My Allotment"
//	/allotment/layout/beds                   list (elements keyed by "id")
//	/allotment/layout/beds/A                 map, position 0
//	/allotment/layout/beds/A/status          leaf "rotation"
//
// Each entry carries a hybrid logical clock stamp (wall ms, counter, actor).
// Merging two replicas keeps, per key, the entry that is greatest under a
// total order on (clock, content). Taking a per-key maximum is commutative,
// associative and idempotent, so replicas converge regardless of the order
// or number of times states are exchanged.
//
// Deletes are tombstones. An entry whose ancestor is deleted (or missing)
// is not visible in the snapshot; re-creating the ancestor later tombstones
// the stale descendants it does not carry, so old children do not resurface.
//
// # Keyed lists
//
// Arrays whose elements are all objects with a unique "id" (or "bedId",
// "year") field become lists: each element is addressed by that identity
// instead of by index, and its order is a per-element position register.
// Concurrent inserts into the same list therefore both survive. Any other
// array is an atomic leaf value.
//
// # Mutation
//
// All writes go through Document.Transact. A transaction stages keyed
// operations (Put, Delete, SetPosition, or Update, which diffs two snapshots
// into those operations) and applies them atomically, returning the Delta to
// persist and broadcast. There is deliberately no operation that clears the
// whole document.
package crdt
