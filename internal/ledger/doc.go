// Package ledger defines the bitemporal record model shared by every
// other package in the module.
//
// A ProvenanceRecord tracks one change to one field of one entity along
// two independent time axes:
//
//   - Transaction time: when the system recorded the fact. Assigned by
//     the store at write time, never supplied by callers, monotonically
//     non-decreasing per store.
//   - Valid time: when the fact is/was true in reality. Supplied by
//     callers as a date interval; an absent end date means the fact is
//     true until further notice.
//
// Records are immutable. The package exposes no way to modify a record
// after construction, and the storage layer enforces the same rule with
// schema-level triggers.
//
// # Ordering
//
// All ordering uses (transaction_time, seq). Seq is a store-assigned
// insertion-order sequence number; when two records share an identical
// transaction time the larger seq wins. This is deterministic and
// documented, unlike wall-clock-only ordering.
package ledger
