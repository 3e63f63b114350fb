// Package store provides SQLite-backed durable storage for the
// bitemporal ledger's append-only record log.
//
// The store implements an append-only, time-partitioned log:
//
//   - Records: one immutable row per field change, stamped with a
//     store-assigned transaction time and insertion-order seq
//   - Partitions: one table per monthly transaction-time bucket, with a
//     rolling window of future buckets pre-created so appends never
//     block on DDL
//   - Mutation attempts: every refused update/delete is counted and
//     written to an audit table
//
// # Ordering
//
// Transaction times come from a monotonic clock and are assigned in the
// same critical section as the insertion-order seq, so seq order and
// transaction-time order agree store-wide. All reads order by
// (transaction_time, seq) for deterministic results.
//
// # Immutability
//
// The Go API exposes no update or delete path for records. Defense in
// depth: every partition table carries BEFORE UPDATE / BEFORE DELETE
// triggers that abort the statement, so even raw SQL cannot mutate a
// record.
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: appends are durable before Append returns
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
