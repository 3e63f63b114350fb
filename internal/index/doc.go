// Package index provides the temporal lookup paths over the append-only
// record partitions, without ever scanning the full store.
//
// Three logical orderings exist over the same immutable rows:
//
//  1. (entity_id, field_name, transaction_time DESC, seq DESC) -
//     "what did we know and when"
//  2. (entity_id, field_name, valid_time_start, valid_time_end) -
//     "what was/is true when"
//  3. A covering index restricted to partitions inside the rolling hot
//     window - the dominant recent-data access pattern without bloating
//     cold partitions
//
// All three are physical SQL indexes declared in the partition DDL, so a
// record becomes visible to every ordering at the instant its insert
// commits: there is no window where a record is durable but unindexed.
//
// Lookups prune by partition: as-of queries walk partitions newest to
// oldest and stop at the first hit, which is correct because seq order
// and transaction-time order agree store-wide.
//
// Every generated statement is parameterized (values are never
// interpolated) and carries a deterministic ORDER BY, so identical
// queries return identical row orders across runs.
package index
