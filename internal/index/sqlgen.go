package index

import (
	"fmt"
	"strings"

	"github.com/tidemark-io/tidemark/internal/store"
)

// asOfSQL builds the core temporal predicate for one partition: the
// record with the greatest (transaction_time, seq) at or before the
// cutoff whose valid interval contains the valid-time point.
//
// Parameters, in order: entity_id, field_name, cutoff (unix nanos),
// valid point (date text), valid point (date text).
//
// Open-ended intervals (valid_time_end IS NULL) contain every point at
// or after valid_time_start. The seq tie-breaker makes the result
// deterministic even if two records share an identical transaction time.
func asOfSQL(table string) string {
	return fmt.Sprintf(
		"SELECT %s FROM %s"+
			" WHERE entity_id = ? AND field_name = ?"+
			" AND transaction_time <= ?"+
			" AND valid_time_start <= ?"+
			" AND (valid_time_end IS NULL OR valid_time_end > ?)"+
			" ORDER BY transaction_time DESC, seq DESC"+
			" LIMIT 1",
		store.RecordColumns, table)
}

// rangeSQL builds one partition's slice of a range query, ascending by
// (transaction_time, seq) via the seq ordering, resumable via seq > ?.
//
// Optional bounds are compiled in only when present so the planner sees
// the narrowest possible predicate. Valid-time bounds select records
// whose interval intersects [validFrom, validTo).
func rangeSQL(table string, withTxnFrom, withTxnTo, withValidFrom, withValidTo bool) string {
	conds := []string{
		"entity_id = ?",
		"field_name = ?",
		"seq > ?",
	}
	if withTxnFrom {
		conds = append(conds, "transaction_time >= ?")
	}
	if withTxnTo {
		conds = append(conds, "transaction_time < ?")
	}
	if withValidFrom {
		conds = append(conds, "(valid_time_end IS NULL OR valid_time_end > ?)")
	}
	if withValidTo {
		conds = append(conds, "valid_time_start < ?")
	}

	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY seq ASC LIMIT ?",
		store.RecordColumns, table, strings.Join(conds, " AND "))
}
