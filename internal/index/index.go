package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tidemark-io/tidemark/internal/ledger"
	"github.com/tidemark-io/tidemark/internal/store"
)

// DefaultRangeBatch is the batch size when callers pass Limit <= 0.
const DefaultRangeBatch = 1000

// TemporalIndex answers the three access shapes the query evaluator
// needs against the partitioned record log. It holds no state of its
// own: the orderings live in the partition DDL and this type plans
// which partitions to touch.
type TemporalIndex struct {
	store *store.Store
}

// New creates a TemporalIndex over s.
func New(s *store.Store) *TemporalIndex {
	return &TemporalIndex{store: s}
}

// LookupAsOf returns the record with the greatest transaction time at or
// before cutoff whose valid interval contains validPoint, for the given
// key. found=false when no record qualifies - a cutoff earlier than all
// records, or a valid point before every interval, is not an error.
//
// Partitions are walked newest to oldest and the walk stops at the first
// hit: any match in a newer partition has a later transaction time than
// everything in older partitions.
func (ix *TemporalIndex) LookupAsOf(ctx context.Context, entityID, fieldName string, cutoff, validPoint time.Time) (ledger.ProvenanceRecord, bool, error) {
	if err := validateKey(entityID, fieldName); err != nil {
		return ledger.ProvenanceRecord{}, false, err
	}
	if cutoff.IsZero() {
		return ledger.ProvenanceRecord{}, false, ledger.NewInvalidQueryError("transaction-time cutoff is required")
	}
	if validPoint.IsZero() {
		return ledger.ProvenanceRecord{}, false, ledger.NewInvalidQueryError("valid-time point is required")
	}

	entityID = ledger.CanonicalString(entityID)
	fieldName = ledger.CanonicalString(fieldName)
	validDate := ledger.FormatDate(validPoint)

	parts := ix.store.Partitions()
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		if p.Start.After(cutoff) {
			continue
		}

		row := ix.store.QueryRow(ctx, asOfSQL(p.Name),
			entityID, fieldName, cutoff.UnixNano(), validDate, validDate)

		rec, err := store.ScanRecord(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return ledger.ProvenanceRecord{}, false, ledger.WrapQueryError("as-of lookup", err)
		}
		return rec, true, nil
	}

	return ledger.ProvenanceRecord{}, false, nil
}

// RangeQuery bounds a Range call. Zero time values mean unbounded.
// TxnFrom is inclusive and TxnTo exclusive; valid-time bounds select
// records whose interval intersects [ValidFrom, ValidTo).
type RangeQuery struct {
	EntityID  string
	FieldName string

	TxnFrom time.Time
	TxnTo   time.Time

	ValidFrom time.Time
	ValidTo   time.Time

	// Cursor resumes a previous Range; empty starts from the beginning.
	Cursor string
	// Limit caps the batch size; <= 0 uses DefaultRangeBatch.
	Limit int
}

// Range returns records for one key in ascending (transaction_time, seq)
// order, restartable and finite. An empty next cursor means exhaustion.
func (ix *TemporalIndex) Range(ctx context.Context, q RangeQuery) ([]ledger.ProvenanceRecord, string, error) {
	if err := validateKey(q.EntityID, q.FieldName); err != nil {
		return nil, "", err
	}
	if !q.ValidFrom.IsZero() && !q.ValidTo.IsZero() && !q.ValidTo.After(q.ValidFrom) {
		return nil, "", ledger.NewInvalidQueryError("valid-time range is empty")
	}
	if !q.TxnFrom.IsZero() && !q.TxnTo.IsZero() && !q.TxnTo.After(q.TxnFrom) {
		return nil, "", ledger.NewInvalidQueryError("transaction-time range is empty")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRangeBatch
	}
	afterSeq, err := store.DecodeCursor(q.Cursor)
	if err != nil {
		return nil, "", err
	}

	entityID := ledger.CanonicalString(q.EntityID)
	fieldName := ledger.CanonicalString(q.FieldName)

	records := make([]ledger.ProvenanceRecord, 0, limit)
	for _, p := range ix.store.Partitions() {
		if !q.TxnFrom.IsZero() && !p.End.After(q.TxnFrom) {
			continue
		}
		if !q.TxnTo.IsZero() && !p.Start.Before(q.TxnTo) {
			break
		}
		remaining := limit - len(records)
		if remaining == 0 {
			break
		}

		batch, err := ix.rangePartition(ctx, p.Name, q, entityID, fieldName, afterSeq, remaining)
		if err != nil {
			return nil, "", err
		}
		records = append(records, batch...)
	}

	next := ""
	if len(records) == limit {
		next = store.EncodeCursor(records[len(records)-1].Seq)
	}
	return records, next, nil
}

func (ix *TemporalIndex) rangePartition(ctx context.Context, table string, q RangeQuery, entityID, fieldName string, afterSeq int64, limit int) ([]ledger.ProvenanceRecord, error) {
	args := []any{entityID, fieldName, afterSeq}
	if !q.TxnFrom.IsZero() {
		args = append(args, q.TxnFrom.UnixNano())
	}
	if !q.TxnTo.IsZero() {
		args = append(args, q.TxnTo.UnixNano())
	}
	if !q.ValidFrom.IsZero() {
		args = append(args, ledger.FormatDate(q.ValidFrom))
	}
	if !q.ValidTo.IsZero() {
		args = append(args, ledger.FormatDate(q.ValidTo))
	}
	args = append(args, limit)

	query := rangeSQL(table, !q.TxnFrom.IsZero(), !q.TxnTo.IsZero(), !q.ValidFrom.IsZero(), !q.ValidTo.IsZero())

	rows, err := ix.store.Query(ctx, query, args...)
	if err != nil {
		return nil, ledger.WrapQueryError("range query", err)
	}
	defer rows.Close()

	var records []ledger.ProvenanceRecord
	for rows.Next() {
		rec, err := store.ScanRecord(rows)
		if err != nil {
			return nil, ledger.WrapQueryError("range query", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapQueryError("range query", fmt.Errorf("iterate %s: %w", table, err))
	}
	return records, nil
}

func validateKey(entityID, fieldName string) error {
	if entityID == "" {
		return ledger.NewInvalidQueryError("entity_id must not be empty")
	}
	if fieldName == "" {
		return ledger.NewInvalidQueryError("field_name must not be empty")
	}
	return nil
}
