package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidemark-io/tidemark/internal/ledger"
)

// DefaultScanBatch is the batch size when callers pass limit <= 0.
const DefaultScanBatch = 1000

// ScanRange bounds a scan by transaction time. Zero values mean
// unbounded on that side; From is inclusive, To exclusive.
type ScanRange struct {
	From time.Time
	To   time.Time
}

// Scan returns records in ascending (transaction_time, seq) order within
// and across partitions. The scan is finite and restartable: pass the
// returned cursor to resume where the previous batch stopped. An empty
// next cursor means the scan is exhausted.
//
// Cursors are opaque; callers must not construct or interpret them.
func (s *Store) Scan(ctx context.Context, r ScanRange, cursor string, limit int) ([]ledger.ProvenanceRecord, string, error) {
	if limit <= 0 {
		limit = DefaultScanBatch
	}

	afterSeq, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	records := make([]ledger.ProvenanceRecord, 0, limit)
	for _, p := range s.Partitions() {
		if !r.From.IsZero() && !p.End.After(r.From) {
			continue
		}
		if !r.To.IsZero() && !p.Start.Before(r.To) {
			break
		}

		remaining := limit - len(records)
		if remaining == 0 {
			break
		}

		batch, err := s.scanPartition(ctx, p, r, afterSeq, remaining)
		if err != nil {
			return nil, "", ledger.WrapQueryError("scan", err)
		}
		records = append(records, batch...)
	}

	next := ""
	if len(records) == limit {
		next = EncodeCursor(records[len(records)-1].Seq)
	}
	return records, next, nil
}

// scanPartition reads one partition's slice of the scan.
// Seq order equals transaction-time order store-wide (both are assigned
// in the append critical section), so ordering by seq alone is ordering
// by (transaction_time, seq).
func (s *Store) scanPartition(ctx context.Context, p PartitionInfo, r ScanRange, afterSeq int64, limit int) ([]ledger.ProvenanceRecord, error) {
	var conds []string
	var args []any

	conds = append(conds, "seq > ?")
	args = append(args, afterSeq)
	if !r.From.IsZero() {
		conds = append(conds, "transaction_time >= ?")
		args = append(args, r.From.UnixNano())
	}
	if !r.To.IsZero() {
		conds = append(conds, "transaction_time < ?")
		args = append(args, r.To.UnixNano())
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY seq ASC LIMIT ?",
		RecordColumns, p.Name, strings.Join(conds, " AND "),
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", p.Name, err)
	}
	defer rows.Close()

	var records []ledger.ProvenanceRecord
	for rows.Next() {
		rec, err := ScanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", p.Name, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", p.Name, err)
	}
	return records, nil
}

// EncodeCursor and DecodeCursor translate resume positions to opaque
// cursor strings shared by Scan and the index Range path.
const cursorPrefix = "seq:"

func EncodeCursor(seq int64) string {
	return cursorPrefix + strconv.FormatInt(seq, 10)
}

func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, ok := strings.CutPrefix(cursor, cursorPrefix)
	if !ok {
		return 0, ledger.NewInvalidQueryError("malformed scan cursor")
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ledger.NewInvalidQueryError("malformed scan cursor")
	}
	return seq, nil
}
