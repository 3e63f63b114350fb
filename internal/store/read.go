package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidemark-io/tidemark/internal/ledger"
)

// RecordColumns is the canonical SELECT list for record rows. Every
// package reading partition tables uses it with ScanRecord so row shape
// changes stay in one place.
const RecordColumns = "seq, id, entity_id, field_name, old_value, new_value, " +
	"transaction_time, valid_time_start, valid_time_end, " +
	"change_reason, source_type, source_id, metadata"

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanRecord decodes one record row selected with RecordColumns.
func ScanRecord(row RowScanner) (ledger.ProvenanceRecord, error) {
	var (
		rec          ledger.ProvenanceRecord
		oldValue     sql.NullString
		txnNS        int64
		validStart   string
		validEnd     sql.NullString
		changeReason sql.NullString
		sourceType   string
		sourceID     sql.NullString
		metadataJSON sql.NullString
		newValue     string
	)

	err := row.Scan(
		&rec.Seq,
		&rec.ID,
		&rec.EntityID,
		&rec.FieldName,
		&oldValue,
		&newValue,
		&txnNS,
		&validStart,
		&validEnd,
		&changeReason,
		&sourceType,
		&sourceID,
		&metadataJSON,
	)
	if err != nil {
		return ledger.ProvenanceRecord{}, err
	}

	rec.NewValue = ledger.Value(newValue)
	if oldValue.Valid {
		rec.OldValue = ledger.Value(oldValue.String)
	}
	rec.TransactionTime = time.Unix(0, txnNS).UTC()

	rec.ValidTimeStart, err = ledger.ParseDate(validStart)
	if err != nil {
		return ledger.ProvenanceRecord{}, fmt.Errorf("parse valid_time_start: %w", err)
	}
	if validEnd.Valid {
		rec.ValidTimeEnd, err = ledger.ParseDate(validEnd.String)
		if err != nil {
			return ledger.ProvenanceRecord{}, fmt.Errorf("parse valid_time_end: %w", err)
		}
	}

	if changeReason.Valid {
		rec.ChangeReason = changeReason.String
	}
	rec.SourceType = ledger.SourceType(sourceType)
	if sourceID.Valid {
		rec.SourceID = sourceID.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return ledger.ProvenanceRecord{}, fmt.Errorf("parse metadata: %w", err)
		}
	}

	return rec, nil
}

// GetRecord retrieves a single record by ID, searching partitions
// newest-first. Returns found=false when no record has that ID.
func (s *Store) GetRecord(ctx context.Context, id string) (ledger.ProvenanceRecord, bool, error) {
	parts := s.Partitions()
	for i := len(parts) - 1; i >= 0; i-- {
		row := s.db.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT %s FROM %s WHERE id = ?", RecordColumns, parts[i].Name,
		), id)

		rec, err := ScanRecord(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return ledger.ProvenanceRecord{}, false, fmt.Errorf("get record %q: %w", id, err)
		}
		return rec, true, nil
	}
	return ledger.ProvenanceRecord{}, false, nil
}

// Count returns the total number of records across all partitions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var total int64
	for _, p := range s.Partitions() {
		var n int64
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s", p.Name),
		).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", p.Name, err)
		}
		total += n
	}
	return total, nil
}
