package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tidemark-io/tidemark/internal/ledger"
)

// Append durably persists one provenance record and returns its assigned
// record ID.
//
// The store assigns the ID (UUIDv7), the insertion-order seq and the
// transaction time; callers cannot set any of them. Assignment and the
// insert happen in one critical section, so if append A returns before
// append B is issued, A's transaction time is <= B's and A's seq is
// smaller.
//
// The write is synchronous-durable: when Append returns nil the record
// has been flushed to stable storage, and either the full record is
// visible to subsequent reads or none of it is. Failed appends are never
// retried internally; retry policy belongs to the caller.
//
// Append does not support cancellation once the durability write has
// begun; ctx is only consulted before the write starts.
func (s *Store) Append(ctx context.Context, req ledger.AppendRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ledger.NewTimeoutError("append", err)
		}
		return "", ledger.NewWriteError(req.EntityID, req.FieldName, err)
	}

	entityID := ledger.CanonicalString(req.EntityID)
	fieldName := ledger.CanonicalString(req.FieldName)

	var metadataJSON *string
	if len(req.Metadata) > 0 {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return "", ledger.NewValidationError("metadata not encodable: "+err.Error(), entityID, fieldName)
		}
		text := string(data)
		metadataJSON = &text
	}

	var oldValue *string
	if !req.OldValue.IsZero() {
		text := req.OldValue.String()
		oldValue = &text
	}

	var validEnd *string
	if !req.ValidTimeEnd.IsZero() {
		text := ledger.FormatDate(req.ValidTimeEnd)
		validEnd = &text
	}

	var changeReason, sourceID *string
	if req.ChangeReason != "" {
		changeReason = &req.ChangeReason
	}
	if req.SourceID != "" {
		sourceID = &req.SourceID
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	now := s.clock.Now()
	part, ok := s.partitionFor(now)
	if !ok {
		// Fail loudly rather than writing into the wrong bucket or
		// dropping data; the extension task owns recovery.
		return "", ledger.NewNoPartitionError(bucketStart(now).Format("2006-01"))
	}

	// Seq gaps from failed inserts are harmless; only ordering matters.
	seq := s.seq.Add(1)
	id := uuid.Must(uuid.NewV7()).String()

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s
		(seq, id, entity_id, field_name, old_value, new_value,
		 transaction_time, valid_time_start, valid_time_end,
		 change_reason, source_type, source_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, part.Name),
		seq,
		id,
		entityID,
		fieldName,
		oldValue,
		req.NewValue.String(),
		now.UnixNano(),
		ledger.FormatDate(req.ValidTimeStart),
		validEnd,
		changeReason,
		string(req.SourceType),
		sourceID,
		metadataJSON,
	)
	if err != nil {
		return "", ledger.NewWriteError(entityID, fieldName, err)
	}

	return id, nil
}
