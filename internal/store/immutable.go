package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidemark-io/tidemark/internal/ledger"
)

// Records are append-only. The methods below are the store's entire
// mutation surface for records, and they exist to refuse: every call
// fails with an IMMUTABILITY_VIOLATION and is recorded in the
// mutation_attempts audit table. This is a first-class contract, not an
// incidental error path - callers holding a record ID must never be able
// to change history silently, and attempts to do so are always a caller
// bug or an intrusion attempt worth auditing.
//
// Partition tables additionally carry BEFORE UPDATE / BEFORE DELETE
// triggers, so raw SQL hits the same wall.

// UpdateRecord refuses to update a record.
func (s *Store) UpdateRecord(ctx context.Context, recordID string) error {
	s.recordMutationAttempt(ctx, recordID, "update")
	return ledger.NewImmutabilityViolation("update", recordID)
}

// DeleteRecord refuses to delete a record.
func (s *Store) DeleteRecord(ctx context.Context, recordID string) error {
	s.recordMutationAttempt(ctx, recordID, "delete")
	return ledger.NewImmutabilityViolation("delete", recordID)
}

// MutationAttempts returns the number of refused mutations since the
// store was opened. The durable audit trail lives in mutation_attempts.
func (s *Store) MutationAttempts() int64 {
	return s.mutationAttempts.Load()
}

// MutationAuditCount returns the lifetime number of refused mutations
// from the durable audit table.
func (s *Store) MutationAuditCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mutation_attempts").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mutation attempts: %w", err)
	}
	return n, nil
}

// recordMutationAttempt counts and persists one refused mutation.
// Best-effort on the durable side: a failed audit insert is logged but
// does not mask the violation returned to the caller.
func (s *Store) recordMutationAttempt(ctx context.Context, recordID, op string) {
	s.mutationAttempts.Add(1)
	slog.Warn("refused mutation of immutable record", "record_id", recordID, "op", op)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mutation_attempts (record_id, op, attempted_at)
		VALUES (?, ?, ?)
	`, recordID, op, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		slog.Error("audit write for refused mutation failed", "record_id", recordID, "error", err)
	}
}
