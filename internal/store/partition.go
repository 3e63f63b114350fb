package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// PartitionInfo describes one monthly transaction-time bucket.
// Start is inclusive, End exclusive. Partition boundaries never split a
// record: a record lives wholly in the bucket containing its
// transaction time.
type PartitionInfo struct {
	Name  string
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the bucket.
func (p PartitionInfo) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// PartitionHealth is the health signal for the rolling partition window,
// consumable by an external monitor. A stale or errored extension task
// shows up here before appends start failing.
type PartitionHealth struct {
	WindowEnd    time.Time // exclusive end of the newest partition
	LastExtended time.Time // wall time of the last successful extension
	LastError    string    // empty when healthy
	Healthy      bool
}

// bucketStart floors t to the start of its monthly bucket (UTC).
func bucketStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// partitionName derives the table name for a bucket start.
func partitionName(start time.Time) string {
	return "records_" + start.UTC().Format("200601")
}

// partitionDDL is the per-partition schema. Each partition carries the
// two base temporal indexes and the immutability triggers.
const partitionDDL = `
CREATE TABLE IF NOT EXISTS %[1]s (
    seq              INTEGER PRIMARY KEY,
    id               TEXT NOT NULL UNIQUE,
    entity_id        TEXT NOT NULL CHECK (entity_id <> ''),
    field_name       TEXT NOT NULL CHECK (field_name <> ''),
    old_value        TEXT,
    new_value        TEXT NOT NULL,
    transaction_time INTEGER NOT NULL,
    valid_time_start TEXT NOT NULL,
    valid_time_end   TEXT,
    change_reason    TEXT,
    source_type      TEXT NOT NULL,
    source_id        TEXT,
    metadata         TEXT,
    CHECK (valid_time_end IS NULL OR valid_time_end > valid_time_start)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_txn
    ON %[1]s (entity_id, field_name, transaction_time DESC, seq DESC);
CREATE INDEX IF NOT EXISTS idx_%[1]s_valid
    ON %[1]s (entity_id, field_name, valid_time_start, valid_time_end);
CREATE TRIGGER IF NOT EXISTS trg_%[1]s_no_update
    BEFORE UPDATE ON %[1]s
BEGIN
    SELECT RAISE(ABORT, 'ledger records are immutable');
END;
CREATE TRIGGER IF NOT EXISTS trg_%[1]s_no_delete
    BEFORE DELETE ON %[1]s
BEGIN
    SELECT RAISE(ABORT, 'ledger records are immutable');
END;`

// hotIndexDDL is the covering index kept only on partitions inside the
// hot window. It lets as-of lookups on recent data complete without
// touching the table rows.
const hotIndexDDL = `
CREATE INDEX IF NOT EXISTS idx_%[1]s_hot
    ON %[1]s (entity_id, field_name, transaction_time DESC, seq DESC,
              valid_time_start, valid_time_end, new_value)`

// loadPartitions reads the partition catalog into memory.
func (s *Store) loadPartitions(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, start_ns, end_ns FROM partitions ORDER BY start_ns ASC")
	if err != nil {
		return fmt.Errorf("query partitions: %w", err)
	}
	defer rows.Close()

	var parts []PartitionInfo
	for rows.Next() {
		var name string
		var startNS, endNS int64
		if err := rows.Scan(&name, &startNS, &endNS); err != nil {
			return fmt.Errorf("scan partition: %w", err)
		}
		parts = append(parts, PartitionInfo{
			Name:  name,
			Start: time.Unix(0, startNS).UTC(),
			End:   time.Unix(0, endNS).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate partitions: %w", err)
	}

	s.partMu.Lock()
	s.parts = parts
	s.partMu.Unlock()
	return nil
}

// ExtendWindow pre-creates monthly partitions from the current
// transaction-time bucket through windowAhead future buckets, and
// maintains the hot covering indexes. Idempotent and safe to race:
// all DDL uses create-if-not-exists semantics.
//
// This is the only operation that takes the store-wide partition lock
// for more than a map copy, and it runs once per extension interval.
func (s *Store) ExtendWindow(ctx context.Context) error {
	now := s.clock.Now()

	start := bucketStart(now)
	for i := 0; i <= s.windowAhead; i++ {
		bucket := start.AddDate(0, i, 0)
		if err := s.createPartition(ctx, bucket); err != nil {
			s.setHealth(PartitionHealth{
				WindowEnd:    s.windowEnd(),
				LastExtended: s.lastExtended(),
				LastError:    err.Error(),
			})
			return err
		}
	}

	if err := s.loadPartitions(ctx); err != nil {
		return err
	}
	if err := s.maintainHotIndexes(ctx, now); err != nil {
		return err
	}

	s.setHealth(PartitionHealth{
		WindowEnd:    s.windowEnd(),
		LastExtended: time.Now().UTC(),
		Healthy:      true,
	})
	return nil
}

// createPartition creates one bucket's table, indexes, triggers and
// catalog row. Create-if-not-exists throughout.
func (s *Store) createPartition(ctx context.Context, start time.Time) error {
	name := partitionName(start)
	end := start.AddDate(0, 1, 0)

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(partitionDDL, name)); err != nil {
		return fmt.Errorf("create partition %s: %w", name, err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO partitions (name, start_ns, end_ns, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, start.UnixNano(), end.UnixNano(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("catalog partition %s: %w", name, err)
	}

	return nil
}

// maintainHotIndexes creates the covering index on partitions whose data
// can still fall inside the hot window and drops it from older ones.
// Dropping an index is index maintenance, not record mutation; the
// triggers on the table are unaffected.
func (s *Store) maintainHotIndexes(ctx context.Context, now time.Time) error {
	hotFloor := now.Add(-s.hotWindow)
	for _, p := range s.Partitions() {
		if p.End.After(hotFloor) {
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf(hotIndexDDL, p.Name)); err != nil {
				return fmt.Errorf("create hot index on %s: %w", p.Name, err)
			}
		} else {
			stmt := fmt.Sprintf("DROP INDEX IF EXISTS idx_%s_hot", p.Name)
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("drop hot index on %s: %w", p.Name, err)
			}
		}
	}
	return nil
}

// StartPartitionExtender runs ExtendWindow on a fixed interval until ctx
// is cancelled. Failures are logged and reflected in PartitionHealth;
// the next tick retries.
func (s *Store) StartPartitionExtender(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("partition extender stopping: context cancelled")
				return
			case <-ticker.C:
				if err := s.ExtendWindow(ctx); err != nil {
					slog.Error("partition window extension failed", "error", err)
				}
			}
		}
	}()
}

// Partitions returns the partition catalog, ascending by start time.
func (s *Store) Partitions() []PartitionInfo {
	s.partMu.RLock()
	defer s.partMu.RUnlock()
	out := make([]PartitionInfo, len(s.parts))
	copy(out, s.parts)
	return out
}

// partitionFor finds the bucket containing t.
func (s *Store) partitionFor(t time.Time) (PartitionInfo, bool) {
	s.partMu.RLock()
	defer s.partMu.RUnlock()
	i := sort.Search(len(s.parts), func(i int) bool {
		return s.parts[i].End.After(t)
	})
	if i < len(s.parts) && s.parts[i].Contains(t) {
		return s.parts[i], true
	}
	return PartitionInfo{}, false
}

// Health returns the current partition-window health signal.
func (s *Store) Health() PartitionHealth {
	if h := s.health.Load(); h != nil {
		return *h
	}
	return PartitionHealth{}
}

func (s *Store) setHealth(h PartitionHealth) {
	s.health.Store(&h)
}

func (s *Store) windowEnd() time.Time {
	parts := s.Partitions()
	if len(parts) == 0 {
		return time.Time{}
	}
	return parts[len(parts)-1].End
}

func (s *Store) lastExtended() time.Time {
	if h := s.health.Load(); h != nil {
		return h.LastExtended
	}
	return time.Time{}
}
