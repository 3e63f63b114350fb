// Package projection maintains the derived latest-state view: one entry
// per (entity, field) holding the value currently in effect, refreshed
// in the background from the append-only record log.
//
// The projection is a cache, not a source of truth. It is safe to
// truncate and rebuild from the store at any time, and a rebuild is
// byte-identical to the incrementally refreshed table for the same
// input data.
//
// Readers see an immutable in-memory snapshot swapped atomically after
// each refresh; no reader ever blocks a refresh and no refresh blocks a
// reader beyond the pointer swap.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidemark-io/tidemark/internal/index"
	"github.com/tidemark-io/tidemark/internal/ledger"
	"github.com/tidemark-io/tidemark/internal/store"
)

// metaKey is the ledger_meta row holding the refresh high-water mark:
// the largest seq already folded into latest_state.
const metaKey = "projection_seq"

// Entry is one projected (entity, field) row: the record currently in
// effect as of the last refresh.
type Entry struct {
	EntityID  string
	FieldName string

	RecordID string
	Seq      int64
	Value    ledger.Value

	TransactionTime time.Time
	ValidTimeStart  time.Time
	ValidTimeEnd    time.Time // zero when open-ended
}

// snapshot is the immutable in-memory view swapped on each refresh.
type snapshot struct {
	entries     map[string]Entry
	refreshedAt time.Time
}

// Projection maintains the latest-state table and snapshot.
type Projection struct {
	store *store.Store
	idx   *index.TemporalIndex

	// refreshMu serializes Refresh and Rebuild; readers never take it.
	refreshMu sync.Mutex
	snap      atomic.Pointer[snapshot]
}

// New creates a Projection over s. The projection starts cold: Get
// reports not-found until the first Refresh or Rebuild completes.
func New(s *store.Store, ix *index.TemporalIndex) *Projection {
	return &Projection{store: s, idx: ix}
}

// Get returns the projected entry for a key plus the snapshot's
// staleness age. ok=false when the key has no current value or the
// projection has never been built; callers needing strict freshness
// compare the age against their bound and fall through to the evaluator.
func (p *Projection) Get(entityID, fieldName string) (Entry, time.Duration, bool) {
	snap := p.snap.Load()
	if snap == nil {
		return Entry{}, 0, false
	}
	key := ledger.CanonicalString(entityID) + "\x00" + ledger.CanonicalString(fieldName)
	entry, ok := snap.entries[key]
	return entry, time.Since(snap.refreshedAt), ok
}

// LastRefresh returns when the current snapshot was built, zero if never.
func (p *Projection) LastRefresh() time.Time {
	if snap := p.snap.Load(); snap != nil {
		return snap.refreshedAt
	}
	return time.Time{}
}

// Refresh folds records appended since the last refresh into the
// latest-state table and swaps in a new snapshot.
//
// Idempotent and crash-safe: each key is replaced in a single statement,
// and the high-water mark advances only after every dirty key has been
// recomputed. A crash mid-refresh leaves every key either at its
// pre-refresh state or fully updated, never half-written, and the next
// refresh redoes the remainder.
func (p *Projection) Refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	hwm, err := p.highWaterMark(ctx)
	if err != nil {
		return err
	}
	return p.refreshFrom(ctx, hwm)
}

// Rebuild recomputes the projection from scratch. The result is
// byte-identical to what incremental refreshes produce for the same
// records.
func (p *Projection) Rebuild(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	if _, err := p.store.Exec(ctx, "DELETE FROM latest_state"); err != nil {
		return fmt.Errorf("clear latest_state: %w", err)
	}
	if err := p.setHighWaterMark(ctx, 0); err != nil {
		return err
	}
	return p.refreshFrom(ctx, 0)
}

func (p *Projection) refreshFrom(ctx context.Context, hwm int64) error {
	now := p.store.Clock().Now()
	today := ledger.Date(now.Year(), now.Month(), now.Day())

	keys, maxSeq, err := p.dirtyKeys(ctx, hwm)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := p.refreshKey(ctx, k, now, today); err != nil {
			return err
		}
	}

	if maxSeq > hwm {
		if err := p.setHighWaterMark(ctx, maxSeq); err != nil {
			return err
		}
	}
	return p.loadSnapshot(ctx)
}

type key struct {
	entityID  string
	fieldName string
}

// dirtyKeys returns the (entity, field) keys touched by records with
// seq > hwm, plus the largest seq observed.
func (p *Projection) dirtyKeys(ctx context.Context, hwm int64) ([]key, int64, error) {
	var keys []key
	seen := make(map[key]bool)
	maxSeq := hwm

	for _, part := range p.store.Partitions() {
		rows, err := p.store.Query(ctx, fmt.Sprintf(
			"SELECT entity_id, field_name, MAX(seq) FROM %s WHERE seq > ? GROUP BY entity_id, field_name",
			part.Name), hwm)
		if err != nil {
			return nil, 0, fmt.Errorf("dirty keys in %s: %w", part.Name, err)
		}

		for rows.Next() {
			var k key
			var partMax int64
			if err := rows.Scan(&k.entityID, &k.fieldName, &partMax); err != nil {
				rows.Close()
				return nil, 0, fmt.Errorf("scan dirty key: %w", err)
			}
			if partMax > maxSeq {
				maxSeq = partMax
			}
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("iterate dirty keys: %w", err)
		}
		rows.Close()
	}

	return keys, maxSeq, nil
}

// refreshKey recomputes one key's latest-state row: a single atomic
// replace, or a delete when no record currently covers today.
func (p *Projection) refreshKey(ctx context.Context, k key, now, today time.Time) error {
	rec, found, err := p.idx.LookupAsOf(ctx, k.entityID, k.fieldName, now, today)
	if err != nil {
		return fmt.Errorf("resolve %s/%s: %w", k.entityID, k.fieldName, err)
	}

	if !found {
		_, err := p.store.Exec(ctx,
			"DELETE FROM latest_state WHERE entity_id = ? AND field_name = ?",
			k.entityID, k.fieldName)
		if err != nil {
			return fmt.Errorf("clear %s/%s: %w", k.entityID, k.fieldName, err)
		}
		return nil
	}

	var validEnd *string
	if !rec.OpenEnded() {
		text := ledger.FormatDate(rec.ValidTimeEnd)
		validEnd = &text
	}

	_, err = p.store.Exec(ctx, `
		INSERT OR REPLACE INTO latest_state
		(entity_id, field_name, record_id, seq, new_value,
		 transaction_time, valid_time_start, valid_time_end, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.EntityID,
		rec.FieldName,
		rec.ID,
		rec.Seq,
		rec.NewValue.String(),
		rec.TransactionTime.UnixNano(),
		ledger.FormatDate(rec.ValidTimeStart),
		validEnd,
		now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("replace %s/%s: %w", k.entityID, k.fieldName, err)
	}
	return nil
}

// loadSnapshot reads the whole latest-state table into a fresh immutable
// snapshot and swaps it in.
func (p *Projection) loadSnapshot(ctx context.Context) error {
	rows, err := p.store.Query(ctx, `
		SELECT entity_id, field_name, record_id, seq, new_value,
		       transaction_time, valid_time_start, valid_time_end
		FROM latest_state
		ORDER BY entity_id ASC, field_name ASC
	`)
	if err != nil {
		return fmt.Errorf("load latest_state: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]Entry)
	for rows.Next() {
		var (
			e     Entry
			value string
			txnNS int64
			start string
			end   sql.NullString
		)
		if err := rows.Scan(&e.EntityID, &e.FieldName, &e.RecordID, &e.Seq,
			&value, &txnNS, &start, &end); err != nil {
			return fmt.Errorf("scan latest_state: %w", err)
		}
		e.Value = ledger.Value(value)
		e.TransactionTime = time.Unix(0, txnNS).UTC()
		if e.ValidTimeStart, err = ledger.ParseDate(start); err != nil {
			return fmt.Errorf("parse valid_time_start: %w", err)
		}
		if end.Valid {
			if e.ValidTimeEnd, err = ledger.ParseDate(end.String); err != nil {
				return fmt.Errorf("parse valid_time_end: %w", err)
			}
		}
		entries[e.EntityID+"\x00"+e.FieldName] = e
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate latest_state: %w", err)
	}

	p.snap.Store(&snapshot{entries: entries, refreshedAt: time.Now().UTC()})
	return nil
}

func (p *Projection) highWaterMark(ctx context.Context) (int64, error) {
	var hwm int64
	err := p.store.QueryRow(ctx,
		"SELECT CAST(value AS INTEGER) FROM ledger_meta WHERE key = ?", metaKey,
	).Scan(&hwm)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read projection watermark: %w", err)
	}
	return hwm, nil
}

func (p *Projection) setHighWaterMark(ctx context.Context, seq int64) error {
	_, err := p.store.Exec(ctx, `
		INSERT INTO ledger_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaKey, fmt.Sprintf("%d", seq))
	if err != nil {
		return fmt.Errorf("set projection watermark: %w", err)
	}
	return nil
}

// Start runs Refresh on a fixed interval until ctx is cancelled.
// Failures are logged; the next tick retries.
func (p *Projection) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("projection refresher stopping: context cancelled")
				return
			case <-ticker.C:
				if err := p.Refresh(ctx); err != nil {
					slog.Error("projection refresh failed", "error", err)
				}
			}
		}
	}()
}
