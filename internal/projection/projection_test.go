package projection

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/index"
	"github.com/tidemark-io/tidemark/internal/ledger"
	"github.com/tidemark-io/tidemark/internal/store"
)

var testDate = time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)

func openTestProjection(t *testing.T) (*Projection, *store.Store, *store.FixedClock) {
	t.Helper()
	clock := store.NewFixedClock(testDate)
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, index.New(s)), s, clock
}

func appendValue(t *testing.T, s *store.Store, entity, field string, value any, validStart time.Time) {
	t.Helper()
	_, err := s.Append(context.Background(), ledger.AppendRequest{
		EntityID:       entity,
		FieldName:      field,
		NewValue:       ledger.MustValue(value),
		ValidTimeStart: validStart,
		SourceType:     ledger.SourceSystem,
	})
	require.NoError(t, err)
}

func TestGet_ColdProjection(t *testing.T) {
	proj, s, _ := openTestProjection(t)

	appendValue(t, s, "e1", "f1", "v", ledger.Date(2025, time.January, 1))

	_, _, ok := proj.Get("e1", "f1")
	assert.False(t, ok, "no snapshot before the first refresh")
	assert.True(t, proj.LastRefresh().IsZero())
}

func TestRefresh_ProjectsLatestValues(t *testing.T) {
	proj, s, clock := openTestProjection(t)
	ctx := context.Background()

	jan1 := ledger.Date(2025, time.January, 1)
	appendValue(t, s, "txn_1", "merchant_name", "AMZN MKTP", jan1)
	clock.Advance(time.Minute)
	appendValue(t, s, "txn_1", "merchant_name", "Amazon", jan1)
	appendValue(t, s, "txn_2", "amount", "42.50", jan1)

	require.NoError(t, proj.Refresh(ctx))

	entry, age, ok := proj.Get("txn_1", "merchant_name")
	require.True(t, ok)
	assert.Equal(t, `"Amazon"`, entry.Value.String())
	assert.Equal(t, int64(2), entry.Seq)
	assert.GreaterOrEqual(t, age, time.Duration(0))

	entry, _, ok = proj.Get("txn_2", "amount")
	require.True(t, ok)
	assert.Equal(t, `"42.50"`, entry.Value.String())

	assert.False(t, proj.LastRefresh().IsZero())
}

func TestRefresh_IncrementalPicksUpCorrections(t *testing.T) {
	proj, s, clock := openTestProjection(t)
	ctx := context.Background()

	jan1 := ledger.Date(2025, time.January, 1)
	appendValue(t, s, "e1", "f1", "original", jan1)
	appendValue(t, s, "e2", "f1", "untouched", jan1)
	require.NoError(t, proj.Refresh(ctx))

	clock.Advance(time.Minute)
	appendValue(t, s, "e1", "f1", "corrected", jan1)
	require.NoError(t, proj.Refresh(ctx))

	entry, _, ok := proj.Get("e1", "f1")
	require.True(t, ok)
	assert.Equal(t, `"corrected"`, entry.Value.String())

	entry, _, ok = proj.Get("e2", "f1")
	require.True(t, ok)
	assert.Equal(t, `"untouched"`, entry.Value.String())
}

func TestRefresh_ExcludesRecordsNotEffectiveToday(t *testing.T) {
	proj, s, _ := openTestProjection(t)
	ctx := context.Background()

	// Starts in the future relative to the fixed clock's 2025-01-15.
	appendValue(t, s, "e1", "f1", "future", ledger.Date(2025, time.March, 1))

	// Interval that already ended.
	_, err := s.Append(ctx, ledger.AppendRequest{
		EntityID:       "e2",
		FieldName:      "f1",
		NewValue:       ledger.MustValue("expired"),
		ValidTimeStart: ledger.Date(2024, time.June, 1),
		ValidTimeEnd:   ledger.Date(2025, time.January, 1),
		SourceType:     ledger.SourceSystem,
	})
	require.NoError(t, err)

	require.NoError(t, proj.Refresh(ctx))

	_, _, ok := proj.Get("e1", "f1")
	assert.False(t, ok, "future-effective value must not project")
	_, _, ok = proj.Get("e2", "f1")
	assert.False(t, ok, "expired value must not project")
}

func TestRefresh_SupersededKeyIsRemoved(t *testing.T) {
	proj, s, clock := openTestProjection(t)
	ctx := context.Background()

	// Valid through the end of January only.
	_, err := s.Append(ctx, ledger.AppendRequest{
		EntityID:       "e1",
		FieldName:      "f1",
		NewValue:       ledger.MustValue("january-only"),
		ValidTimeStart: ledger.Date(2025, time.January, 1),
		ValidTimeEnd:   ledger.Date(2025, time.February, 1),
		SourceType:     ledger.SourceSystem,
	})
	require.NoError(t, err)
	require.NoError(t, proj.Refresh(ctx))
	_, _, ok := proj.Get("e1", "f1")
	require.True(t, ok)

	// A month later the interval has lapsed; a new record for the key
	// that is not yet effective re-resolves it to nothing, and the stale
	// row is dropped.
	clock.Set(time.Date(2025, time.February, 15, 12, 0, 0, 0, time.UTC))
	appendValue(t, s, "e1", "f1", "march-onward", ledger.Date(2025, time.March, 1))
	require.NoError(t, proj.Refresh(ctx))

	_, _, ok = proj.Get("e1", "f1")
	assert.False(t, ok)
}

func TestRefresh_NoNewRecordsIsNoOp(t *testing.T) {
	proj, s, _ := openTestProjection(t)
	ctx := context.Background()

	appendValue(t, s, "e1", "f1", "v", ledger.Date(2025, time.January, 1))
	require.NoError(t, proj.Refresh(ctx))
	before := dumpLatestState(t, s)

	require.NoError(t, proj.Refresh(ctx))
	assert.Equal(t, before, dumpLatestState(t, s))
}

func TestRebuild_MatchesIncrementalRefresh(t *testing.T) {
	proj, s, clock := openTestProjection(t)
	ctx := context.Background()

	jan1 := ledger.Date(2025, time.January, 1)
	appendValue(t, s, "e1", "f1", "a", jan1)
	appendValue(t, s, "e2", "f2", "b", jan1)
	require.NoError(t, proj.Refresh(ctx))

	clock.Advance(time.Minute)
	appendValue(t, s, "e1", "f1", "a2", jan1)
	appendValue(t, s, "e3", "f3", "c", jan1)
	require.NoError(t, proj.Refresh(ctx))

	incremental := dumpLatestState(t, s)

	require.NoError(t, proj.Rebuild(ctx))
	assert.Equal(t, incremental, dumpLatestState(t, s),
		"rebuild must reproduce the incrementally refreshed table")
}

func TestRebuild_ColdStart(t *testing.T) {
	proj, s, _ := openTestProjection(t)
	ctx := context.Background()

	appendValue(t, s, "e1", "f1", "v", ledger.Date(2025, time.January, 1))
	require.NoError(t, proj.Rebuild(ctx))

	entry, _, ok := proj.Get("e1", "f1")
	require.True(t, ok)
	assert.Equal(t, `"v"`, entry.Value.String())
}

func TestGet_NormalizesKeyLookups(t *testing.T) {
	proj, s, _ := openTestProjection(t)
	ctx := context.Background()

	// Decomposed form on write, composed form on read.
	appendValue(t, s, "cafe\u0301", "name", "v", ledger.Date(2025, time.January, 1))
	require.NoError(t, proj.Refresh(ctx))

	entry, _, ok := proj.Get("caf\u00e9", "name")
	require.True(t, ok)
	assert.Equal(t, "caf\u00e9", entry.EntityID)
}

func TestStart_RefreshesOnTicker(t *testing.T) {
	proj, s, _ := openTestProjection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appendValue(t, s, "e1", "f1", "v", ledger.Date(2025, time.January, 1))
	proj.Start(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, _, ok := proj.Get("e1", "f1")
		return ok
	}, time.Second, 10*time.Millisecond)
}

// dumpLatestState renders the table minus refreshed_at, which moves with
// the wall clock and is not part of the projected state.
func dumpLatestState(t *testing.T, s *store.Store) string {
	t.Helper()
	rows, err := s.Query(context.Background(), `
		SELECT entity_id, field_name, record_id, seq, new_value,
		       transaction_time, valid_time_start, COALESCE(valid_time_end, '')
		FROM latest_state
		ORDER BY entity_id ASC, field_name ASC
	`)
	require.NoError(t, err)
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var (
			entity, field, recordID, value, start, end string
			seq, txn                                   int64
		)
		require.NoError(t, rows.Scan(&entity, &field, &recordID, &seq, &value, &txn, &start, &end))
		fmt.Fprintf(&b, "%s|%s|%s|%d|%s|%d|%s|%s\n", entity, field, recordID, seq, value, txn, start, end)
	}
	require.NoError(t, rows.Err())
	return b.String()
}
