package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/cache"
	"github.com/tidemark-io/tidemark/internal/index"
	"github.com/tidemark-io/tidemark/internal/ledger"
	"github.com/tidemark-io/tidemark/internal/projection"
	"github.com/tidemark-io/tidemark/internal/store"
)

var testDate = time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)

func openTestEvaluator(t *testing.T, opts ...Option) (*Evaluator, *store.Store, *store.FixedClock) {
	t.Helper()
	clock := store.NewFixedClock(testDate)
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, index.New(s), opts...), s, clock
}

func appendValue(t *testing.T, e *Evaluator, entity, field string, value any, validStart time.Time) {
	t.Helper()
	_, err := e.Append(context.Background(), ledger.AppendRequest{
		EntityID:       entity,
		FieldName:      field,
		NewValue:       ledger.MustValue(value),
		ValidTimeStart: validStart,
		SourceType:     ledger.SourceSystem,
	})
	require.NoError(t, err)
}

func TestRetroactiveCorrectionIsolation(t *testing.T) {
	ev, _, clock := openTestEvaluator(t)
	ctx := context.Background()

	jan10 := ledger.Date(2025, time.January, 10)
	appendValue(t, ev, "txn_123", "merchant_name", "AMZN MKTP US*1234", jan10)
	beforeCorrection := clock.Now()

	clock.Advance(time.Hour)
	_, err := ev.Append(ctx, ledger.AppendRequest{
		EntityID:       "txn_123",
		FieldName:      "merchant_name",
		NewValue:       ledger.MustValue("Amazon Marketplace"),
		ValidTimeStart: jan10,
		ChangeReason:   "user renamed merchant",
		SourceType:     ledger.SourceUserCorrection,
	})
	require.NoError(t, err)

	// Present-time reads see the correction.
	st, found, err := ev.CurrentState(ctx, "txn_123", "merchant_name")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `"Amazon Marketplace"`, st.Value.String())

	st, found, err = ev.EffectiveAt(ctx, "txn_123", "merchant_name", jan10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `"Amazon Marketplace"`, st.Value.String())

	// A cutoff before the correction still sees the original: the
	// correction cannot rewrite what was known earlier.
	st, found, err = ev.AsOfTransactionTime(ctx, "txn_123", "merchant_name", beforeCorrection, jan10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `"AMZN MKTP US*1234"`, st.Value.String())

	// Both versions stay in the history, ascending.
	records, next, err := ev.History(ctx, index.RangeQuery{EntityID: "txn_123", FieldName: "merchant_name"})
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, records, 2)
	assert.Equal(t, `"AMZN MKTP US*1234"`, records[0].NewValue.String())
	assert.Equal(t, `"Amazon Marketplace"`, records[1].NewValue.String())
}

func TestAsOfNowMatchesCurrentState(t *testing.T) {
	ev, _, clock := openTestEvaluator(t)
	ctx := context.Background()

	appendValue(t, ev, "e1", "f1", "v1", ledger.Date(2025, time.January, 1))
	clock.Advance(time.Minute)
	appendValue(t, ev, "e1", "f1", "v2", ledger.Date(2025, time.January, 1))

	now := clock.Now()
	today := ledger.Date(now.Year(), now.Month(), now.Day())

	current, foundCurrent, err := ev.CurrentState(ctx, "e1", "f1")
	require.NoError(t, err)
	asOf, foundAsOf, err := ev.AsOfTransactionTime(ctx, "e1", "f1", now, today)
	require.NoError(t, err)

	require.True(t, foundCurrent)
	require.True(t, foundAsOf)
	assert.Equal(t, current.RecordID, asOf.RecordID)
	assert.Equal(t, current.Value, asOf.Value)
}

func TestAsOf_ValidPointIndependentOfCutoff(t *testing.T) {
	ev, s, clock := openTestEvaluator(t)
	ctx := context.Background()

	// Premium valid for January only.
	_, err := s.Append(ctx, ledger.AppendRequest{
		EntityID:       "policy_789",
		FieldName:      "monthly_premium",
		NewValue:       ledger.MustValue("250.00"),
		ValidTimeStart: ledger.Date(2025, time.January, 1),
		ValidTimeEnd:   ledger.Date(2025, time.February, 1),
		SourceType:     ledger.SourceSystem,
	})
	require.NoError(t, err)
	beforeCorrection := clock.Now()

	// Weeks later, a correction to the same January interval.
	clock.Advance(45 * 24 * time.Hour)
	_, err = s.Append(ctx, ledger.AppendRequest{
		EntityID:       "policy_789",
		FieldName:      "monthly_premium",
		NewValue:       ledger.MustValue("260.00"),
		ValidTimeStart: ledger.Date(2025, time.January, 1),
		ValidTimeEnd:   ledger.Date(2025, time.February, 1),
		ChangeReason:   "billing adjustment",
		SourceType:     ledger.SourceUserCorrection,
	})
	require.NoError(t, err)

	jan15 := ledger.Date(2025, time.January, 15)
	cutoff := clock.Now()

	// The cutoff falls in March, well outside the January interval, yet
	// the interval stays reachable through an explicit valid point.
	st, found, err := ev.AsOfTransactionTime(ctx, "policy_789", "monthly_premium", cutoff, jan15)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `"260.00"`, st.Value.String())

	// Same valid point at the earlier cutoff shows the pre-correction
	// value: the two coordinates answer different questions.
	st, found, err = ev.AsOfTransactionTime(ctx, "policy_789", "monthly_premium", beforeCorrection, jan15)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `"250.00"`, st.Value.String())

	// At the cutoff's own date nothing is in effect.
	cutoffDate := ledger.Date(cutoff.Year(), cutoff.Month(), cutoff.Day())
	_, found, err = ev.AsOfTransactionTime(ctx, "policy_789", "monthly_premium", cutoff, cutoffDate)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEffectiveAt_BoundedIntervals(t *testing.T) {
	ev, s, _ := openTestEvaluator(t)
	ctx := context.Background()

	_, err := s.Append(ctx, ledger.AppendRequest{
		EntityID:       "policy_789",
		FieldName:      "monthly_premium",
		NewValue:       ledger.MustValue("250.00"),
		ValidTimeStart: ledger.Date(2025, time.June, 1),
		ValidTimeEnd:   ledger.Date(2026, time.January, 1),
		SourceType:     ledger.SourceSystem,
	})
	require.NoError(t, err)
	appendValue(t, ev, "policy_789", "monthly_premium", "275.00", ledger.Date(2026, time.January, 1))

	st, found, err := ev.EffectiveAt(ctx, "policy_789", "monthly_premium", ledger.Date(2025, time.August, 10))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `"250.00"`, st.Value.String())

	st, found, err = ev.EffectiveAt(ctx, "policy_789", "monthly_premium", ledger.Date(2026, time.March, 1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `"275.00"`, st.Value.String())

	_, found, err = ev.EffectiveAt(ctx, "policy_789", "monthly_premium", ledger.Date(2025, time.January, 1))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUnknownKeyAndEmptyHistory(t *testing.T) {
	ev, _, _ := openTestEvaluator(t)
	ctx := context.Background()

	_, found, err := ev.CurrentState(ctx, "ghost", "field")
	require.NoError(t, err)
	assert.False(t, found)

	records, next, err := ev.History(ctx, index.RangeQuery{EntityID: "ghost", FieldName: "field"})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, next)
}

func TestInvalidQueries(t *testing.T) {
	ev, _, _ := openTestEvaluator(t)
	ctx := context.Background()

	_, _, err := ev.CurrentState(ctx, "", "f")
	assert.True(t, ledger.IsInvalidQuery(err))

	_, _, err = ev.AsOfTransactionTime(ctx, "e", "f", time.Time{}, ledger.Date(2025, time.January, 1))
	assert.True(t, ledger.IsInvalidQuery(err))

	_, _, err = ev.AsOfTransactionTime(ctx, "e", "f", testDate, time.Time{})
	assert.True(t, ledger.IsInvalidQuery(err))

	_, _, err = ev.EffectiveAt(ctx, "e", "f", time.Time{})
	assert.True(t, ledger.IsInvalidQuery(err))
}

func TestCache_ServesRepeatReadsAndInvalidatesOnAppend(t *testing.T) {
	rc, err := cache.New(cache.Config{})
	require.NoError(t, err)
	t.Cleanup(rc.Close)

	ev, _, clock := openTestEvaluator(t, WithCache(rc))
	ctx := context.Background()

	appendValue(t, ev, "e1", "f1", "v1", ledger.Date(2025, time.January, 1))

	st, found, err := ev.CurrentState(ctx, "e1", "f1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SourceIndex, st.Source)
	rc.Wait()

	st, found, err = ev.CurrentState(ctx, "e1", "f1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SourceCache, st.Source)
	assert.Equal(t, `"v1"`, st.Value.String())

	// Appending to the key orphans its cached results immediately.
	clock.Advance(time.Minute)
	appendValue(t, ev, "e1", "f1", "v2", ledger.Date(2025, time.January, 1))

	st, found, err = ev.CurrentState(ctx, "e1", "f1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SourceIndex, st.Source)
	assert.Equal(t, `"v2"`, st.Value.String())
}

func TestCache_DistinctOperationsDoNotCollide(t *testing.T) {
	rc, err := cache.New(cache.Config{})
	require.NoError(t, err)
	t.Cleanup(rc.Close)

	ev, _, clock := openTestEvaluator(t, WithCache(rc))
	ctx := context.Background()

	appendValue(t, ev, "e1", "f1", "v1", ledger.Date(2025, time.January, 1))
	clock.Advance(time.Hour)
	appendValue(t, ev, "e1", "f1", "v2", ledger.Date(2025, time.January, 1))

	early := testDate.Add(time.Minute)

	st, found, err := ev.AsOfTransactionTime(ctx, "e1", "f1", early, ledger.Date(2025, time.January, 15))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `"v1"`, st.Value.String())
	rc.Wait()

	// The current-state read must not be served from the as-of entry.
	st, found, err = ev.CurrentState(ctx, "e1", "f1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `"v2"`, st.Value.String())
}

func TestProjection_ServesFreshCurrentState(t *testing.T) {
	clock := store.NewFixedClock(testDate)
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ix := index.New(s)
	proj := projection.New(s, ix)
	ev := New(s, ix, WithProjection(proj))
	ctx := context.Background()

	appendValue(t, ev, "e1", "f1", "v1", ledger.Date(2025, time.January, 1))
	require.NoError(t, proj.Refresh(ctx))

	st, found, err := ev.CurrentState(ctx, "e1", "f1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SourceProjection, st.Source)
	assert.Equal(t, `"v1"`, st.Value.String())

	// As-of reads never come from the projection, even for a cutoff of now.
	st, found, err = ev.AsOfTransactionTime(ctx, "e1", "f1", clock.Now(), ledger.Date(2025, time.January, 15))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SourceIndex, st.Source)
}

func TestProjection_StaleSnapshotFallsThrough(t *testing.T) {
	clock := store.NewFixedClock(testDate)
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ix := index.New(s)
	proj := projection.New(s, ix)
	ev := New(s, ix, WithProjection(proj), WithMaxStaleness(time.Nanosecond))
	ctx := context.Background()

	appendValue(t, ev, "e1", "f1", "v1", ledger.Date(2025, time.January, 1))
	require.NoError(t, proj.Refresh(ctx))
	time.Sleep(2 * time.Millisecond)

	st, found, err := ev.CurrentState(ctx, "e1", "f1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SourceIndex, st.Source)
}

func TestExpiredContextIsTimeout(t *testing.T) {
	ev, _, clock := openTestEvaluator(t)

	appendValue(t, ev, "e1", "f1", "v1", ledger.Date(2025, time.January, 1))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, _, err := ev.AsOfTransactionTime(ctx, "e1", "f1", clock.Now(), ledger.Date(2025, time.January, 15))
	assert.True(t, ledger.IsTimeout(err))
}

func TestSignatures_CanonicalAndDistinct(t *testing.T) {
	// NFC-equivalent identifiers produce identical signatures.
	assert.Equal(t,
		currentStateSignature("caf\u00e9", "name"),
		currentStateSignature("cafe\u0301", "name"))

	// Operations, keys, and parameters all separate cleanly.
	cutoff := testDate
	jan1 := ledger.Date(2025, time.January, 1)
	sigs := []string{
		currentStateSignature("e1", "f1"),
		currentStateSignature("e1", "f2"),
		asOfSignature("e1", "f1", cutoff, jan1),
		asOfSignature("e1", "f1", cutoff.Add(time.Second), jan1),
		asOfSignature("e1", "f1", cutoff, ledger.Date(2025, time.January, 2)),
		effectiveAtSignature("e1", "f1", jan1),
	}
	seen := map[string]bool{}
	for _, sig := range sigs {
		assert.False(t, seen[sig], "duplicate signature %q", sig)
		seen[sig] = true
	}

	// Offset representations of the same instant collapse to one entry.
	offset := cutoff.In(time.FixedZone("KST", 9*60*60))
	assert.Equal(t, asOfSignature("e1", "f1", cutoff, jan1), asOfSignature("e1", "f1", offset, jan1))
}
