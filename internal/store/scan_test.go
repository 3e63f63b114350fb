package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/ledger"
)

func TestScan_OrderedAcrossPartitions(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	// Spread appends across two monthly partitions.
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, testRequest("e1", "f1", i))
		require.NoError(t, err)
	}
	clock.Set(time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC))
	for i := 3; i < 6; i++ {
		_, err := s.Append(ctx, testRequest("e1", "f1", i))
		require.NoError(t, err)
	}

	records, next, err := s.Scan(ctx, ScanRange{}, "", 0)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, records, 6)

	for i := 1; i < len(records); i++ {
		assert.Greater(t, records[i].Seq, records[i-1].Seq)
		assert.False(t, records[i].TransactionTime.Before(records[i-1].TransactionTime))
	}
}

func TestScan_CursorResume(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := s.Append(ctx, testRequest("e1", "f1", i))
		require.NoError(t, err)
	}

	var all []ledger.ProvenanceRecord
	cursor := ""
	for {
		batch, next, err := s.Scan(ctx, ScanRange{}, cursor, 3)
		require.NoError(t, err)
		all = append(all, batch...)
		if next == "" {
			break
		}
		cursor = next
	}

	require.Len(t, all, 7)
	for i, rec := range all {
		assert.Equal(t, int64(i+1), rec.Seq)
	}
}

func TestScan_TransactionTimeRange(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	t1 := testDate
	_, err := s.Append(ctx, testRequest("e1", "f1", "a"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	t2 := clock.Now()
	_, err = s.Append(ctx, testRequest("e1", "f1", "b"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = s.Append(ctx, testRequest("e1", "f1", "c"))
	require.NoError(t, err)

	// From is inclusive, To exclusive.
	records, _, err := s.Scan(ctx, ScanRange{From: t1.Add(time.Minute), To: t2.Add(time.Minute)}, "", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, `"b"`, records[0].NewValue.String())
}

func TestScan_ExpiredContextIsTimeout(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.Append(context.Background(), testRequest("e1", "f1", "a"))
	require.NoError(t, err)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, _, err = s.Scan(ctx, ScanRange{}, "", 0)
	require.Error(t, err)
	assert.True(t, ledger.IsTimeout(err))
}

func TestScan_MalformedCursor(t *testing.T) {
	s, _ := openTestStore(t)

	_, _, err := s.Scan(context.Background(), ScanRange{}, "bogus", 0)
	require.Error(t, err)
	assert.True(t, ledger.IsInvalidQuery(err))
}
