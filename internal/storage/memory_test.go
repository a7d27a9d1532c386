package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxrates/internal/rates"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestMemoryStoreUpsertOverwritesSameDay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pair := rates.MustPair("USD", "EUR")

	require.NoError(t, store.UpsertSnapshots(ctx, []rates.Snapshot{
		{Pair: pair, Rate: decimal.RequireFromString("0.85"), CapturedAt: day(2024, 3, 1), RetentionClass: rates.RetentionRefresh},
	}))
	require.NoError(t, store.UpsertSnapshots(ctx, []rates.Snapshot{
		{Pair: pair, Rate: decimal.RequireFromString("0.86"), CapturedAt: day(2024, 3, 1).Add(5 * time.Hour), RetentionClass: rates.RetentionDaily},
	}))

	count, err := store.CountSnapshots(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	page, err := store.ListSnapshots(ctx, SnapshotQuery{Pair: pair, From: day(2024, 3, 1), To: day(2024, 3, 1), Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "0.86", page[0].Rate.String())
	assert.Equal(t, rates.RetentionDaily, page[0].RetentionClass)
}

func TestMemoryStoreKeysetPages(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pair := rates.MustPair("USD", "EUR")

	var snaps []rates.Snapshot
	for d := 1; d <= 5; d++ {
		snaps = append(snaps, rates.Snapshot{Pair: pair, Rate: decimal.NewFromInt(int64(d)), CapturedAt: day(2024, 3, d)})
	}
	require.NoError(t, store.UpsertSnapshots(ctx, snaps))

	first, err := store.ListSnapshots(ctx, SnapshotQuery{Pair: pair, From: day(2024, 3, 2), To: day(2024, 3, 5), Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, day(2024, 3, 2), first[0].CapturedAt)
	assert.Equal(t, day(2024, 3, 3), first[1].CapturedAt)

	second, err := store.ListSnapshots(ctx, SnapshotQuery{Pair: pair, From: day(2024, 3, 2), To: day(2024, 3, 5), After: first[1].CapturedAt, Limit: 2})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, day(2024, 3, 5), second[1].CapturedAt)
}

func TestMemoryStoreDeleteBeforeIsStrictAndBatched(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pair := rates.MustPair("USD", "EUR")

	var snaps []rates.Snapshot
	for d := 1; d <= 5; d++ {
		snaps = append(snaps, rates.Snapshot{Pair: pair, Rate: decimal.NewFromInt(1), CapturedAt: day(2024, 3, d)})
	}
	require.NoError(t, store.UpsertSnapshots(ctx, snaps))

	n, err := store.DeleteSnapshotsBefore(ctx, day(2024, 3, 4), 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = store.DeleteSnapshotsBefore(ctx, day(2024, 3, 4), 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	count, err := store.CountSnapshots(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestMemoryStoreAdvisoryLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	unlock, ok, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	_, ok, err = store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreAlerts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := day(2024, 3, 10)

	require.NoError(t, store.InsertAlert(ctx, AlertRecord{ID: "a", TriggeredAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, store.InsertAlert(ctx, AlertRecord{ID: "b", TriggeredAt: now}))
	require.NoError(t, store.InsertAlert(ctx, AlertRecord{ID: "b", TriggeredAt: now}))

	recent, err := store.ListRecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].ID)

	n, err := store.DeleteAlertsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@localhost:5432/fx?sslmode=disable", migrateURL("postgres://u:p@localhost:5432/fx?sslmode=disable"))
	assert.Equal(t, "pgx5://localhost/fx", migrateURL("postgresql://localhost/fx"))
	assert.Error(t, Migrate(""))
}

func TestMemoryStoreRefreshDoesNotReplaceDaily(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pair := rates.MustPair("USD", "EUR")

	require.NoError(t, store.UpsertSnapshots(ctx, []rates.Snapshot{
		{Pair: pair, Rate: decimal.RequireFromString("0.85"), CapturedAt: day(2024, 3, 1).Add(time.Hour), RetentionClass: rates.RetentionDaily},
	}))
	require.NoError(t, store.UpsertSnapshots(ctx, []rates.Snapshot{
		{Pair: pair, Rate: decimal.RequireFromString("0.91"), CapturedAt: day(2024, 3, 1).Add(2 * time.Hour), RetentionClass: rates.RetentionRefresh},
	}))

	page, err := store.ListSnapshots(ctx, SnapshotQuery{Pair: pair, From: day(2024, 3, 1), To: day(2024, 3, 1), Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "0.85", page[0].Rate.String())
	assert.Equal(t, rates.RetentionDaily, page[0].RetentionClass)
}
