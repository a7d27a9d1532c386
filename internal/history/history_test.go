package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxrates/internal/rates"
	"fxrates/internal/storage"
)

var usdEUR = rates.MustPair("USD", "EUR")

func cached(rate string) []rates.CachedRate {
	return []rates.CachedRate{{Pair: usdEUR, Rate: decimal.RequireFromString(rate), SourceProvider: "fixer"}}
}

func newStore(backend storage.SnapshotStore, opts Options) *Store {
	return New(backend, opts, zerolog.Nop())
}

func TestSnapshotIsIdempotentPerDay(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStore()
	h := newStore(backend, Options{})
	morning := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

	_, err := h.RecordRefresh(ctx, cached("0.85"), morning)
	require.NoError(t, err)
	_, err = h.Snapshot(ctx, cached("0.86"), morning.Add(10*time.Hour))
	require.NoError(t, err)

	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	seq, err := h.Query(ctx, usdEUR, morning, morning)
	require.NoError(t, err)
	got, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0.86", got[0].Rate.String())
	assert.Equal(t, rates.RetentionDaily, got[0].RetentionClass)
}

func TestRefreshKeepsDailySnapshot(t *testing.T) {
	ctx := context.Background()
	h := newStore(storage.NewMemoryStore(), Options{})
	daily := time.Date(2024, 3, 15, 1, 0, 0, 0, time.UTC)

	_, err := h.Snapshot(ctx, cached("0.85"), daily)
	require.NoError(t, err)
	_, err = h.RecordRefresh(ctx, cached("0.91"), daily.Add(5*time.Minute))
	require.NoError(t, err)

	seq, err := h.Query(ctx, usdEUR, daily, daily)
	require.NoError(t, err)
	got, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0.85", got[0].Rate.String())
	assert.Equal(t, rates.RetentionDaily, got[0].RetentionClass)

	// a rerun of the daily job still replaces its own row
	_, err = h.Snapshot(ctx, cached("0.87"), daily.Add(time.Hour))
	require.NoError(t, err)
	seq, err = h.Query(ctx, usdEUR, daily, daily)
	require.NoError(t, err)
	got, err = Collect(seq)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0.87", got[0].Rate.String())
}

func TestSnapshotDayFollowsLocation(t *testing.T) {
	ctx := context.Background()
	tokyo := time.FixedZone("JST", 9*3600)
	h := newStore(storage.NewMemoryStore(), Options{Location: tokyo})

	// 20:00 UTC on the 14th is already the 15th in Tokyo.
	_, err := h.Snapshot(ctx, cached("0.85"), time.Date(2024, 3, 14, 20, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	seq, err := h.Query(ctx, usdEUR, time.Date(2024, 3, 15, 12, 0, 0, 0, tokyo), time.Date(2024, 3, 15, 12, 0, 0, 0, tokyo))
	require.NoError(t, err)
	got, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), got[0].CapturedAt)
}

func TestPurgeExpiredRetentionBoundary(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStore()
	h := newStore(backend, Options{RetentionDays: 90, PurgeBatch: 2})
	now := time.Date(2024, 6, 30, 3, 30, 0, 0, time.UTC)

	for _, age := range []int{91, 95, 100, 90, 89, 0} {
		_, err := h.Snapshot(ctx, cached("0.85"), now.AddDate(0, 0, -age))
		require.NoError(t, err)
	}

	deleted, err := h.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)

	seq, err := h.Query(ctx, usdEUR, now.AddDate(0, 0, -100), now)
	require.NoError(t, err)
	got, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, rates.DateIn(now.AddDate(0, 0, -90), time.UTC), got[0].CapturedAt)
}

func TestQueryValidatesRange(t *testing.T) {
	ctx := context.Background()
	h := newStore(storage.NewMemoryStore(), Options{MaxRangeDays: 365})
	now := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	_, err := h.Query(ctx, usdEUR, now, now.AddDate(0, 0, -1))
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = h.Query(ctx, usdEUR, now.AddDate(0, 0, -366), now)
	assert.ErrorIs(t, err, ErrRangeTooWide)

	_, err = h.Query(ctx, usdEUR, now.AddDate(0, 0, -365), now)
	assert.NoError(t, err)

	_, err = h.Query(ctx, rates.Pair{}, now, now)
	assert.ErrorIs(t, err, rates.ErrInvalidPair)
}

func TestQueryIsLazyPagedAndRestartable(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{MemoryStore: storage.NewMemoryStore()}
	h := newStore(backend, Options{PageSize: 2})
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for d := 0; d < 5; d++ {
		_, err := h.Snapshot(ctx, cached(decimal.NewFromInt(int64(d+1)).String()), start.AddDate(0, 0, d))
		require.NoError(t, err)
	}

	seq, err := h.Query(ctx, usdEUR, start, start.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, 0, backend.pages, "query does not run until ranged")

	got, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].CapturedAt.Before(got[i].CapturedAt))
	}
	assert.Equal(t, 3, backend.pages)

	again, err := Collect(seq)
	require.NoError(t, err)
	assert.Len(t, again, 5)

	backend.pages = 0
	for range seq {
		break
	}
	assert.Equal(t, 1, backend.pages, "stopping early does not fetch further pages")
}

func TestQuerySurfacesBackendError(t *testing.T) {
	backend := &countingBackend{MemoryStore: storage.NewMemoryStore(), err: errors.New("db down")}
	h := newStore(backend, Options{})
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	seq, err := h.Query(context.Background(), usdEUR, now, now)
	require.NoError(t, err)
	_, err = Collect(seq)
	assert.ErrorContains(t, err, "db down")
}

type countingBackend struct {
	*storage.MemoryStore
	pages int
	err   error
}

func (c *countingBackend) ListSnapshots(ctx context.Context, q storage.SnapshotQuery) ([]rates.Snapshot, error) {
	c.pages++
	if c.err != nil {
		return nil, c.err
	}
	return c.MemoryStore.ListSnapshots(ctx, q)
}
