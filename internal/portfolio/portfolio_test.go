package portfolio

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elitesignals/elite/internal/domain"
)

func sampleSnapshot(ts time.Time, total float64) domain.PortfolioSnapshot {
	return domain.PortfolioSnapshot{
		SnapshotTS: ts,
		Cash:       total / 2,
		TotalValue: total,
		Holdings: []domain.Holding{
			{Symbol: "NSE:INFY", Quantity: 10, AvgPrice: 1500, LastPrice: 1520, UnrealisedPnL: 200},
		},
	}
}

func TestStore_AppendQueryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	require.NoError(t, err)

	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(sampleSnapshot(base.Add(time.Duration(i)*time.Hour), 100_000+float64(i))))
	}
	require.NoError(t, store.Close())

	reloaded, err := OpenStore(dir)
	require.NoError(t, err)
	defer reloaded.Close()

	all := reloaded.Query(time.Time{}, time.Time{})
	require.Len(t, all, 5)
	assert.Equal(t, sampleSnapshot(base, 100_000), all[0])

	t.Run("range_query", func(t *testing.T) {
		got := reloaded.Query(base.Add(time.Hour), base.Add(3*time.Hour))
		require.Len(t, got, 3)
		assert.True(t, got[0].SnapshotTS.Equal(base.Add(time.Hour)))
		assert.True(t, got[2].SnapshotTS.Equal(base.Add(3*time.Hour)))
	})

	t.Run("latest", func(t *testing.T) {
		latest, err := reloaded.Latest()
		require.NoError(t, err)
		assert.InDelta(t, 100_004.0, latest.TotalValue, 1e-9)
	})
}

func TestStore_RefusesUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, storeFile)

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, binary.Write(f, binary.BigEndian, storeMagic))
	require.NoError(t, binary.Write(f, binary.BigEndian, uint16(99)))
	require.NoError(t, f.Close())

	_, err = OpenStore(dir)
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
}

func TestStore_RefusesBadMagic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, storeFile), []byte("not a snapshot db"), 0o644))

	_, err := OpenStore(dir)
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
}

func TestStore_PruneSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	require.NoError(t, err)

	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		require.NoError(t, store.Append(sampleSnapshot(base.AddDate(0, 0, i), 100_000)))
	}

	removed, err := store.Prune(base.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 3, store.Len())

	// Appends keep working against the swapped file.
	require.NoError(t, store.Append(sampleSnapshot(base.AddDate(0, 0, 7), 101_000)))
	require.NoError(t, store.Close())

	reloaded, err := OpenStore(dir)
	require.NoError(t, err)
	defer reloaded.Close()
	assert.Equal(t, 4, reloaded.Len())
	first := reloaded.Query(time.Time{}, time.Time{})[0]
	assert.True(t, first.SnapshotTS.Equal(base.AddDate(0, 0, 3)))
}

type fixedValuer struct {
	snap domain.PortfolioSnapshot
}

func (v fixedValuer) Valuation(context.Context) domain.PortfolioSnapshot { return v.snap }

func TestSnapshotter_TakeAppendsAndPrunes(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	// Seed one aged snapshot beyond the horizon.
	require.NoError(t, store.Append(sampleSnapshot(now.AddDate(0, 0, -100), 90_000)))

	snapper, err := NewSnapshotter(
		fixedValuer{snap: sampleSnapshot(now, 100_000)},
		store,
		SnapshotterConfig{Interval: time.Minute, SessionEnd: "15:30", Horizon: 90 * 24 * time.Hour, Location: time.UTC},
	)
	require.NoError(t, err)
	snapper.now = func() time.Time { return now }

	snap, err := snapper.Take(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 100_000.0, snap.TotalValue, 1e-9)

	// The aged snapshot is gone, the fresh one remains.
	assert.Equal(t, 1, store.Len())
}

func TestSnapshotter_NextSessionEnd(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	snapper, err := NewSnapshotter(fixedValuer{}, store,
		SnapshotterConfig{Interval: time.Minute, SessionEnd: "15:30", Location: time.UTC})
	require.NoError(t, err)

	t.Run("before_close_same_day", func(t *testing.T) {
		now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
		end := snapper.nextSessionEnd(now)
		assert.Equal(t, time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC), end)
	})
	t.Run("after_close_rolls_to_next_day", func(t *testing.T) {
		now := time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)
		end := snapper.nextSessionEnd(now)
		assert.Equal(t, time.Date(2025, 6, 3, 15, 30, 0, 0, time.UTC), end)
	})
	t.Run("exactly_at_close_rolls_forward", func(t *testing.T) {
		now := time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC)
		end := snapper.nextSessionEnd(now)
		assert.Equal(t, time.Date(2025, 6, 3, 15, 30, 0, 0, time.UTC), end)
	})

	snapper.now = func() time.Time { return time.Date(2025, 6, 2, 15, 29, 59, 0, time.UTC) }
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = snapper.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSnapshotter_RejectsBadSessionEnd(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = NewSnapshotter(fixedValuer{}, store,
		SnapshotterConfig{Interval: time.Minute, SessionEnd: "half past three"})
	assert.Error(t, err)
}
