package marketdata

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elitesignals/elite/internal/broker"
	"github.com/elitesignals/elite/internal/domain"
)

func storedBars(n int) []domain.Bar {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{
			Timestamp: ts.AddDate(0, 0, i),
			Open:      100 + float64(i),
			High:      101 + float64(i),
			Low:       99 + float64(i),
			Close:     100.5 + float64(i),
			Volume:    1000,
		}
	}
	return bars
}

func TestBarStore_PutThenGet(t *testing.T) {
	store, err := OpenBarStore(t.TempDir())
	require.NoError(t, err)

	bars := storedBars(3)
	start, end := bars[0].Timestamp, bars[2].Timestamp
	require.NoError(t, store.Put("NSE:INFY", start, end, broker.Bar1Day, bars))

	got, ok, err := store.Get("NSE:INFY", start, end, broker.Bar1Day)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 3)
	assert.Equal(t, bars[0].Open, got[0].Open)
	assert.True(t, got[2].Timestamp.Equal(end))

	t.Run("different_window_is_a_miss", func(t *testing.T) {
		_, ok, err := store.Get("NSE:INFY", start, end.AddDate(0, 0, 1), broker.Bar1Day)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("different_symbol_is_a_miss", func(t *testing.T) {
		_, ok, err := store.Get("NSE:TCS", start, end, broker.Bar1Day)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestBarStore_RefusesUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenBarStore(dir)
	require.NoError(t, err)

	bars := storedBars(2)
	start, end := bars[0].Timestamp, bars[1].Timestamp
	require.NoError(t, store.Put("NSE:INFY", start, end, broker.Bar1Day, bars))

	// Rewrite the header with a future schema version.
	path := store.path("NSE:INFY", start, end, broker.Bar1Day)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.BigEndian.PutUint16(raw[4:6], 99)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, _, err = store.Get("NSE:INFY", start, end, broker.Bar1Day)
	require.ErrorIs(t, err, domain.ErrSchemaMismatch)
}

func TestBarStore_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenBarStore(dir)
	require.NoError(t, err)

	bars := storedBars(2)
	require.NoError(t, store.Put("NSE:INFY", bars[0].Timestamp, bars[1].Timestamp, broker.Bar1Day, bars))

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestService_ColdTierServesRestart(t *testing.T) {
	dir := t.TempDir()
	bars := storedBars(5)
	start, end := bars[0].Timestamp, bars[4].Timestamp

	store, err := OpenBarStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put("NSE:INFY", start, end, broker.Bar1Day, bars))

	// A nil adapter proves the cold tier answered: any upstream call panics.
	svc := NewService(nil, NewCache(time.Minute, 16), nil)
	reopened, err := OpenBarStore(dir)
	require.NoError(t, err)
	svc.AttachBarStore(reopened)

	got, err := svc.History(context.Background(), "NSE:INFY", start, end, broker.Bar1Day)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}
