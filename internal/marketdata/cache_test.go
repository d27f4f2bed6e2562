package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elitesignals/elite/internal/broker"
	"github.com/elitesignals/elite/internal/domain"
)

func TestCache_ConcurrentMissesShareOneFetch(t *testing.T) {
	cache := NewCache(time.Minute, 16)

	var fetches int32
	fetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&fetches, 1)
		time.Sleep(20 * time.Millisecond) // hold the flight open for followers
		return domain.Quote{InstrumentKey: "NSE:INFY", LastTradePrice: 1501.5}, nil
	}

	const callers = 8
	results := make([]domain.Quote, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := cache.GetOrFetch(context.Background(), "quote:NSE:INFY", fetch)
			require.NoError(t, err)
			results[i] = v.(domain.Quote)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
	for _, q := range results {
		assert.Equal(t, 1501.5, q.LastTradePrice)
	}
	assert.Equal(t, uint64(callers-1), cache.Stats().Dedupes)
}

func TestCache_TTLExpiry(t *testing.T) {
	cache := NewCache(10*time.Second, 16)
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Put("k", 42)
	_, ok := cache.Get("k")
	assert.True(t, ok)

	now = now.Add(11 * time.Second)
	_, ok = cache.Get("k")
	assert.False(t, ok)

	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 1, cache.sweep())
	assert.Equal(t, 0, cache.Len())
}

func TestCache_LRUEviction(t *testing.T) {
	cache := NewCache(time.Minute, 2)
	cache.Put("a", 1)
	cache.Put("b", 2)

	// Touch a so b becomes the eviction candidate.
	_, ok := cache.Get("a")
	require.True(t, ok)

	cache.Put("c", 3)

	_, ok = cache.Get("a")
	assert.True(t, ok)
	_, ok = cache.Get("b")
	assert.False(t, ok)
	_, ok = cache.Get("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), cache.Stats().Evictions)
}

func TestCache_EvictionPrefersExpired(t *testing.T) {
	cache := NewCache(10*time.Second, 2)
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Put("a", 1)
	now = now.Add(5 * time.Second)
	cache.Put("b", 2)

	// Touch a so b sits at the LRU end while a is the one about to expire.
	_, ok := cache.Get("a")
	require.True(t, ok)

	// a has expired, b is still live: inserting c must sacrifice a even
	// though b is least recently used.
	now = now.Add(6 * time.Second)
	cache.Put("c", 3)

	_, ok = cache.Get("a")
	assert.False(t, ok)
	_, ok = cache.Get("b")
	assert.True(t, ok)
	_, ok = cache.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, uint64(1), cache.Stats().Evictions)
}

func TestCache_ErrorsNotCached(t *testing.T) {
	cache := NewCache(time.Minute, 16)

	var fetches int32
	boom := errors.New("upstream down")
	fetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&fetches, 1)
		return nil, boom
	}

	_, err := cache.GetOrFetch(context.Background(), "k", fetch)
	assert.ErrorIs(t, err, boom)
	_, err = cache.GetOrFetch(context.Background(), "k", fetch)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetches))
}

func TestService_QuoteCachedAcrossCalls(t *testing.T) {
	fake := broker.NewFake()
	fake.SetQuote(domain.Quote{InstrumentKey: "NSE:TCS", LastTradePrice: 4100})
	svc := NewService(fake, NewCache(time.Minute, 16), nil)

	q1, err := svc.Quote(context.Background(), "NSE:TCS")
	require.NoError(t, err)
	q2, err := svc.Quote(context.Background(), "NSE:TCS")
	require.NoError(t, err)

	assert.Equal(t, q1, q2)
	assert.Equal(t, 1, fake.QuoteCalls)
}

func TestService_HistoryValidatedAndCached(t *testing.T) {
	fake := broker.NewFake()
	svc := NewService(fake, NewCache(time.Minute, 16), nil)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	bars, err := svc.History(context.Background(), "NSE:TCS", start, end, broker.Bar1Day)
	require.NoError(t, err)
	require.NotEmpty(t, bars)

	_, err = svc.History(context.Background(), "NSE:TCS", start, end, broker.Bar1Day)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.HistoricalCalls)
}
