package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elitesignals/elite/internal/broker"
	"github.com/elitesignals/elite/internal/domain"
)

// Service is the read path for market data: hot in-process cache, optional
// Redis warm tier, then the broker adapter.
type Service struct {
	adapter broker.Adapter
	cache   *Cache
	warm    *WarmTier // nil when Redis is not configured
	cold    *BarStore // nil when no bar cache directory is attached
}

// NewService assembles the layered read path. warm may be nil.
func NewService(adapter broker.Adapter, cache *Cache, warm *WarmTier) *Service {
	return &Service{adapter: adapter, cache: cache, warm: warm}
}

// AttachBarStore adds the on-disk cold tier for historical bars. Call before
// the service is shared across goroutines.
func (s *Service) AttachBarStore(store *BarStore) {
	s.cold = store
}

// Quote returns the freshest cached quote for an instrument, fetching through
// the warm tier and the adapter on miss. Concurrent misses share one fetch.
func (s *Service) Quote(ctx context.Context, instrumentKey string) (domain.Quote, error) {
	v, err := s.cache.GetOrFetch(ctx, "quote:"+instrumentKey, func(ctx context.Context) (interface{}, error) {
		if s.warm != nil {
			q, ok, err := s.warm.GetQuote(ctx, instrumentKey)
			if err != nil {
				log.Warn().Err(err).Str("instrument", instrumentKey).Msg("warm tier read failed, falling through")
			} else if ok {
				return q, nil
			}
		}

		q, err := s.adapter.GetQuote(ctx, instrumentKey)
		if err != nil {
			return nil, err
		}
		if s.warm != nil {
			if err := s.warm.SetQuote(ctx, q); err != nil {
				log.Warn().Err(err).Str("instrument", instrumentKey).Msg("warm tier write failed")
			}
		}
		return q, nil
	})
	if err != nil {
		return domain.Quote{}, err
	}
	return v.(domain.Quote), nil
}

// History returns cached OHLCV for the window, validated before reuse.
func (s *Service) History(ctx context.Context, symbol string, start, end time.Time, size broker.BarSize) ([]domain.Bar, error) {
	key := fmt.Sprintf("bars:%s:%s:%d:%d", symbol, size, start.Unix(), end.Unix())
	v, err := s.cache.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		if s.cold != nil {
			bars, ok, err := s.cold.Get(symbol, start, end, size)
			if err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("bar cache read failed, falling through")
			} else if ok {
				return bars, nil
			}
		}

		bars, err := s.adapter.GetHistoricalOHLCV(ctx, symbol, start, end, size)
		if err != nil {
			return nil, err
		}
		if err := domain.ValidateSeries(bars); err != nil {
			return nil, fmt.Errorf("upstream series for %s: %w", symbol, err)
		}
		if s.cold != nil {
			if err := s.cold.Put(symbol, start, end, size, bars); err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("bar cache write failed")
			}
		}
		return bars, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Bar), nil
}

// CacheStats exposes the hot-tier counters for telemetry.
func (s *Service) CacheStats() CacheStats {
	return s.cache.Stats()
}
