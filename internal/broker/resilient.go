package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/elitesignals/elite/internal/domain"
)

// ResilientConfig tunes the wrapper around the raw adapter.
type ResilientConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestsPerSec float64
	Burst          int
}

// DefaultResilientConfig matches typical broker REST limits.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxRetries:     3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		RequestsPerSec: 8,
		Burst:          16,
	}
}

// Resilient decorates an Adapter with a token-bucket rate limiter, a circuit
// breaker and bounded exponential backoff for transient failures. Transient
// kinds are absorbed here; permanent, auth and exhausted-retry failures
// bubble up.
type Resilient struct {
	inner   Adapter
	cfg     ResilientConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewResilient wraps an adapter.
func NewResilient(inner Adapter, cfg ResilientConfig) *Resilient {
	settings := gobreaker.Settings{
		Name:    "broker",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("broker circuit breaker state change")
		},
	}
	return &Resilient{
		inner:   inner,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// call runs fn through the limiter, breaker and retry loop.
func (r *Resilient) call(ctx context.Context, op string, fn func() error) error {
	backoff := r.cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s: %w: %v", op, domain.ErrUpstreamTransient, err)
		}
		if !retryable(err) {
			return fmt.Errorf("%s: %w", op, err)
		}

		log.Debug().Str("op", op).Int("attempt", attempt+1).Err(err).
			Dur("backoff", backoff).Msg("retrying broker call")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrUpstreamTransient) || errors.Is(err, domain.ErrRateLimited)
}

// GetHistoricalOHLCV retries transient fetch failures with bounded backoff.
func (r *Resilient) GetHistoricalOHLCV(ctx context.Context, symbol string, start, end time.Time, size BarSize) ([]domain.Bar, error) {
	var bars []domain.Bar
	err := r.call(ctx, "get_historical_ohlcv", func() error {
		var inner error
		bars, inner = r.inner.GetHistoricalOHLCV(ctx, symbol, start, end, size)
		return inner
	})
	return bars, err
}

// GetQuote retries transient quote failures.
func (r *Resilient) GetQuote(ctx context.Context, instrumentKey string) (domain.Quote, error) {
	var q domain.Quote
	err := r.call(ctx, "get_quote", func() error {
		var inner error
		q, inner = r.inner.GetQuote(ctx, instrumentKey)
		return inner
	})
	return q, err
}

// SubscribeQuotes passes through; the stream manager owns reconnection.
func (r *Resilient) SubscribeQuotes(ctx context.Context, instrumentKeys []string) (<-chan QuoteUpdate, error) {
	return r.inner.SubscribeQuotes(ctx, instrumentKeys)
}

// PlaceOrder does not retry: order placement is not idempotent at the broker.
func (r *Resilient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("place_order: %w", err)
	}
	id, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.PlaceOrder(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("place_order: %w", err)
	}
	return id.(string), nil
}

// CancelOrder retries transient failures; cancellation is idempotent.
func (r *Resilient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return r.call(ctx, "cancel_order", func() error {
		return r.inner.CancelOrder(ctx, brokerOrderID)
	})
}

// ModifyOrder retries transient failures.
func (r *Resilient) ModifyOrder(ctx context.Context, brokerOrderID string, patch OrderPatch) error {
	return r.call(ctx, "modify_order", func() error {
		return r.inner.ModifyOrder(ctx, brokerOrderID, patch)
	})
}
