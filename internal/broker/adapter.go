// Package broker defines the adapter surface the core consumes from the
// hosting broker integration, plus the resilience wrapper (retry, rate
// limit, circuit breaker) applied to every REST call.
package broker

import (
	"context"
	"time"

	"github.com/elitesignals/elite/internal/domain"
)

// BarSize selects the historical bar interval.
type BarSize string

const (
	Bar1Minute BarSize = "1m"
	Bar1Hour   BarSize = "1h"
	Bar1Day    BarSize = "1d"
)

// QuoteUpdate is one streamed tick from the broker feed.
type QuoteUpdate struct {
	InstrumentKey string
	LastPrice     float64
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        float64
	SourceTS      time.Time
}

// OrderRequest is the adapter-facing order payload.
type OrderRequest struct {
	Symbol      string
	Side        domain.OrderSide
	Type        domain.OrderType
	Quantity    float64
	LimitPrice  float64
	StopTrigger float64
}

// OrderPatch modifies a working broker order.
type OrderPatch struct {
	Quantity   *float64
	LimitPrice *float64
}

// Adapter is the opaque broker integration. Implementations return the typed
// error kinds below so the wrapper can decide retryability.
type Adapter interface {
	// GetHistoricalOHLCV fetches bars for [start, end]. Idempotent.
	GetHistoricalOHLCV(ctx context.Context, symbol string, start, end time.Time, size BarSize) ([]domain.Bar, error)

	// GetQuote fetches the latest quote for an instrument.
	GetQuote(ctx context.Context, instrumentKey string) (domain.Quote, error)

	// SubscribeQuotes opens the streaming feed for the given instruments.
	// The returned channel closes when ctx is cancelled or the feed dies;
	// callers own reconnection.
	SubscribeQuotes(ctx context.Context, instrumentKeys []string) (<-chan QuoteUpdate, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (brokerOrderID string, err error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ModifyOrder(ctx context.Context, brokerOrderID string, patch OrderPatch) error
}

// Error classification helpers. Adapters wrap their failures in these kinds;
// everything else is treated as permanent.

// Transient wraps a retryable upstream failure.
func Transient(err error) error {
	return &classified{kind: domain.ErrUpstreamTransient, err: err}
}

// Permanent wraps a non-retryable upstream failure.
func Permanent(err error) error {
	return &classified{kind: domain.ErrUpstreamPermanent, err: err}
}

// RateLimitedErr wraps a throttling response.
func RateLimitedErr(err error) error {
	return &classified{kind: domain.ErrRateLimited, err: err}
}

// AuthErr wraps an authentication failure.
func AuthErr(err error) error {
	return &classified{kind: domain.ErrAuth, err: err}
}

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string {
	return c.kind.Error() + ": " + c.err.Error()
}

func (c *classified) Unwrap() error { return c.kind }

// Cause exposes the wrapped failure for logging.
func (c *classified) Cause() error { return c.err }
