package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elitesignals/elite/internal/domain"
)

func fastConfig() ResilientConfig {
	return ResilientConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		RequestsPerSec: 1000,
		Burst:          1000,
	}
}

func TestResilient_RetriesTransient(t *testing.T) {
	fake := NewFake()
	fake.SetQuote(domain.Quote{InstrumentKey: "NSE:INFY", LastTradePrice: 1500})
	r := NewResilient(fake, fastConfig())

	// First call fails transiently, second succeeds.
	fake.FailQuoteTimes = 1

	q, err := r.GetQuote(context.Background(), "NSE:INFY")
	require.NoError(t, err)
	assert.Equal(t, 1500.0, q.LastTradePrice)
	assert.GreaterOrEqual(t, fake.QuoteCalls, 2)
}

func TestResilient_PermanentNotRetried(t *testing.T) {
	fake := NewFake()
	fake.FailHistorical = Permanent(errors.New("symbol delisted"))
	r := NewResilient(fake, fastConfig())

	_, err := r.GetHistoricalOHLCV(context.Background(), "NSE:GONE",
		time.Now().Add(-time.Hour), time.Now(), Bar1Day)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamPermanent)
	assert.Equal(t, 1, fake.HistoricalCalls)
}

func TestResilient_RetriesExhausted(t *testing.T) {
	fake := NewFake()
	fake.FailQuote = Transient(errors.New("flaky"))
	r := NewResilient(fake, fastConfig())

	_, err := r.GetQuote(context.Background(), "NSE:INFY")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamTransient)
	assert.Equal(t, 3, fake.QuoteCalls) // initial + 2 retries
}

func TestResilient_ContextCancellation(t *testing.T) {
	fake := NewFake()
	fake.FailQuote = Transient(errors.New("flaky"))
	cfg := fastConfig()
	cfg.InitialBackoff = time.Second
	r := NewResilient(fake, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.GetQuote(ctx, "NSE:INFY")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestErrorClassification(t *testing.T) {
	assert.ErrorIs(t, Transient(errors.New("x")), domain.ErrUpstreamTransient)
	assert.ErrorIs(t, Permanent(errors.New("x")), domain.ErrUpstreamPermanent)
	assert.ErrorIs(t, RateLimitedErr(errors.New("x")), domain.ErrRateLimited)
	assert.ErrorIs(t, AuthErr(errors.New("x")), domain.ErrAuth)
}

func TestFake_DeterministicHistory(t *testing.T) {
	fake := NewFake()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 100)

	a, err := fake.GetHistoricalOHLCV(context.Background(), "NSE:TCS", start, end, Bar1Day)
	require.NoError(t, err)
	b, err := fake.GetHistoricalOHLCV(context.Background(), "NSE:TCS", start, end, Bar1Day)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	require.NoError(t, domain.ValidateSeries(a))
}
