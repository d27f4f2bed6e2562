package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elitesignals/elite/internal/domain"
)

// Fake is an in-memory adapter used by tests and offline development. It
// synthesises deterministic OHLCV from a per-symbol seed and streams ticks
// on a timer.
type Fake struct {
	mu         sync.RWMutex
	quotes     map[string]domain.Quote
	orders     map[string]OrderRequest
	TickPeriod time.Duration

	// Failure injection for wrapper tests. FailQuoteTimes fails that many
	// calls then recovers; FailQuote/FailHistorical fail every call.
	FailHistorical  error
	FailQuote       error
	FailQuoteTimes  int
	HistoricalCalls int
	QuoteCalls      int
}

// NewFake returns an empty fake adapter.
func NewFake() *Fake {
	return &Fake{
		quotes:     make(map[string]domain.Quote),
		orders:     make(map[string]OrderRequest),
		TickPeriod: 10 * time.Millisecond,
	}
}

// SetQuote seeds the fake's quote table.
func (f *Fake) SetQuote(q domain.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[q.InstrumentKey] = q
}

// GetHistoricalOHLCV synthesises a deterministic random-walk series.
func (f *Fake) GetHistoricalOHLCV(_ context.Context, symbol string, start, end time.Time, size BarSize) ([]domain.Bar, error) {
	f.mu.Lock()
	f.HistoricalCalls++
	failErr := f.FailHistorical
	f.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}

	step := 24 * time.Hour
	switch size {
	case Bar1Minute:
		step = time.Minute
	case Bar1Hour:
		step = time.Hour
	}

	seed := int64(0)
	for _, c := range symbol {
		seed = seed*31 + int64(c)
	}
	rng := rand.New(rand.NewSource(seed))
	price := 100 + float64(seed%400)

	var bars []domain.Bar
	for ts := start; !ts.After(end); ts = ts.Add(step) {
		drift := 0.05 + rng.NormFloat64()*0.7
		open := price
		close := math.Max(price+drift, 2)
		bars = append(bars, domain.Bar{
			Timestamp: ts.UTC(),
			Open:      open,
			High:      math.Max(open, close) + rng.Float64()*0.4,
			Low:       math.Max(math.Min(open, close)-rng.Float64()*0.4, 1),
			Close:     close,
			Volume:    1000 + rng.Float64()*800,
		})
		price = close
	}
	return bars, nil
}

// GetQuote returns the seeded quote or a not-found permanent error.
func (f *Fake) GetQuote(_ context.Context, instrumentKey string) (domain.Quote, error) {
	f.mu.Lock()
	f.QuoteCalls++
	failErr := f.FailQuote
	if failErr == nil && f.FailQuoteTimes > 0 {
		f.FailQuoteTimes--
		failErr = Transient(fmt.Errorf("injected transient failure"))
	}
	f.mu.Unlock()
	if failErr != nil {
		return domain.Quote{}, failErr
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[instrumentKey]
	if !ok {
		return domain.Quote{}, Permanent(fmt.Errorf("instrument %s unknown", instrumentKey))
	}
	q.ReceivedTS = time.Now().UTC()
	return q, nil
}

// SubscribeQuotes streams jittered ticks for the seeded instruments until
// ctx is cancelled.
func (f *Fake) SubscribeQuotes(ctx context.Context, instrumentKeys []string) (<-chan QuoteUpdate, error) {
	out := make(chan QuoteUpdate, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(f.TickPeriod)
		defer ticker.Stop()
		rng := rand.New(rand.NewSource(42))
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, key := range instrumentKeys {
					f.mu.RLock()
					q, ok := f.quotes[key]
					f.mu.RUnlock()
					if !ok {
						continue
					}
					update := QuoteUpdate{
						InstrumentKey: key,
						LastPrice:     q.LastTradePrice * (1 + rng.NormFloat64()*0.0005),
						Open:          q.Open,
						High:          q.High,
						Low:           q.Low,
						Close:         q.Close,
						Volume:        q.Volume,
						SourceTS:      now.UTC(),
					}
					select {
					case out <- update:
					default: // slow consumer, drop
					}
				}
			}
		}
	}()
	return out, nil
}

// PlaceOrder acks immediately with a generated broker order ID.
func (f *Fake) PlaceOrder(_ context.Context, req OrderRequest) (string, error) {
	id := uuid.New().String()
	f.mu.Lock()
	f.orders[id] = req
	f.mu.Unlock()
	return id, nil
}

// CancelOrder drops a previously placed order.
func (f *Fake) CancelOrder(_ context.Context, brokerOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.orders[brokerOrderID]; !ok {
		return Permanent(fmt.Errorf("order %s unknown", brokerOrderID))
	}
	delete(f.orders, brokerOrderID)
	return nil
}

// ModifyOrder patches a previously placed order.
func (f *Fake) ModifyOrder(_ context.Context, brokerOrderID string, patch OrderPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.orders[brokerOrderID]
	if !ok {
		return Permanent(fmt.Errorf("order %s unknown", brokerOrderID))
	}
	if patch.Quantity != nil {
		req.Quantity = *patch.Quantity
	}
	if patch.LimitPrice != nil {
		req.LimitPrice = *patch.LimitPrice
	}
	f.orders[brokerOrderID] = req
	return nil
}
