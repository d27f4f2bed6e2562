// Package orders routes order requests to either the paper simulator or the
// live broker adapter, owns the trading-mode switch, and is the only writer
// of the holdings book.
package orders

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/elitesignals/elite/internal/broker"
	"github.com/elitesignals/elite/internal/config"
	"github.com/elitesignals/elite/internal/domain"
)

// QuoteSource supplies reference prices for validation and paper fills.
type QuoteSource interface {
	Quote(ctx context.Context, instrumentKey string) (domain.Quote, error)
}

// PlaceRequest is the caller-facing order payload. IdempotencyKey is optional;
// when set, replays return the original order instead of creating another.
type PlaceRequest struct {
	Symbol         string           `json:"symbol"`
	Side           domain.OrderSide `json:"side"`
	Type           domain.OrderType `json:"order_type"`
	Quantity       float64          `json:"quantity"`
	LimitPrice     float64          `json:"limit_price,omitempty"`
	StopTrigger    float64          `json:"stop_trigger,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// Router validates and dispatches orders. It starts in paper mode; switching
// to live requires the single-shot confirmation token issued on the first
// attempt of the session.
type Router struct {
	mu sync.Mutex

	cfg     config.OrdersConfig
	adapter broker.Adapter
	quotes  QuoteSource
	now     func() time.Time

	mode         domain.TradingMode
	pendingToken string

	orders      map[string]*domain.Order
	idempotency map[string]string // idempotency key -> order_id
	brokerIDs   map[string]string // order_id -> broker order id
	holdings    map[string]*domain.Holding
	cash        float64
}

// NewRouter builds a paper-mode router with the configured starting cash.
func NewRouter(cfg config.OrdersConfig, adapter broker.Adapter, quotes QuoteSource) *Router {
	return &Router{
		cfg:         cfg,
		adapter:     adapter,
		quotes:      quotes,
		now:         time.Now,
		mode:        domain.ModePaper,
		orders:      make(map[string]*domain.Order),
		idempotency: make(map[string]string),
		brokerIDs:   make(map[string]string),
		holdings:    make(map[string]*domain.Holding),
		cash:        cfg.StartingCash,
	}
}

// Mode returns the current trading mode.
func (r *Router) Mode() domain.TradingMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SetMode switches trading modes. paper -> live is gated: the first attempt
// returns ErrConfirmationRequired together with a one-time token; repeating
// the call with that token completes the switch and consumes it.
func (r *Router) SetMode(mode domain.TradingMode, confirmation string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch mode {
	case domain.ModePaper:
		r.mode = domain.ModePaper
		r.pendingToken = ""
		return "", nil
	case domain.ModeLive:
		if r.mode == domain.ModeLive {
			return "", nil
		}
		if r.pendingToken != "" && confirmation == r.pendingToken {
			r.mode = domain.ModeLive
			r.pendingToken = ""
			log.Warn().Msg("trading mode switched to live")
			return "", nil
		}
		if r.pendingToken == "" {
			r.pendingToken = newToken()
		}
		return r.pendingToken, domain.ErrConfirmationRequired
	default:
		return "", fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidOrder, mode)
	}
}

func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.New().String()
	}
	return hex.EncodeToString(b)
}

// Place validates and dispatches an order. Validation or adapter failure
// leaves the order in state rejected and does not touch holdings. The order
// record is returned alongside the error so callers can inspect it.
func (r *Router) Place(ctx context.Context, req PlaceRequest) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, ok := r.idempotency[req.IdempotencyKey]; ok {
			return *r.orders[id], nil
		}
	}

	order := &domain.Order{
		OrderID:     uuid.New().String(),
		Mode:        r.mode,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopTrigger: req.StopTrigger,
		State:       domain.OrderAccepted,
		CreatedTS:   r.now().UTC(),
		UpdatedTS:   r.now().UTC(),
	}
	r.orders[order.OrderID] = order
	if req.IdempotencyKey != "" {
		r.idempotency[req.IdempotencyKey] = order.OrderID
	}

	quote, err := r.validateLocked(ctx, req)
	if err != nil {
		order.State = domain.OrderRejected
		order.UpdatedTS = r.now().UTC()
		return *order, err
	}

	if r.mode == domain.ModeLive {
		err = r.placeLiveLocked(ctx, order, req)
	} else {
		err = r.placePaperLocked(order, quote)
	}
	if err != nil {
		order.State = domain.OrderRejected
		order.UpdatedTS = r.now().UTC()
		return *order, err
	}
	return *order, nil
}

// validateLocked checks symbol, quantity, price-field consistency and the
// risk caps. It returns the reference quote used for caps and paper fills.
func (r *Router) validateLocked(ctx context.Context, req PlaceRequest) (domain.Quote, error) {
	if req.Symbol == "" {
		return domain.Quote{}, fmt.Errorf("%w: empty symbol", domain.ErrInvalidSymbol)
	}
	if req.Quantity <= 0 {
		return domain.Quote{}, fmt.Errorf("%w: quantity %.2f must be positive", domain.ErrInvalidOrder, req.Quantity)
	}
	if req.Quantity > r.cfg.MaxOrderQuantity {
		return domain.Quote{}, fmt.Errorf("%w: quantity %.2f exceeds cap %.2f",
			domain.ErrInvalidOrder, req.Quantity, r.cfg.MaxOrderQuantity)
	}

	switch req.Side {
	case domain.SideBuy, domain.SideSell:
	default:
		return domain.Quote{}, fmt.Errorf("%w: unknown side %q", domain.ErrInvalidOrder, req.Side)
	}

	switch req.Type {
	case domain.OrderMarket:
		if req.LimitPrice != 0 || req.StopTrigger != 0 {
			return domain.Quote{}, fmt.Errorf("%w: market order carries price fields", domain.ErrInvalidOrder)
		}
	case domain.OrderLimit:
		if req.LimitPrice <= 0 {
			return domain.Quote{}, fmt.Errorf("%w: limit order requires a positive limit price", domain.ErrInvalidOrder)
		}
		if req.StopTrigger != 0 {
			return domain.Quote{}, fmt.Errorf("%w: limit order carries a stop trigger", domain.ErrInvalidOrder)
		}
	case domain.OrderStop, domain.OrderStopMarket:
		if req.StopTrigger <= 0 {
			return domain.Quote{}, fmt.Errorf("%w: stop order requires a positive trigger", domain.ErrInvalidOrder)
		}
	default:
		return domain.Quote{}, fmt.Errorf("%w: unknown order type %q", domain.ErrInvalidOrder, req.Type)
	}

	quote, err := r.quotes.Quote(ctx, req.Symbol)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("%w: no reference price for %s: %v", domain.ErrInvalidSymbol, req.Symbol, err)
	}
	ref := quote.LastTradePrice

	if req.Side == domain.SideBuy {
		resulting := req.Quantity
		if h, ok := r.holdings[req.Symbol]; ok {
			resulting += h.Quantity
		}
		if resulting*ref > r.cfg.MaxPositionValue {
			return domain.Quote{}, fmt.Errorf("%w: resulting position value %.2f exceeds cap %.2f",
				domain.ErrInvalidOrder, resulting*ref, r.cfg.MaxPositionValue)
		}
	} else {
		held := 0.0
		if h, ok := r.holdings[req.Symbol]; ok {
			held = h.Quantity
		}
		if r.mode == domain.ModePaper && req.Quantity > held {
			return domain.Quote{}, fmt.Errorf("%w: sell %.2f exceeds held %.2f (cash market)",
				domain.ErrInvalidOrder, req.Quantity, held)
		}
	}
	return quote, nil
}

// placeLiveLocked forwards to the broker adapter and records the ack.
func (r *Router) placeLiveLocked(ctx context.Context, order *domain.Order, req PlaceRequest) error {
	brokerID, err := r.adapter.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopTrigger: req.StopTrigger,
	})
	if err != nil {
		return fmt.Errorf("live placement for %s: %w", req.Symbol, err)
	}
	r.brokerIDs[order.OrderID] = brokerID
	order.State = domain.OrderWorking
	order.UpdatedTS = r.now().UTC()
	log.Info().Str("order_id", order.OrderID).Str("broker_order_id", brokerID).
		Str("symbol", req.Symbol).Msg("live order placed")
	return nil
}

// placePaperLocked simulates the fill against the reference quote. Orders
// whose condition is not yet met stay working and are re-evaluated on quote
// updates via OnQuote.
func (r *Router) placePaperLocked(order *domain.Order, quote domain.Quote) error {
	ltp := quote.LastTradePrice
	switch order.Type {
	case domain.OrderMarket:
		return r.fillLocked(order, r.slippedPrice(ltp, order.Side))
	case domain.OrderLimit:
		if limitCrossed(order, ltp) {
			return r.fillLocked(order, ltp)
		}
	case domain.OrderStop, domain.OrderStopMarket:
		if stopTriggered(order, ltp) {
			return r.fillLocked(order, r.slippedPrice(ltp, order.Side))
		}
	}
	order.State = domain.OrderWorking
	order.UpdatedTS = r.now().UTC()
	return nil
}

// slippedPrice applies configured slippage in the adverse direction.
func (r *Router) slippedPrice(ltp float64, side domain.OrderSide) float64 {
	slip := ltp * r.cfg.PaperSlippageBps / 10000
	if side == domain.SideBuy {
		return ltp + slip
	}
	return ltp - slip
}

func limitCrossed(o *domain.Order, ltp float64) bool {
	if o.Side == domain.SideBuy {
		return ltp <= o.LimitPrice
	}
	return ltp >= o.LimitPrice
}

func stopTriggered(o *domain.Order, ltp float64) bool {
	if o.Side == domain.SideBuy {
		return ltp >= o.StopTrigger
	}
	return ltp <= o.StopTrigger
}

// fillLocked applies a full paper fill to the order and the holdings book.
func (r *Router) fillLocked(order *domain.Order, price float64) error {
	cost := price * order.Quantity
	if order.Side == domain.SideBuy {
		if cost > r.cash {
			return fmt.Errorf("%w: cost %.2f exceeds cash %.2f", domain.ErrInvalidOrder, cost, r.cash)
		}
		h, ok := r.holdings[order.Symbol]
		if !ok {
			h = &domain.Holding{Symbol: order.Symbol}
			r.holdings[order.Symbol] = h
		}
		total := h.AvgPrice*h.Quantity + cost
		h.Quantity += order.Quantity
		h.AvgPrice = total / h.Quantity
		h.LastPrice = price
		h.UnrealisedPnL = (h.LastPrice - h.AvgPrice) * h.Quantity
		r.cash -= cost
	} else {
		h, ok := r.holdings[order.Symbol]
		if !ok || h.Quantity < order.Quantity {
			return fmt.Errorf("%w: sell %.2f exceeds held position", domain.ErrInvalidOrder, order.Quantity)
		}
		h.Quantity -= order.Quantity
		h.LastPrice = price
		h.UnrealisedPnL = (h.LastPrice - h.AvgPrice) * h.Quantity
		if h.Quantity == 0 {
			delete(r.holdings, order.Symbol)
		}
		r.cash += cost
	}

	now := r.now().UTC()
	order.Fills = append(order.Fills, domain.Fill{Price: price, Quantity: order.Quantity, FilledTS: now})
	order.State = domain.OrderFilled
	order.UpdatedTS = now
	log.Info().Str("order_id", order.OrderID).Str("symbol", order.Symbol).
		Str("side", string(order.Side)).Float64("price", price).
		Float64("quantity", order.Quantity).Msg("paper fill")
	return nil
}

// OnQuote re-evaluates working paper orders against a fresh tick. Failed
// fills (e.g. cash exhausted since placement) reject the order.
func (r *Router) OnQuote(u broker.QuoteUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, order := range r.orders {
		if order.State != domain.OrderWorking || order.Mode != domain.ModePaper || order.Symbol != u.InstrumentKey {
			continue
		}
		var err error
		switch order.Type {
		case domain.OrderLimit:
			if limitCrossed(order, u.LastPrice) {
				err = r.fillLocked(order, u.LastPrice)
			}
		case domain.OrderStop, domain.OrderStopMarket:
			if stopTriggered(order, u.LastPrice) {
				err = r.fillLocked(order, r.slippedPrice(u.LastPrice, order.Side))
			}
		}
		if err != nil {
			order.State = domain.OrderRejected
			order.UpdatedTS = r.now().UTC()
			log.Warn().Err(err).Str("order_id", order.OrderID).Msg("working order rejected on tick")
		}
	}

	if h, ok := r.holdings[u.InstrumentKey]; ok {
		h.LastPrice = u.LastPrice
		h.UnrealisedPnL = (h.LastPrice - h.AvgPrice) * h.Quantity
	}
}

// Cancel cancels a working order. Live orders are cancelled at the broker
// first; a broker failure leaves the order working.
func (r *Router) Cancel(ctx context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	if order.State != domain.OrderWorking && order.State != domain.OrderAccepted {
		return fmt.Errorf("%w: order %s in state %s cannot be cancelled", domain.ErrInvalidOrder, orderID, order.State)
	}
	if order.Mode == domain.ModeLive {
		if brokerID, ok := r.brokerIDs[orderID]; ok {
			if err := r.adapter.CancelOrder(ctx, brokerID); err != nil {
				return fmt.Errorf("cancel %s at broker: %w", orderID, err)
			}
		}
	}
	order.State = domain.OrderCancelled
	order.UpdatedTS = r.now().UTC()
	return nil
}

// Get returns an order record by ID.
func (r *Router) Get(orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return *order, nil
}

// Holdings returns a point-in-time copy of the book sorted by symbol.
func (r *Router) Holdings() []domain.Holding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Holding, 0, len(r.holdings))
	for _, h := range r.holdings {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Cash returns the current virtual cash balance.
func (r *Router) Cash() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cash
}

// Valuation marks the book to the latest cached prices and returns a
// portfolio snapshot. Price lookups that fail fall back to the holding's
// last known price.
func (r *Router) Valuation(ctx context.Context) domain.PortfolioSnapshot {
	holdings := r.Holdings()
	total := r.Cash()
	for i := range holdings {
		q, err := r.quotes.Quote(ctx, holdings[i].Symbol)
		if err == nil && q.LastTradePrice > 0 {
			holdings[i].LastPrice = q.LastTradePrice
			holdings[i].UnrealisedPnL = (q.LastTradePrice - holdings[i].AvgPrice) * holdings[i].Quantity
		}
		total += holdings[i].LastPrice * holdings[i].Quantity
	}
	return domain.PortfolioSnapshot{
		SnapshotTS: r.now().UTC(),
		Cash:       r.Cash(),
		TotalValue: total,
		Holdings:   holdings,
	}
}
