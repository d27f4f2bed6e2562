package domain

import (
	"fmt"
	"math"
	"time"
)

// Bar is a single OHLCV bar. Timestamps are UTC; series are strictly
// ascending by timestamp.
type Bar struct {
	Timestamp time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks a single bar for finite, non-negative fields.
func (b Bar) Validate() error {
	for name, v := range map[string]float64{
		"open": b.Open, "high": b.High, "low": b.Low, "close": b.Close, "volume": b.Volume,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bar %s at %s: non-finite %s", name, b.Timestamp.Format(time.RFC3339), name)
		}
		if v < 0 {
			return fmt.Errorf("bar at %s: negative %s %.6f", b.Timestamp.Format(time.RFC3339), name, v)
		}
	}
	return nil
}

// ValidateSeries checks ordering, uniqueness and per-bar sanity for a series.
func ValidateSeries(bars []Bar) error {
	for i, b := range bars {
		if err := b.Validate(); err != nil {
			return err
		}
		if i > 0 && !bars[i-1].Timestamp.Before(b.Timestamp) {
			return fmt.Errorf("series not strictly ascending at index %d (%s >= %s)",
				i, bars[i-1].Timestamp.Format(time.RFC3339), b.Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

// Quote is the latest market state for an instrument.
type Quote struct {
	InstrumentKey  string    `json:"instrument_key"`
	LastTradePrice float64   `json:"ltp"`
	Open           float64   `json:"open"`
	High           float64   `json:"high"`
	Low            float64   `json:"low"`
	Close          float64   `json:"close"`
	Volume         float64   `json:"volume"`
	ReceivedTS     time.Time `json:"received_ts"`
	SourceTS       time.Time `json:"source_ts"`
}

// SignalLabel is the discrete trading decision.
type SignalLabel string

const (
	StrongSell SignalLabel = "STRONG_SELL"
	Sell       SignalLabel = "SELL"
	Hold       SignalLabel = "HOLD"
	Buy        SignalLabel = "BUY"
	StrongBuy  SignalLabel = "STRONG_BUY"
)

// SignalStatus tracks a signal's lifecycle for later scoring.
type SignalStatus string

const (
	SignalPending  SignalStatus = "pending"
	SignalRealised SignalStatus = "realised"
	SignalExpired  SignalStatus = "expired"
)

// Signal is the final fused trading decision for a ticker.
type Signal struct {
	Ticker         string             `json:"ticker"`
	AsOf           time.Time          `json:"as_of_ts"`
	Label          SignalLabel        `json:"label"`
	Probability    float64            `json:"probability"`
	Confidence     float64            `json:"confidence"`
	Entry          float64            `json:"entry"`
	StopLoss       float64            `json:"stop_loss"`
	Target1        float64            `json:"target_1"`
	Target2        float64            `json:"target_2"`
	ModelOutputs   map[string]float64 `json:"per_model_predictions"`
	EnsembleMethod string             `json:"ensemble_method"`
	Weights        map[string]float64 `json:"component_weights"`
	Status         SignalStatus       `json:"status"`
	Diagnostics    []string           `json:"diagnostics,omitempty"`
}

// Prediction is one model's probability estimate at a point in time.
// Immutable once written.
type Prediction struct {
	ModelID        string    `json:"model_id"`
	Ticker         string    `json:"ticker"`
	AsOf           time.Time `json:"as_of_ts"`
	ProbabilityUp  float64   `json:"probability_up"`
	ModelVersion   string    `json:"model_version"`
	FeatureVersion string    `json:"feature_version"`
}

// Direction is the realised move of a prediction's underlying.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionFlat Direction = "flat"
)

// Observation records a realised prediction outcome. Append-only.
type Observation struct {
	ModelID       string    `json:"model_id"`
	PredictionTS  time.Time `json:"prediction_ts"`
	RealisedTS    time.Time `json:"realised_ts"`
	PredictedProb float64   `json:"predicted_prob"`
	Realised      Direction `json:"realised_direction"`
	Return        float64   `json:"realised_return"`
}

// Holding is one position in the portfolio.
type Holding struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgPrice      float64 `json:"avg_price"`
	LastPrice     float64 `json:"last_price"`
	UnrealisedPnL float64 `json:"unrealised_pnl"`
}

// PortfolioSnapshot is a timestamped portfolio valuation.
type PortfolioSnapshot struct {
	SnapshotTS time.Time `json:"snapshot_ts"`
	Cash       float64   `json:"cash"`
	TotalValue float64   `json:"total_value"`
	Holdings   []Holding `json:"holdings"`
}

// OrderSide is buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType enumerates supported order shapes.
type OrderType string

const (
	OrderMarket     OrderType = "market"
	OrderLimit      OrderType = "limit"
	OrderStop       OrderType = "stop"
	OrderStopMarket OrderType = "stop_market"
)

// OrderState is the router-visible order lifecycle.
type OrderState string

const (
	OrderAccepted        OrderState = "accepted"
	OrderWorking         OrderState = "working"
	OrderFilled          OrderState = "filled"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderCancelled       OrderState = "cancelled"
	OrderRejected        OrderState = "rejected"
)

// TradingMode selects paper simulation or live forwarding.
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// Fill is a single execution against an order.
type Fill struct {
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	FilledTS time.Time `json:"filled_ts"`
}

// Order is the router's order record.
type Order struct {
	OrderID     string      `json:"order_id"`
	Mode        TradingMode `json:"mode"`
	Symbol      string      `json:"symbol"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"order_type"`
	Quantity    float64     `json:"quantity"`
	LimitPrice  float64     `json:"limit_price,omitempty"`
	StopTrigger float64     `json:"stop_trigger,omitempty"`
	State       OrderState  `json:"state"`
	Fills       []Fill      `json:"fills,omitempty"`
	CreatedTS   time.Time   `json:"created_ts"`
	UpdatedTS   time.Time   `json:"updated_ts"`
}
