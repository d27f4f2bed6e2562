package features

import (
	"fmt"
	"math"
	"time"

	"github.com/elitesignals/elite/internal/domain"
)

// Row is a single feature vector aligned to the owning set's column order.
// Missing values are NaN.
type Row struct {
	Set       *FeatureSet
	Timestamp time.Time
	Values    []float64
}

// Get returns a feature value by name.
func (r Row) Get(name string) (float64, bool) {
	i, ok := r.Set.Index(name)
	if !ok {
		return math.NaN(), false
	}
	return r.Values[i], true
}

// Complete reports whether the row carries no missing markers.
func (r Row) Complete() bool {
	for _, v := range r.Values {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Matrix is a column-major N×K feature matrix with its schema header.
type Matrix struct {
	Set        *FeatureSet
	Timestamps []time.Time
	Columns    [][]float64 // Columns[k][n], k in schema order
}

// Len is the number of rows.
func (m *Matrix) Len() int { return len(m.Timestamps) }

// Row extracts row n as a dense vector.
func (m *Matrix) Row(n int) Row {
	values := make([]float64, len(m.Columns))
	for k := range m.Columns {
		values[k] = m.Columns[k][n]
	}
	return Row{Set: m.Set, Timestamp: m.Timestamps[n], Values: values}
}

// Engine derives feature rows from OHLCV series for one feature-set version.
type Engine struct {
	set *FeatureSet
}

// NewEngine builds an engine for the given feature-set version.
func NewEngine(version string) (*Engine, error) {
	set, err := ForVersion(version)
	if err != nil {
		return nil, err
	}
	return &Engine{set: set}, nil
}

// Set exposes the engine's schema.
func (e *Engine) Set() *FeatureSet { return e.set }

// Materialise computes the full N×K matrix for a series. The first Warmup
// rows carry NaN for features with longer lookback. Input must be strictly
// ascending with finite fields.
func (e *Engine) Materialise(bars []domain.Bar) (*Matrix, error) {
	if len(bars) == 0 {
		return nil, domain.ErrInsufficientHistory
	}
	if err := domain.ValidateSeries(bars); err != nil {
		return nil, fmt.Errorf("rejecting input series: %w", err)
	}

	n := len(bars)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]float64, n)
	timestamps := make([]time.Time, n)
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
		volumes[i] = b.Volume
		timestamps[i] = b.Timestamp
	}

	cols := make(map[string][]float64, e.set.Size())

	cols["ret_1"] = periodReturn(closes, 1)
	cols["ret_3"] = periodReturn(closes, 3)
	cols["ret_5"] = periodReturn(closes, 5)
	cols["ret_10"] = periodReturn(closes, 10)
	cols["ret_20"] = periodReturn(closes, 20)

	cols["vol_5"] = realisedVol(closes, 5)
	cols["vol_10"] = realisedVol(closes, 10)
	cols["vol_20"] = realisedVol(closes, 20)

	sma5 := sma(closes, 5)
	sma10 := sma(closes, 10)
	sma20 := sma(closes, 20)
	sma50 := sma(closes, 50)
	cols["sma_5"] = sma5
	cols["sma_10"] = sma10
	cols["sma_20"] = sma20
	cols["sma_50"] = sma50

	ema50 := ema(closes, 50)
	cols["ema_5"] = ema(closes, 5)
	cols["ema_10"] = ema(closes, 10)
	cols["ema_20"] = ema(closes, 20)
	cols["ema_50"] = ema50

	line, signal, hist := macd(closes, 12, 26, 9)
	cols["macd_line"] = line
	cols["macd_signal"] = signal
	cols["macd_hist"] = hist

	cols["rsi_7"] = rsi(closes, 7)
	cols["rsi_14"] = rsi(closes, 14)
	cols["rsi_21"] = rsi(closes, 21)

	mid, upper, lower, width, position := bollinger(closes, 20, 2.0)
	cols["bb_mid"] = mid
	cols["bb_upper"] = upper
	cols["bb_lower"] = lower
	cols["bb_width"] = width
	cols["bb_position"] = position

	cols["atr_14"] = atr(highs, lows, closes, 14)
	cols["adx_14"] = adx(highs, lows, closes, 14)

	k, d := stochastic(highs, lows, closes, 14, 3)
	cols["stoch_k"] = k
	cols["stoch_d"] = d

	cols["williams_r_14"] = williamsR(highs, lows, closes, 14)
	cols["cci_20"] = cci(highs, lows, closes, 20)
	cols["roc_10"] = scale(periodReturn(closes, 10), 100)

	obvSeries := obv(closes, volumes)
	cols["obv"] = obvSeries
	cols["obv_z_20"] = zscore(obvSeries, 20)

	conv, base, leadA, leadB, lagging := ichimoku(highs, lows, closes)
	cols["ichimoku_conversion"] = conv
	cols["ichimoku_base"] = base
	cols["ichimoku_leading_a"] = leadA
	cols["ichimoku_leading_b"] = leadB
	cols["ichimoku_lagging"] = lagging

	cols["sma_ratio_5_20"] = ratio(sma5, sma20)
	cols["sma_ratio_10_50"] = ratio(sma10, sma50)
	cols["sma_ratio_20_50"] = ratio(sma20, sma50)
	cols["price_sma20_ratio"] = ratio(closes, sma20)
	cols["price_ema50_ratio"] = ratio(closes, ema50)

	cols["range_position_20"] = rangePosition(highs, lows, closes, 20)
	cols["volume_z_20"] = zscore(volumes, 20)

	columns := make([][]float64, e.set.Size())
	for i, name := range e.set.Names {
		col, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("%w: feature %s not computed", domain.ErrSchemaMismatch, name)
		}
		columns[i] = col
	}

	return &Matrix{Set: e.set, Timestamps: timestamps, Columns: columns}, nil
}

// LatestRow computes the single dense feature row at the end of the series.
// The series must cover at least the warmup depth.
func (e *Engine) LatestRow(bars []domain.Bar) (Row, error) {
	if len(bars) < e.set.Warmup() {
		return Row{}, fmt.Errorf("%w: have %d bars, warmup is %d",
			domain.ErrInsufficientHistory, len(bars), e.set.Warmup())
	}
	matrix, err := e.Materialise(bars)
	if err != nil {
		return Row{}, err
	}
	return matrix.Row(matrix.Len() - 1), nil
}
