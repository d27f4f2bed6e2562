package features

import "math"

// Indicator helpers compute full series aligned to the input bars. Positions
// without enough lookback hold NaN, the missing marker.

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// periodReturn computes close[t]/close[t-period] - 1.
func periodReturn(closes []float64, period int) []float64 {
	out := nanSlice(len(closes))
	for i := period; i < len(closes); i++ {
		if closes[i-period] != 0 {
			out[i] = closes[i]/closes[i-period] - 1
		}
	}
	return out
}

// realisedVol is the sample standard deviation of 1-period log returns over
// a trailing window.
func realisedVol(closes []float64, window int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	rets := nanSlice(n)
	for i := 1; i < n; i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			rets[i] = math.Log(closes[i] / closes[i-1])
		}
	}
	for i := window; i < n; i++ {
		sum, count := 0.0, 0
		for j := i - window + 1; j <= i; j++ {
			if !math.IsNaN(rets[j]) {
				sum += rets[j]
				count++
			}
		}
		if count < 2 {
			continue
		}
		mean := sum / float64(count)
		ss := 0.0
		for j := i - window + 1; j <= i; j++ {
			if !math.IsNaN(rets[j]) {
				d := rets[j] - mean
				ss += d * d
			}
		}
		out[i] = math.Sqrt(ss / float64(count-1))
	}
	return out
}

func sma(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// ema seeds with the SMA of the first period values (the conventional form).
func ema(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if len(values) < period {
		return out
	}
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)
	out[period-1] = seed
	k := 2.0 / (float64(period) + 1.0)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// macd returns line, signal and histogram for the 12-26-9 parameterisation.
func macd(closes []float64, fast, slow, signalPeriod int) (line, signal, hist []float64) {
	n := len(closes)
	line = nanSlice(n)
	signal = nanSlice(n)
	hist = nanSlice(n)

	emaFast := ema(closes, fast)
	emaSlow := ema(closes, slow)
	for i := 0; i < n; i++ {
		if !math.IsNaN(emaFast[i]) && !math.IsNaN(emaSlow[i]) {
			line[i] = emaFast[i] - emaSlow[i]
		}
	}

	// Signal is an EMA over the defined stretch of the line.
	start := slow - 1
	if start >= n {
		return line, signal, hist
	}
	defined := line[start:]
	sig := ema(defined, signalPeriod)
	for i, v := range sig {
		signal[start+i] = v
	}
	for i := 0; i < n; i++ {
		if !math.IsNaN(line[i]) && !math.IsNaN(signal[i]) {
			hist[i] = line[i] - signal[i]
		}
	}
	return line, signal, hist
}

// rsi uses Wilder's smoothing.
func rsi(closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	if n <= period {
		return out
	}
	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)
	for i := period + 1; i < n; i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// bollinger returns mid, upper, lower, width and position for the standard
// (period, k) bands.
func bollinger(closes []float64, period int, k float64) (mid, upper, lower, width, position []float64) {
	n := len(closes)
	mid = sma(closes, period)
	upper = nanSlice(n)
	lower = nanSlice(n)
	width = nanSlice(n)
	position = nanSlice(n)
	for i := period - 1; i < n; i++ {
		m := mid[i]
		ss := 0.0
		for j := i - period + 1; j <= i; j++ {
			d := closes[j] - m
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(period))
		upper[i] = m + k*sd
		lower[i] = m - k*sd
		if m != 0 {
			width[i] = (upper[i] - lower[i]) / m
		}
		if span := upper[i] - lower[i]; span > 0 {
			position[i] = (closes[i] - lower[i]) / span
		} else {
			position[i] = 0.5
		}
	}
	return mid, upper, lower, width, position
}

func trueRange(highs, lows, closes []float64) []float64 {
	n := len(closes)
	tr := nanSlice(n)
	for i := 1; i < n; i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return tr
}

// atr is Wilder-smoothed true range.
func atr(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	if n <= period {
		return out
	}
	tr := trueRange(highs, lows, closes)
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	out[period] = sum / float64(period)
	for i := period + 1; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return out
}

// adx computes Wilder's average directional index.
func adx(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	if n <= 2*period {
		return out
	}
	tr := trueRange(highs, lows, closes)
	plusDM := nanSlice(n)
	minusDM := nanSlice(n)
	for i := 1; i < n; i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		plusDM[i], minusDM[i] = 0, 0
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Wilder smoothing of TR and DMs.
	smTR, smPlus, smMinus := 0.0, 0.0, 0.0
	for i := 1; i <= period; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}
	dx := nanSlice(n)
	for i := period; i < n; i++ {
		if i > period {
			smTR = smTR - smTR/float64(period) + tr[i]
			smPlus = smPlus - smPlus/float64(period) + plusDM[i]
			smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		}
		if smTR == 0 {
			continue
		}
		pdi := 100 * smPlus / smTR
		mdi := 100 * smMinus / smTR
		if pdi+mdi == 0 {
			dx[i] = 0
			continue
		}
		dx[i] = 100 * math.Abs(pdi-mdi) / (pdi + mdi)
	}

	// ADX is the Wilder average of DX.
	sum := 0.0
	for i := period; i < 2*period; i++ {
		sum += dx[i]
	}
	out[2*period-1] = sum / float64(period)
	for i := 2 * period; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + dx[i]) / float64(period)
	}
	return out
}

// stochastic returns %K (fast, over kPeriod) and %D (SMA of %K over dPeriod).
func stochastic(highs, lows, closes []float64, kPeriod, dPeriod int) (k, d []float64) {
	n := len(closes)
	k = nanSlice(n)
	for i := kPeriod - 1; i < n; i++ {
		hh, ll := highs[i], lows[i]
		for j := i - kPeriod + 1; j <= i; j++ {
			hh = math.Max(hh, highs[j])
			ll = math.Min(ll, lows[j])
		}
		if hh > ll {
			k[i] = 100 * (closes[i] - ll) / (hh - ll)
		} else {
			k[i] = 50
		}
	}
	d = nanSlice(n)
	for i := kPeriod + dPeriod - 2; i < n; i++ {
		sum := 0.0
		for j := i - dPeriod + 1; j <= i; j++ {
			sum += k[j]
		}
		d[i] = sum / float64(dPeriod)
	}
	return k, d
}

func williamsR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	for i := period - 1; i < n; i++ {
		hh, ll := highs[i], lows[i]
		for j := i - period + 1; j <= i; j++ {
			hh = math.Max(hh, highs[j])
			ll = math.Min(ll, lows[j])
		}
		if hh > ll {
			out[i] = -100 * (hh - closes[i]) / (hh - ll)
		} else {
			out[i] = -50
		}
	}
	return out
}

func cci(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	tp := make([]float64, n)
	for i := 0; i < n; i++ {
		tp[i] = (highs[i] + lows[i] + closes[i]) / 3
	}
	tpSMA := sma(tp, period)
	for i := period - 1; i < n; i++ {
		dev := 0.0
		for j := i - period + 1; j <= i; j++ {
			dev += math.Abs(tp[j] - tpSMA[i])
		}
		dev /= float64(period)
		if dev == 0 {
			out[i] = 0
			continue
		}
		out[i] = (tp[i] - tpSMA[i]) / (0.015 * dev)
	}
	return out
}

// obv is the cumulative on-balance volume.
func obv(closes, volumes []float64) []float64 {
	n := len(closes)
	out := make([]float64, n)
	for i := 1; i < n; i++ {
		switch {
		case closes[i] > closes[i-1]:
			out[i] = out[i-1] + volumes[i]
		case closes[i] < closes[i-1]:
			out[i] = out[i-1] - volumes[i]
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// zscore computes the trailing-window z-score of a series.
func zscore(values []float64, window int) []float64 {
	n := len(values)
	out := nanSlice(n)
	for i := window - 1; i < n; i++ {
		sum := 0.0
		for j := i - window + 1; j <= i; j++ {
			sum += values[j]
		}
		mean := sum / float64(window)
		ss := 0.0
		for j := i - window + 1; j <= i; j++ {
			d := values[j] - mean
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(window))
		if sd == 0 {
			out[i] = 0
			continue
		}
		out[i] = (values[i] - mean) / sd
	}
	return out
}

// midpoint of the highest high and lowest low over a trailing window; the
// building block of the Ichimoku lines.
func donchianMid(highs, lows []float64, period int) []float64 {
	n := len(highs)
	out := nanSlice(n)
	for i := period - 1; i < n; i++ {
		hh, ll := highs[i], lows[i]
		for j := i - period + 1; j <= i; j++ {
			hh = math.Max(hh, highs[j])
			ll = math.Min(ll, lows[j])
		}
		out[i] = (hh + ll) / 2
	}
	return out
}

// ichimoku computes conversion (9), base (26), leading spans A/B and a
// no-lookahead lagging ratio close[t]/close[t-26] - 1. Leading spans are the
// values computed from bars <= t, not plotted forward.
func ichimoku(highs, lows, closes []float64) (conv, base, leadA, leadB, lagging []float64) {
	n := len(closes)
	conv = donchianMid(highs, lows, 9)
	base = donchianMid(highs, lows, 26)
	leadA = nanSlice(n)
	leadB = donchianMid(highs, lows, 52)
	lagging = nanSlice(n)
	for i := 0; i < n; i++ {
		if !math.IsNaN(conv[i]) && !math.IsNaN(base[i]) {
			leadA[i] = (conv[i] + base[i]) / 2
		}
		if i >= 26 && closes[i-26] != 0 {
			lagging[i] = closes[i]/closes[i-26] - 1
		}
	}
	return conv, base, leadA, leadB, lagging
}

// ratio divides two aligned series, NaN-propagating.
func ratio(a, b []float64) []float64 {
	out := nanSlice(len(a))
	for i := range a {
		if !math.IsNaN(a[i]) && !math.IsNaN(b[i]) && b[i] != 0 {
			out[i] = a[i] / b[i]
		}
	}
	return out
}

// scale multiplies a series by a constant, NaN-propagating.
func scale(values []float64, factor float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v * factor
	}
	return out
}

// rangePosition is the close's position within the trailing high-low range.
func rangePosition(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	for i := period - 1; i < n; i++ {
		hh, ll := highs[i], lows[i]
		for j := i - period + 1; j <= i; j++ {
			hh = math.Max(hh, highs[j])
			ll = math.Min(ll, lows[j])
		}
		if hh > ll {
			out[i] = (closes[i] - ll) / (hh - ll)
		} else {
			out[i] = 0.5
		}
	}
	return out
}
