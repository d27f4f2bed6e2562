package ensemble

import (
	"fmt"

	"github.com/elitesignals/elite/internal/config"
	"github.com/elitesignals/elite/internal/domain"
)

// LevelStyle selects the ATR multipliers for stop and targets.
type LevelStyle string

const (
	StyleIntraday LevelStyle = "intraday"
	StyleSwing    LevelStyle = "swing"
	StylePosition LevelStyle = "position"
)

// levelConstants are the per-style (k_sl, k_t1, k_t2) multipliers.
type levelConstants struct {
	kSL, kT1, kT2 float64
}

var styleConstants = map[LevelStyle]levelConstants{
	StyleIntraday: {kSL: 1.0, kT1: 1.5, kT2: 2.5},
	StyleSwing:    {kSL: 1.5, kT1: 2.0, kT2: 3.5},
	StylePosition: {kSL: 2.0, kT1: 3.0, kT2: 5.0},
}

// Levels holds entry, stop and targets for a signal.
type Levels struct {
	Entry    float64 `json:"entry"`
	StopLoss float64 `json:"stop_loss"`
	Target1  float64 `json:"target_1"`
	Target2  float64 `json:"target_2"`
}

// ComputeLevels derives trading levels from a reference price and recent ATR.
// Buy side: stop below entry, targets above; mirrored for the sell side.
// HOLD signals carry entry-only levels.
func ComputeLevels(label domain.SignalLabel, price, atr float64, style LevelStyle) (Levels, error) {
	if price <= 0 {
		return Levels{}, fmt.Errorf("%w: non-positive reference price %.4f", domain.ErrInvalidLevels, price)
	}
	if atr < 0 {
		return Levels{}, fmt.Errorf("%w: negative ATR %.4f", domain.ErrInvalidLevels, atr)
	}
	consts, ok := styleConstants[style]
	if !ok {
		return Levels{}, fmt.Errorf("%w: unknown level style %q", domain.ErrInvalidLevels, style)
	}

	switch label {
	case domain.Buy, domain.StrongBuy:
		lv := Levels{
			Entry:    price,
			StopLoss: price - consts.kSL*atr,
			Target1:  price + consts.kT1*atr,
			Target2:  price + consts.kT2*atr,
		}
		if !(lv.StopLoss < lv.Entry && lv.Entry < lv.Target1 && lv.Target1 <= lv.Target2) {
			return Levels{}, fmt.Errorf("%w: buy levels out of order (sl=%.4f entry=%.4f t1=%.4f t2=%.4f)",
				domain.ErrInvalidLevels, lv.StopLoss, lv.Entry, lv.Target1, lv.Target2)
		}
		return lv, nil
	case domain.Sell, domain.StrongSell:
		lv := Levels{
			Entry:    price,
			StopLoss: price + consts.kSL*atr,
			Target1:  price - consts.kT1*atr,
			Target2:  price - consts.kT2*atr,
		}
		if !(lv.StopLoss > lv.Entry && lv.Entry > lv.Target1 && lv.Target1 >= lv.Target2) {
			return Levels{}, fmt.Errorf("%w: sell levels out of order (sl=%.4f entry=%.4f t1=%.4f t2=%.4f)",
				domain.ErrInvalidLevels, lv.StopLoss, lv.Entry, lv.Target1, lv.Target2)
		}
		return lv, nil
	default:
		// HOLD: no directional targets, entry recorded for reference.
		return Levels{Entry: price}, nil
	}
}

// MapLabel converts final probability and confidence into the discrete
// decision using the configured thresholds.
func MapLabel(p, confidence float64, th config.LabelThresholds) domain.SignalLabel {
	switch {
	case p >= th.StrongBuyProb && confidence >= th.StrongConf:
		return domain.StrongBuy
	case p >= th.BuyProb:
		return domain.Buy
	case p <= th.StrongSellProb && confidence >= th.StrongConf:
		return domain.StrongSell
	case p <= th.SellProb:
		return domain.Sell
	default:
		return domain.Hold
	}
}
