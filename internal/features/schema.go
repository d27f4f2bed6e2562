package features

import "fmt"

// FeatureSet is a versioned, ordered feature schema. The order of Names is
// part of the version contract: matrices are laid out column-major in this
// order and models bind to a specific version at training time.
type FeatureSet struct {
	Version string
	Names   []string
	warmup  int
	index   map[string]int
}

// Warmup is the number of leading bars whose rows carry missing markers.
func (fs *FeatureSet) Warmup() int { return fs.warmup }

// Index returns the column index of a feature name.
func (fs *FeatureSet) Index(name string) (int, bool) {
	i, ok := fs.index[name]
	return i, ok
}

// Size is the number of features (columns) in the set.
func (fs *FeatureSet) Size() int { return len(fs.Names) }

func newFeatureSet(version string, warmup int, names []string) *FeatureSet {
	idx := make(map[string]int, len(names))
	for i, n := range names {
		idx[n] = i
	}
	return &FeatureSet{Version: version, Names: names, warmup: warmup, index: idx}
}

// v1Names is the canonical v1 feature order. Changing any definition or the
// order requires a new version tag.
var v1Names = []string{
	"ret_1", "ret_3", "ret_5", "ret_10", "ret_20",
	"vol_5", "vol_10", "vol_20",
	"sma_5", "sma_10", "sma_20", "sma_50",
	"ema_5", "ema_10", "ema_20", "ema_50",
	"macd_line", "macd_signal", "macd_hist",
	"rsi_7", "rsi_14", "rsi_21",
	"bb_mid", "bb_upper", "bb_lower", "bb_width", "bb_position",
	"atr_14",
	"adx_14",
	"stoch_k", "stoch_d",
	"williams_r_14",
	"cci_20",
	"roc_10",
	"obv", "obv_z_20",
	"ichimoku_conversion", "ichimoku_base", "ichimoku_leading_a", "ichimoku_leading_b", "ichimoku_lagging",
	"sma_ratio_5_20", "sma_ratio_10_50", "sma_ratio_20_50",
	"price_sma20_ratio", "price_ema50_ratio",
	"range_position_20",
	"volume_z_20",
}

// v1Warmup covers the deepest lookback in the v1 set (ichimoku leading B at
// 52, sma_50, macd signal ramp-in).
const v1Warmup = 60

// FeatureSetV1 returns the v1 schema.
func FeatureSetV1() *FeatureSet {
	return newFeatureSet("v1", v1Warmup, v1Names)
}

// ForVersion resolves a feature-set version tag.
func ForVersion(version string) (*FeatureSet, error) {
	switch version {
	case "v1":
		return FeatureSetV1(), nil
	default:
		return nil, fmt.Errorf("unknown feature set version %q", version)
	}
}
