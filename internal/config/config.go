package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for the signal core.
type Config struct {
	DataDir           string             `yaml:"data_dir"`
	FeatureSetVersion string             `yaml:"feature_set_version"`
	Timeframes        []string           `yaml:"timeframes"`
	TimeframeWeights  map[string]float64 `yaml:"timeframe_weights"`
	EnsembleMethod    string             `yaml:"ensemble_method"`
	LabelThresholds   LabelThresholds    `yaml:"label_thresholds"`
	LevelStyle        string             `yaml:"level_style"`
	LabelHorizonBars  int                `yaml:"label_horizon_bars"`
	MinConfidence     float64            `yaml:"min_confidence"`

	Cache   CacheConfig   `yaml:"cache"`
	Tracker TrackerConfig `yaml:"tracker"`
	Orders  OrdersConfig  `yaml:"orders"`

	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SessionEndTime   string        `yaml:"session_end_time"`
	SnapshotHorizon  time.Duration `yaml:"snapshot_horizon"`

	HTTP  HTTPConfig  `yaml:"http"`
	Redis RedisConfig `yaml:"redis"`
	DB    DBConfig    `yaml:"db"`
}

// LabelThresholds override the default probability/confidence cutoffs.
type LabelThresholds struct {
	StrongBuyProb  float64 `yaml:"strong_buy_prob"`
	BuyProb        float64 `yaml:"buy_prob"`
	SellProb       float64 `yaml:"sell_prob"`
	StrongSellProb float64 `yaml:"strong_sell_prob"`
	StrongConf     float64 `yaml:"strong_conf"`
}

// CacheConfig sizes the market-data cache.
type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
}

// TrackerConfig controls performance-tracker windows.
type TrackerConfig struct {
	WindowDays      int `yaml:"window_days"`
	MinObservations int `yaml:"min_observations"`
}

// OrdersConfig holds router risk caps and paper-fill parameters.
type OrdersConfig struct {
	PaperSlippageBps float64 `yaml:"paper_slippage_bps"`
	MaxOrderQuantity float64 `yaml:"max_order_quantity"`
	MaxPositionValue float64 `yaml:"max_position_value"`
	StartingCash     float64 `yaml:"starting_cash"`
}

// HTTPConfig holds server bind settings.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RedisConfig enables the optional warm quote tier when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// DBConfig enables the optional Postgres mirror when DSN is set.
type DBConfig struct {
	DSN     string        `yaml:"dsn"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:           "data",
		FeatureSetVersion: "v1",
		Timeframes:        []string{"1d", "1w"},
		TimeframeWeights:  map[string]float64{"1d": 0.7, "1w": 0.3},
		EnsembleMethod:    "weighted_average",
		LabelThresholds: LabelThresholds{
			StrongBuyProb:  0.70,
			BuyProb:        0.55,
			SellProb:       0.45,
			StrongSellProb: 0.30,
			StrongConf:     0.60,
		},
		LevelStyle:       "swing",
		LabelHorizonBars: 5,
		MinConfidence:    0.55,
		Cache: CacheConfig{
			TTL:      15 * time.Second,
			Capacity: 4096,
		},
		Tracker: TrackerConfig{
			WindowDays:      30,
			MinObservations: 20,
		},
		Orders: OrdersConfig{
			PaperSlippageBps: 5,
			MaxOrderQuantity: 10000,
			MaxPositionValue: 5_000_000,
			StartingCash:     1_000_000,
		},
		SnapshotInterval: 5 * time.Minute,
		SessionEndTime:   "15:30",
		SnapshotHorizon:  90 * 24 * time.Hour,
		HTTP: HTTPConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Redis: RedisConfig{TTL: 15 * time.Second},
		DB:    DBConfig{Timeout: 5 * time.Second},
	}
}

// Load reads a YAML config file, applies it over the defaults and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

const weightSumTolerance = 1e-9

// Validate enforces the configuration invariants.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.FeatureSetVersion == "" {
		return fmt.Errorf("feature_set_version must be set")
	}
	if len(c.Timeframes) == 0 {
		return fmt.Errorf("at least one timeframe required")
	}

	sum := 0.0
	for _, tf := range c.Timeframes {
		w, ok := c.TimeframeWeights[tf]
		if !ok {
			return fmt.Errorf("timeframe %s has no weight", tf)
		}
		if w < 0 {
			return fmt.Errorf("timeframe %s weight %.4f is negative", tf, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("timeframe weights sum to %.9f, expected 1.0", sum)
	}

	switch c.EnsembleMethod {
	case "weighted_average", "majority_vote", "stacking":
	default:
		return fmt.Errorf("unknown ensemble_method %q", c.EnsembleMethod)
	}

	switch c.LevelStyle {
	case "intraday", "swing", "position":
	default:
		return fmt.Errorf("unknown level_style %q", c.LevelStyle)
	}

	if c.LabelHorizonBars <= 0 {
		return fmt.Errorf("label_horizon_bars must be positive, got %d", c.LabelHorizonBars)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence %.4f outside [0,1]", c.MinConfidence)
	}
	if c.Cache.TTL <= 0 || c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache ttl and capacity must be positive")
	}
	if c.Tracker.WindowDays <= 0 || c.Tracker.MinObservations <= 0 {
		return fmt.Errorf("tracker window_days and min_observations must be positive")
	}
	if c.Orders.MaxOrderQuantity <= 0 || c.Orders.MaxPositionValue <= 0 {
		return fmt.Errorf("order risk caps must be positive")
	}
	if c.Orders.PaperSlippageBps < 0 {
		return fmt.Errorf("paper_slippage_bps must be non-negative")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot_interval must be positive")
	}
	if _, err := time.Parse("15:04", c.SessionEndTime); err != nil {
		return fmt.Errorf("session_end_time %q not HH:MM: %w", c.SessionEndTime, err)
	}
	return nil
}
