// Package pipeline orchestrates a signal request end to end: history fetch,
// feature materialisation, per-predictor fan-out, per-timeframe fusion,
// multi-timeframe consensus and level derivation. The Core handle is built
// once at startup and threaded explicitly.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elitesignals/elite/internal/broker"
	"github.com/elitesignals/elite/internal/config"
	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/ensemble"
	"github.com/elitesignals/elite/internal/features"
	"github.com/elitesignals/elite/internal/marketdata"
	"github.com/elitesignals/elite/internal/models"
	"github.com/elitesignals/elite/internal/persistence"
	"github.com/elitesignals/elite/internal/registry"
	"github.com/elitesignals/elite/internal/tracker"
)

// Core wires the signal pipeline's components together.
type Core struct {
	cfg      *config.Config
	market   *marketdata.Service
	engine   *features.Engine
	registry *registry.Registry
	tracker  *tracker.Tracker
	combiner *ensemble.Combiner
	mirror   *persistence.Mirror
	now      func() time.Time
}

// New assembles a core. For the stacking ensemble method an active stacker
// model must already be registered.
func New(cfg *config.Config, market *marketdata.Service, reg *registry.Registry,
	trk *tracker.Tracker, mirror *persistence.Mirror) (*Core, error) {

	engine, err := features.NewEngine(cfg.FeatureSetVersion)
	if err != nil {
		return nil, err
	}

	var stacker *models.Stacker
	if ensemble.Method(cfg.EnsembleMethod) == ensemble.Stacking {
		stacker = findActiveStacker(reg)
		if stacker == nil {
			return nil, fmt.Errorf("ensemble method stacking configured but no active stacker registered")
		}
	}
	combiner, err := ensemble.NewCombiner(ensemble.Method(cfg.EnsembleMethod), stacker)
	if err != nil {
		return nil, err
	}

	return &Core{
		cfg:      cfg,
		market:   market,
		engine:   engine,
		registry: reg,
		tracker:  trk,
		combiner: combiner,
		mirror:   mirror,
		now:      time.Now,
	}, nil
}

func findActiveStacker(reg *registry.Registry) *models.Stacker {
	for _, id := range reg.ListActive() {
		p, _, err := reg.Get(id)
		if err != nil {
			continue
		}
		if s, ok := p.(*models.Stacker); ok {
			return s
		}
	}
	return nil
}

// Registry exposes the model registry handle.
func (c *Core) Registry() *registry.Registry { return c.registry }

// Tracker exposes the performance tracker handle.
func (c *Core) Tracker() *tracker.Tracker { return c.tracker }

// Config exposes the runtime configuration.
func (c *Core) Config() *config.Config { return c.cfg }

// modelProb carries one predictor's outcome through the fan-out.
type modelProb struct {
	id  string
	p   float64
	err error
}

// Signal runs the full pipeline for one ticker. Model failures degrade the
// ensemble and land in the signal's diagnostics; input and history failures
// abort before any state is written.
func (c *Core) Signal(ctx context.Context, ticker string) (domain.Signal, error) {
	if ticker == "" {
		return domain.Signal{}, fmt.Errorf("%w: empty ticker", domain.ErrInvalidSymbol)
	}

	componentIDs := c.componentModels()
	if len(componentIDs) == 0 {
		return domain.Signal{}, domain.ErrNoActivePredictors
	}

	bars, err := c.fetchHistory(ctx, ticker)
	if err != nil {
		return domain.Signal{}, err
	}
	warmup := c.engine.Set().Warmup()
	if len(bars) < warmup {
		return domain.Signal{}, fmt.Errorf("%w: %s has %d bars, warmup is %d",
			domain.ErrInsufficientHistory, ticker, len(bars), warmup)
	}

	weights := c.tracker.Weights(componentIDs)

	var (
		results     []ensemble.TimeframeResult
		diagnostics []string
		primary     ensemble.Fused
		primarySet  bool
		asOf        time.Time
		refPrice    float64
		refATR      float64
	)

	for i, tfName := range c.cfg.Timeframes {
		tf, err := features.ParseTimeframe(tfName)
		if err != nil {
			return domain.Signal{}, fmt.Errorf("invalid configuration: %w", err)
		}
		resampled, err := features.Resample(bars, tf)
		if err != nil {
			return domain.Signal{}, err
		}
		if len(resampled) < warmup {
			if i == 0 {
				return domain.Signal{}, fmt.Errorf("%w: %s timeframe %s has %d bars, warmup is %d",
					domain.ErrInsufficientHistory, ticker, tfName, len(resampled), warmup)
			}
			diagnostics = append(diagnostics,
				fmt.Sprintf("timeframe %s skipped: %d bars below warmup %d", tfName, len(resampled), warmup))
			continue
		}

		matrix, err := c.engine.Materialise(resampled)
		if err != nil {
			return domain.Signal{}, err
		}

		probs, tfDiags := c.fanOut(ctx, componentIDs, matrix)
		diagnostics = append(diagnostics, tfDiags...)

		fused, err := c.combiner.Fuse(probs, weights)
		if err != nil {
			if i == 0 {
				return domain.Signal{}, err
			}
			diagnostics = append(diagnostics, fmt.Sprintf("timeframe %s fusion failed: %v", tfName, err))
			continue
		}

		results = append(results, ensemble.TimeframeResult{
			Timeframe:   tfName,
			Probability: fused.Probability,
			Confidence:  fused.Confidence,
		})

		if i == 0 {
			primary = fused
			primarySet = true
			last := matrix.Len() - 1
			asOf = matrix.Timestamps[last]
			refPrice = resampled[last].Close
			if v, ok := matrix.Row(last).Get("atr_14"); ok && !math.IsNaN(v) {
				refATR = v
			}
		}
	}
	if !primarySet {
		return domain.Signal{}, domain.ErrNoActivePredictors
	}

	consensus, err := ensemble.Consolidate(results, c.cfg.TimeframeWeights)
	if err != nil {
		return domain.Signal{}, err
	}

	label := ensemble.MapLabel(consensus.Probability, consensus.Confidence, c.cfg.LabelThresholds)
	if label != domain.Hold && consensus.Confidence < c.cfg.MinConfidence {
		diagnostics = append(diagnostics, fmt.Sprintf(
			"confidence %.3f below minimum %.3f, demoted %s to HOLD",
			consensus.Confidence, c.cfg.MinConfidence, label))
		label = domain.Hold
	}

	levels, err := ensemble.ComputeLevels(label, refPrice, refATR, ensemble.LevelStyle(c.cfg.LevelStyle))
	if err != nil {
		return domain.Signal{}, err
	}

	signal := domain.Signal{
		Ticker:         ticker,
		AsOf:           asOf,
		Label:          label,
		Probability:    consensus.Probability,
		Confidence:     consensus.Confidence,
		Entry:          levels.Entry,
		StopLoss:       levels.StopLoss,
		Target1:        levels.Target1,
		Target2:        levels.Target2,
		ModelOutputs:   primary.Inputs,
		EnsembleMethod: c.cfg.EnsembleMethod,
		Weights:        primary.Weights,
		Status:         domain.SignalPending,
		Diagnostics:    diagnostics,
	}

	c.record(ctx, signal, primary)
	return signal, nil
}

// RecentSignals returns the signal history for a ticker, newest first. The
// Postgres mirror serves the full history when configured; without it only
// the most recent in-process signal is available.
func (c *Core) RecentSignals(ctx context.Context, ticker string, limit int) ([]domain.Signal, error) {
	if ticker == "" {
		return nil, fmt.Errorf("%w: empty ticker", domain.ErrInvalidSymbol)
	}
	if limit <= 0 {
		limit = 20
	}
	sigs, err := c.mirror.RecentSignals(ctx, ticker, limit)
	if err != nil {
		log.Warn().Str("ticker", ticker).Err(err).Msg("mirror history read failed, falling back")
	} else if len(sigs) > 0 {
		return sigs, nil
	}
	sig, err := c.tracker.LatestSignal(ticker)
	if err != nil {
		return nil, err
	}
	return []domain.Signal{sig}, nil
}

// fetchHistory pulls enough daily bars to warm up the slowest configured
// timeframe.
func (c *Core) fetchHistory(ctx context.Context, ticker string) ([]domain.Bar, error) {
	warmup := c.engine.Set().Warmup()
	lookbackDays := warmup + c.cfg.LabelHorizonBars + 10
	for _, tfName := range c.cfg.Timeframes {
		if tfName == string(features.Timeframe1w) {
			weekly := (warmup + c.cfg.LabelHorizonBars + 2) * 7
			if weekly > lookbackDays {
				lookbackDays = weekly
			}
		}
	}
	end := c.now().UTC()
	// Calendar padding for weekends and exchange holidays.
	start := end.AddDate(0, 0, -lookbackDays*3/2)
	return c.market.History(ctx, ticker, start, end, broker.Bar1Day)
}

// componentModels lists active models that act as ensemble components.
// Stackers fuse other components and are excluded from the fan-out.
func (c *Core) componentModels() []string {
	var ids []string
	for _, id := range c.registry.ListActive() {
		p, _, err := c.registry.Get(id)
		if err != nil {
			continue
		}
		if _, isStacker := p.(*models.Stacker); isStacker {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// fanOut runs every component predictor in parallel against the latest row
// (or trailing window for sequence models). Failures become diagnostics and
// the model is excluded from this call.
func (c *Core) fanOut(ctx context.Context, componentIDs []string, matrix *features.Matrix) ([]ensemble.ModelProb, []string) {
	out := make(chan modelProb, len(componentIDs))
	var wg sync.WaitGroup

	for _, id := range componentIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p, err := c.predictOne(ctx, id, matrix)
			out <- modelProb{id: id, p: p, err: err}
		}(id)
	}
	wg.Wait()
	close(out)

	var probs []ensemble.ModelProb
	var diagnostics []string
	for mp := range out {
		if mp.err != nil {
			diagnostics = append(diagnostics, fmt.Sprintf("PredictionFailed(model_id=%s): %v", mp.id, mp.err))
			log.Warn().Str("model_id", mp.id).Err(mp.err).Msg("predictor excluded from ensemble call")
			continue
		}
		probs = append(probs, ensemble.ModelProb{ModelID: mp.id, P: mp.p})
	}
	sort.Slice(probs, func(i, j int) bool { return probs[i].ModelID < probs[j].ModelID })
	sort.Strings(diagnostics)
	return probs, diagnostics
}

func (c *Core) predictOne(ctx context.Context, id string, matrix *features.Matrix) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	predictor, _, err := c.registry.Get(id)
	if err != nil {
		return 0, err
	}

	last := matrix.Len() - 1
	if wp, ok := predictor.(models.WindowPredictor); ok {
		size := wp.WindowSize()
		startRow := last - size + 1
		if startRow < 0 {
			startRow = 0
		}
		rows := make([]features.Row, 0, last-startRow+1)
		for i := startRow; i <= last; i++ {
			rows = append(rows, matrix.Row(i))
		}
		return wp.PredictWindow(rows)
	}
	return predictor.Predict(matrix.Row(last))
}

// record persists the signal and its component predictions. Tracker failures
// are logged but do not fail the already-computed signal; mirror writes are
// best-effort.
func (c *Core) record(ctx context.Context, signal domain.Signal, primary ensemble.Fused) {
	for id, p := range primary.Inputs {
		_, meta, err := c.registry.Get(id)
		if err != nil {
			continue
		}
		pred := domain.Prediction{
			ModelID:        id,
			Ticker:         signal.Ticker,
			AsOf:           signal.AsOf,
			ProbabilityUp:  p,
			ModelVersion:   meta.Version,
			FeatureVersion: meta.FeatureSetVersion,
		}
		if err := c.tracker.RecordPrediction(pred); err != nil {
			log.Warn().Str("model_id", id).Err(err).Msg("failed to record prediction")
		}
	}
	if err := c.tracker.RecordSignal(signal); err != nil {
		log.Warn().Str("ticker", signal.Ticker).Err(err).Msg("failed to record signal")
	}
	if err := c.mirror.SaveSignal(ctx, signal); err != nil {
		log.Warn().Str("ticker", signal.Ticker).Err(err).Msg("failed to mirror signal")
	}
}
