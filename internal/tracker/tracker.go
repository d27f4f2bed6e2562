// Package tracker records predictions, matches them against realised
// outcomes, derives per-model rolling metrics and feeds weights back to the
// ensemble.
package tracker

import (
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elitesignals/elite/internal/domain"
)

// Config sizes the rolling evaluation window.
type Config struct {
	WindowDays      int
	MinObservations int
}

// Metrics are a model's rolling performance numbers. Accuracy is measured
// over every realised outcome (a flat outcome scores against a directional
// call); win rate only over non-flat outcomes.
type Metrics struct {
	Accuracy     float64 `json:"accuracy"`
	WinRate      float64 `json:"win_rate"`
	PseudoSharpe float64 `json:"pseudo_sharpe"`
	Count        int     `json:"count"`
	Insufficient bool    `json:"insufficient"`
}

// Tracker owns the append-only prediction log and in-memory aggregates.
// Writers exclude readers for the duration of a mutation.
type Tracker struct {
	mu  sync.RWMutex
	cfg Config
	log *appendLog

	// per-model prediction history, prediction_ts ascending
	predictions map[string][]domain.Prediction
	// idempotency: (model_id, prediction_ts) already observed
	seen map[string]map[int64]bool
	// realised observations per model
	observations map[string][]domain.Observation
	obsSeen      map[string]map[int64]bool
	// predictions written off because their realising bar never arrived
	expired map[string]map[int64]bool

	// latest signal per ticker
	signals map[string]domain.Signal
}

// Open loads (or creates) a tracker whose log lives under dataDir.
func Open(dataDir string, cfg Config) (*Tracker, error) {
	path := filepath.Join(dataDir, "predictions.log")
	alog, records, err := openLog(path)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:          cfg,
		log:          alog,
		predictions:  make(map[string][]domain.Prediction),
		seen:         make(map[string]map[int64]bool),
		observations: make(map[string][]domain.Observation),
		obsSeen:      make(map[string]map[int64]bool),
		expired:      make(map[string]map[int64]bool),
		signals:      make(map[string]domain.Signal),
	}
	for _, rec := range records {
		switch rec.Kind {
		case recordPrediction:
			if rec.Prediction != nil {
				t.applyPrediction(*rec.Prediction)
			}
		case recordObservation:
			if rec.Observation != nil {
				t.applyObservation(*rec.Observation)
			}
		case recordExpiry:
			if rec.Prediction != nil {
				t.applyExpiry(rec.Prediction.ModelID, rec.Prediction.AsOf)
			}
		case recordSignal:
			if rec.Signal != nil {
				t.signals[rec.Signal.Ticker] = *rec.Signal
			}
		}
	}
	log.Info().Str("path", path).Int("records", len(records)).Msg("prediction log loaded")
	return t, nil
}

// Close releases the log file.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log.close()
}

// RecordPrediction appends a prediction. Duplicates on the idempotency key
// (model_id, prediction_ts) are dropped defensively; out-of-order timestamps
// for a model are rejected with StaleWrite.
func (t *Tracker) RecordPrediction(p domain.Prediction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := p.AsOf.UnixNano()
	if t.seen[p.ModelID][key] {
		return nil // replay, already counted
	}
	hist := t.predictions[p.ModelID]
	if len(hist) > 0 && !hist[len(hist)-1].AsOf.Before(p.AsOf) {
		return fmt.Errorf("%w: prediction for %s at %s is not after %s",
			domain.ErrStaleWrite, p.ModelID, p.AsOf.Format(time.RFC3339),
			hist[len(hist)-1].AsOf.Format(time.RFC3339))
	}

	if err := t.log.append(logRecord{Kind: recordPrediction, Prediction: &p}); err != nil {
		return err
	}
	t.applyPrediction(p)
	return nil
}

func (t *Tracker) applyPrediction(p domain.Prediction) {
	key := p.AsOf.UnixNano()
	if t.seen[p.ModelID] == nil {
		t.seen[p.ModelID] = make(map[int64]bool)
	}
	if t.seen[p.ModelID][key] {
		return
	}
	t.seen[p.ModelID][key] = true
	t.predictions[p.ModelID] = append(t.predictions[p.ModelID], p)
}

// RecordObservation appends a realised outcome for an earlier prediction.
// Idempotent on (model_id, prediction_ts).
func (t *Tracker) RecordObservation(obs domain.Observation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := obs.PredictionTS.UnixNano()
	if t.obsSeen[obs.ModelID][key] {
		return nil
	}
	if err := t.log.append(logRecord{Kind: recordObservation, Observation: &obs}); err != nil {
		return err
	}
	t.applyObservation(obs)
	return nil
}

func (t *Tracker) applyObservation(obs domain.Observation) {
	key := obs.PredictionTS.UnixNano()
	if t.obsSeen[obs.ModelID] == nil {
		t.obsSeen[obs.ModelID] = make(map[int64]bool)
	}
	if t.obsSeen[obs.ModelID][key] {
		return
	}
	t.obsSeen[obs.ModelID][key] = true
	t.observations[obs.ModelID] = append(t.observations[obs.ModelID], obs)
}

// ExpirePrediction writes off a prediction whose realising bar can no longer
// arrive. Idempotent; observed predictions are left alone.
func (t *Tracker) ExpirePrediction(modelID string, asOf time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := asOf.UnixNano()
	if t.obsSeen[modelID][key] || t.expired[modelID][key] {
		return nil
	}
	rec := domain.Prediction{ModelID: modelID, AsOf: asOf}
	if err := t.log.append(logRecord{Kind: recordExpiry, Prediction: &rec}); err != nil {
		return err
	}
	t.applyExpiry(modelID, asOf)
	return nil
}

func (t *Tracker) applyExpiry(modelID string, asOf time.Time) {
	if t.expired[modelID] == nil {
		t.expired[modelID] = make(map[int64]bool)
	}
	t.expired[modelID][asOf.UnixNano()] = true
}

// RecordSignal persists a signal record for later scoring and serves the
// latest-signal lookups.
func (t *Tracker) RecordSignal(s domain.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.log.append(logRecord{Kind: recordSignal, Signal: &s}); err != nil {
		return err
	}
	t.signals[s.Ticker] = s
	return nil
}

// UpdateSignalStatus moves a ticker's latest signal out of pending. The
// transition is re-logged so a replay restores it.
func (t *Tracker) UpdateSignalStatus(ticker string, status domain.SignalStatus) (domain.Signal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.signals[ticker]
	if !ok {
		return domain.Signal{}, fmt.Errorf("signal for %s: %w", ticker, domain.ErrNotReady)
	}
	if s.Status == status {
		return s, nil
	}
	s.Status = status
	if err := t.log.append(logRecord{Kind: recordSignal, Signal: &s}); err != nil {
		return domain.Signal{}, err
	}
	t.signals[ticker] = s
	return s, nil
}

// LatestSignal returns the most recent signal for a ticker.
func (t *Tracker) LatestSignal(ticker string) (domain.Signal, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.signals[ticker]
	if !ok {
		return domain.Signal{}, fmt.Errorf("signal for %s: %w", ticker, domain.ErrNotReady)
	}
	return s, nil
}

// MetricsFor computes rolling metrics over the configured window (or an
// explicit override in days). Fewer than the floor number of observations
// reports insufficient.
func (t *Tracker) MetricsFor(modelID string, windowDays int) (Metrics, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if windowDays <= 0 {
		windowDays = t.cfg.WindowDays
	}
	return t.metricsLocked(modelID, windowDays, time.Now().UTC()), nil
}

func (t *Tracker) metricsLocked(modelID string, windowDays int, now time.Time) Metrics {
	cutoff := now.AddDate(0, 0, -windowDays)

	var correct, total, nonFlat int
	var returns []float64
	for _, obs := range t.observations[modelID] {
		if obs.RealisedTS.Before(cutoff) {
			continue
		}
		total++
		predictedUp := obs.PredictedProb > 0.5
		if obs.Realised != domain.DirectionFlat {
			nonFlat++
			realisedUp := obs.Realised == domain.DirectionUp
			if predictedUp == realisedUp {
				correct++
			}
		}
		// Unit stake per prediction, signed by the predicted side.
		r := obs.Return
		if !predictedUp {
			r = -r
		}
		returns = append(returns, r)
	}

	m := Metrics{Count: total}
	if total < t.cfg.MinObservations {
		m.Insufficient = true
		return m
	}
	if total > 0 {
		m.Accuracy = float64(correct) / float64(total)
	}
	if nonFlat > 0 {
		m.WinRate = float64(correct) / float64(nonFlat)
	}
	m.PseudoSharpe = pseudoSharpe(returns)
	return m
}

func pseudoSharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	ss := 0.0
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(returns)-1))
	if sd == 0 {
		return 0
	}
	return mean / sd
}

// Weights derives ensemble weights for the active models: proportional to
// max(0, accuracy − 0.5) · log(1 + count), normalised to sum 1. Equal weights
// when every model is insufficient or the proportional mass is zero.
func (t *Tracker) Weights(activeIDs []string) map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(activeIDs) == 0 {
		return map[string]float64{}
	}

	now := time.Now().UTC()
	raw := make(map[string]float64, len(activeIDs))
	total := 0.0
	for _, id := range activeIDs {
		m := t.metricsLocked(id, t.cfg.WindowDays, now)
		if m.Insufficient {
			continue
		}
		w := math.Max(0, m.Accuracy-0.5) * math.Log(1+float64(m.Count))
		raw[id] = w
		total += w
	}

	weights := make(map[string]float64, len(activeIDs))
	if total <= 0 {
		equal := 1.0 / float64(len(activeIDs))
		for _, id := range activeIDs {
			weights[id] = equal
		}
		return weights
	}
	for _, id := range activeIDs {
		weights[id] = raw[id] / total
	}
	return weights
}

// OpenPredictions returns predictions for a model that are neither realised
// nor expired.
func (t *Tracker) OpenPredictions(modelID string) []domain.Prediction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var open []domain.Prediction
	for _, p := range t.predictions[modelID] {
		key := p.AsOf.UnixNano()
		if !t.obsSeen[modelID][key] && !t.expired[modelID][key] {
			open = append(open, p)
		}
	}
	return open
}
