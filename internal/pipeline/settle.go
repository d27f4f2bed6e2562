package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elitesignals/elite/internal/domain"
)

// Settle matches a ticker's open predictions against realised closes at the
// configured label horizon, appends observations and refreshes the models'
// rolling metrics. Predictions whose horizon has not elapsed stay open;
// predictions past the expiry cutoff are written off so every prediction
// leaves the open set within a bounded horizon. The ticker's latest signal
// follows: pending → realised when its predictions settle, pending → expired
// when they are written off.
func (c *Core) Settle(ctx context.Context, ticker string) (int, error) {
	bars, err := c.fetchHistory(ctx, ticker)
	if err != nil {
		return 0, err
	}
	closeAt := make(map[time.Time]int, len(bars))
	for i, b := range bars {
		closeAt[b.Timestamp.UTC()] = i
	}

	cutoff := c.expiryCutoff()
	realisedAt := make(map[int64]bool)
	settled, expired := 0, 0
	for _, id := range c.componentModels() {
		for _, pred := range c.tracker.OpenPredictions(id) {
			if pred.Ticker != ticker {
				continue
			}
			i, ok := closeAt[pred.AsOf.UTC()]
			if !ok || i+c.cfg.LabelHorizonBars >= len(bars) {
				if pred.AsOf.Before(cutoff) {
					if err := c.tracker.ExpirePrediction(id, pred.AsOf); err != nil {
						return settled, fmt.Errorf("expire %s/%s: %w", id, ticker, err)
					}
					expired++
					continue
				}
				continue // horizon not realised yet, keep open
			}
			entry := bars[i].Close
			realised := bars[i+c.cfg.LabelHorizonBars]
			ret := 0.0
			if entry > 0 {
				ret = (realised.Close - entry) / entry
			}

			obs := domain.Observation{
				ModelID:       id,
				PredictionTS:  pred.AsOf,
				RealisedTS:    realised.Timestamp,
				PredictedProb: pred.ProbabilityUp,
				Realised:      direction(ret),
				Return:        ret,
			}
			if err := c.tracker.RecordObservation(obs); err != nil {
				return settled, fmt.Errorf("settle %s/%s: %w", id, ticker, err)
			}
			if err := c.mirror.SaveObservation(ctx, obs); err != nil {
				log.Warn().Str("model_id", id).Err(err).Msg("failed to mirror observation")
			}
			realisedAt[pred.AsOf.UnixNano()] = true
			settled++
		}

		if err := c.refreshMetrics(id); err != nil {
			log.Warn().Str("model_id", id).Err(err).Msg("failed to refresh rolling metrics")
		}
	}

	if expired > 0 {
		log.Info().Str("ticker", ticker).Int("expired", expired).Msg("stale predictions written off")
	}
	c.settleSignalStatus(ctx, ticker, realisedAt, cutoff)
	return settled, nil
}

// expiryCutoff bounds how long a prediction may stay open: generous calendar
// padding over the label horizon covers weekends, holidays and halts. An
// as-of older than the cutoff whose realising bar has still not arrived is
// treated as never arriving (delistings, suspensions).
func (c *Core) expiryCutoff() time.Time {
	days := c.cfg.LabelHorizonBars*3 + 14
	return c.now().UTC().AddDate(0, 0, -days)
}

// settleSignalStatus moves the ticker's latest signal out of pending once
// its component predictions have settled or expired.
func (c *Core) settleSignalStatus(ctx context.Context, ticker string, realisedAt map[int64]bool, cutoff time.Time) {
	latest, err := c.tracker.LatestSignal(ticker)
	if err != nil || latest.Status != domain.SignalPending {
		return
	}

	var status domain.SignalStatus
	switch {
	case realisedAt[latest.AsOf.UnixNano()]:
		status = domain.SignalRealised
	case latest.AsOf.Before(cutoff):
		status = domain.SignalExpired
	default:
		return
	}

	updated, err := c.tracker.UpdateSignalStatus(ticker, status)
	if err != nil {
		log.Warn().Str("ticker", ticker).Err(err).Msg("failed to update signal status")
		return
	}
	if err := c.mirror.SaveSignal(ctx, updated); err != nil {
		log.Warn().Str("ticker", ticker).Err(err).Msg("failed to mirror signal status")
	}
}

const flatReturnEpsilon = 1e-9

func direction(ret float64) domain.Direction {
	switch {
	case ret > flatReturnEpsilon:
		return domain.DirectionUp
	case ret < -flatReturnEpsilon:
		return domain.DirectionDown
	default:
		return domain.DirectionFlat
	}
}

// refreshMetrics copies the tracker's rolling window onto the registry
// metadata so GET /models reflects current performance.
func (c *Core) refreshMetrics(modelID string) error {
	m, err := c.tracker.MetricsFor(modelID, c.cfg.Tracker.WindowDays)
	if err != nil {
		return err
	}
	if m.Insufficient {
		return nil
	}
	return c.registry.UpdateMetrics(modelID, map[string]float64{
		"accuracy":      m.Accuracy,
		"win_rate":      m.WinRate,
		"pseudo_sharpe": m.PseudoSharpe,
		"count":         float64(m.Count),
	}, c.now().UTC())
}
