package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/models"
)

// TrainModel trains a fresh predictor of the given kind on a ticker's daily
// history and registers it active. A training failure leaves no partial
// registry state.
func (c *Core) TrainModel(ctx context.Context, ticker, modelID string, kind models.Kind) (string, error) {
	bars, err := c.fetchHistory(ctx, ticker)
	if err != nil {
		return "", err
	}
	matrix, err := c.engine.Materialise(bars)
	if err != nil {
		return "", err
	}
	labels := models.GenerateLabels(bars, c.cfg.LabelHorizonBars)

	var predictor models.Predictor
	switch kind {
	case models.KindLogistic:
		predictor = models.NewLogistic(c.cfg.FeatureSetVersion)
	case models.KindGBDT:
		predictor = models.NewGBDT(c.cfg.FeatureSetVersion)
	case models.KindSequence:
		predictor = models.NewSequence(c.cfg.FeatureSetVersion, 16)
	default:
		return "", fmt.Errorf("%w: cannot train kind %q directly", domain.ErrTrainingFailed, kind)
	}

	if err := predictor.Train(matrix, labels); err != nil {
		return "", domain.NewModelError(modelID, "train", err)
	}

	meta := models.Metadata{
		ModelID:           modelID,
		Kind:              kind,
		Version:           "1",
		FeatureSetVersion: c.cfg.FeatureSetVersion,
		TrainingWindow:    matrix.Len(),
		LabelHorizonBars:  c.cfg.LabelHorizonBars,
		Active:            true,
	}
	id, err := c.registry.Register(predictor, meta)
	if err != nil {
		return "", err
	}
	log.Info().Str("model_id", id).Str("kind", string(kind)).
		Str("ticker", ticker).Int("rows", matrix.Len()).
		Int("label_horizon_bars", c.cfg.LabelHorizonBars).Msg("model trained and registered")
	return id, nil
}

// Bootstrap trains the baseline model set on a reference ticker when the
// registry holds no active components. The logistic baseline is mandatory;
// the richer kinds are optional and their absence is logged, not fatal.
func (c *Core) Bootstrap(ctx context.Context, ticker string) error {
	if len(c.componentModels()) > 0 {
		return nil
	}

	if _, err := c.TrainModel(ctx, ticker, "logistic-baseline", models.KindLogistic); err != nil {
		return fmt.Errorf("baseline training on %s: %w", ticker, err)
	}

	for _, opt := range []struct {
		id   string
		kind models.Kind
	}{
		{"gbdt-default", models.KindGBDT},
		{"sequence-default", models.KindSequence},
	} {
		if _, err := c.TrainModel(ctx, ticker, opt.id, opt.kind); err != nil {
			if errors.Is(err, domain.ErrInsufficientData) || errors.Is(err, domain.ErrTrainingTimedOut) {
				log.Warn().Str("model_id", opt.id).Err(err).Msg("optional model unavailable")
				continue
			}
			return err
		}
	}
	return nil
}
