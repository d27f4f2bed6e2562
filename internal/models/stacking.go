package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/features"
)

// Stacker is the stacking meta-model: a small logistic layer over component
// predictor probabilities. It registers like any other predictor; the
// ensemble combiner feeds it probability vectors rather than feature rows.
type Stacker struct {
	featureVersion string

	// ModelOrder fixes the component order the weights bind to.
	ModelOrder []string  `json:"model_order"`
	Weights    []float64 `json:"weights"`
	Bias       float64   `json:"bias"`
	Fitted     bool      `json:"fitted"`

	LearningRate float64 `json:"learning_rate"`
	Epochs       int     `json:"epochs"`

	ceiling time.Duration
}

// NewStacker builds an unfitted stacking meta-model over the named component
// models, in order.
func NewStacker(featureVersion string, modelOrder []string) *Stacker {
	return &Stacker{
		featureVersion: featureVersion,
		ModelOrder:     modelOrder,
		LearningRate:   0.1,
		Epochs:         500,
		ceiling:        defaultTrainingCeiling,
	}
}

func (m *Stacker) Kind() Kind                { return KindStacking }
func (m *Stacker) FeatureSetVersion() string { return m.featureVersion }

// TrainProbs fits the meta layer from rows of component probabilities,
// ordered per ModelOrder, and binary labels.
func (m *Stacker) TrainProbs(probRows [][]float64, labels []int) error {
	if len(probRows) < minTrainingRows {
		return fmt.Errorf("%w: %d stacked rows, need %d", domain.ErrInsufficientData, len(probRows), minTrainingRows)
	}
	k := len(m.ModelOrder)
	for i, r := range probRows {
		if len(r) != k {
			return fmt.Errorf("%w: stacked row %d has %d probs, expected %d",
				domain.ErrTrainingFailed, i, len(r), k)
		}
	}

	weights := make([]float64, k)
	bias := 0.0
	deadline := time.Now().Add(m.ceiling)

	for epoch := 0; epoch < m.Epochs; epoch++ {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: stacker after %d epochs", domain.ErrTrainingTimedOut, epoch)
		}
		gradW := make([]float64, k)
		gradB := 0.0
		for i, xi := range probRows {
			z := bias
			for j, w := range weights {
				// Centre probabilities so 0.5 is neutral.
				z += w * (xi[j] - 0.5)
			}
			err := sigmoid(z) - float64(labels[i])
			for j := range gradW {
				gradW[j] += err * (xi[j] - 0.5)
			}
			gradB += err
		}
		inv := 1.0 / float64(len(probRows))
		for j := range weights {
			weights[j] -= m.LearningRate * gradW[j] * inv
		}
		bias -= m.LearningRate * gradB * inv
	}

	m.Weights = weights
	m.Bias = bias
	m.Fitted = true
	return nil
}

// PredictProbs scores one vector of component probabilities.
func (m *Stacker) PredictProbs(probs []float64) (float64, error) {
	if !m.Fitted {
		return 0, fmt.Errorf("%w: stacker not fitted", domain.ErrPredictionFailed)
	}
	if len(probs) != len(m.Weights) {
		return 0, fmt.Errorf("%w: got %d probs, expected %d",
			domain.ErrPredictionFailed, len(probs), len(m.Weights))
	}
	z := m.Bias
	for j, w := range m.Weights {
		z += w * (probs[j] - 0.5)
	}
	return clamp01(sigmoid(z)), nil
}

// Train satisfies Predictor; the stacker does not learn from feature rows.
func (m *Stacker) Train(_ *features.Matrix, _ []int) error {
	return fmt.Errorf("%w: stacker trains from component probabilities", domain.ErrTrainingFailed)
}

// Predict satisfies Predictor; the stacker does not score feature rows.
func (m *Stacker) Predict(_ features.Row) (float64, error) {
	return 0, fmt.Errorf("%w: stacker scores component probabilities", domain.ErrPredictionFailed)
}

type stackerBlob struct {
	FeatureVersion string `json:"feature_version"`
	Stacker
}

// Serialize encodes the fitted state.
func (m *Stacker) Serialize() ([]byte, error) {
	return json.Marshal(stackerBlob{FeatureVersion: m.featureVersion, Stacker: *m})
}

func deserializeStacker(data []byte) (*Stacker, error) {
	var blob stackerBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode stacker state: %w", err)
	}
	model := blob.Stacker
	model.featureVersion = blob.FeatureVersion
	model.ceiling = defaultTrainingCeiling
	return &model, nil
}
