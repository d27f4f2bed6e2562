package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/features"
)

// Logistic is a linear probability model over standardized features. It is
// the always-available baseline predictor.
type Logistic struct {
	featureVersion string

	// fitted state
	Weights []float64    `json:"weights"`
	Bias    float64      `json:"bias"`
	Scaler  standardizer `json:"scaler"`
	Fitted  bool         `json:"fitted"`

	// hyperparameters
	LearningRate float64 `json:"learning_rate"`
	Epochs       int     `json:"epochs"`
	L2           float64 `json:"l2"`

	ceiling time.Duration
}

// NewLogistic builds an unfitted logistic predictor bound to a feature-set
// version.
func NewLogistic(featureVersion string) *Logistic {
	return &Logistic{
		featureVersion: featureVersion,
		LearningRate:   0.05,
		Epochs:         300,
		L2:             1e-4,
		ceiling:        defaultTrainingCeiling,
	}
}

func (m *Logistic) Kind() Kind                { return KindLogistic }
func (m *Logistic) FeatureSetVersion() string { return m.featureVersion }

// Train fits weights by batch gradient descent on the logistic loss.
func (m *Logistic) Train(matrix *features.Matrix, labels []int) error {
	if matrix.Set.Version != m.featureVersion {
		return fmt.Errorf("%w: model expects %s, matrix is %s",
			domain.ErrSchemaMismatch, m.featureVersion, matrix.Set.Version)
	}
	rows, y := trainingRows(matrix, labels)
	if len(rows) < minTrainingRows {
		return fmt.Errorf("%w: %d labelled rows, need %d", domain.ErrInsufficientData, len(rows), minTrainingRows)
	}

	scaler := fitStandardizer(rows)
	x := make([][]float64, len(rows))
	for i, r := range rows {
		x[i] = scaler.apply(r)
	}

	k := len(x[0])
	weights := make([]float64, k)
	bias := 0.0
	deadline := time.Now().Add(m.ceiling)

	for epoch := 0; epoch < m.Epochs; epoch++ {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: logistic after %d epochs", domain.ErrTrainingTimedOut, epoch)
		}
		gradW := make([]float64, k)
		gradB := 0.0
		for i, xi := range x {
			z := bias
			for j, w := range weights {
				z += w * xi[j]
			}
			err := sigmoid(z) - float64(y[i])
			for j := range gradW {
				gradW[j] += err * xi[j]
			}
			gradB += err
		}
		inv := 1.0 / float64(len(x))
		for j := range weights {
			weights[j] -= m.LearningRate * (gradW[j]*inv + m.L2*weights[j])
		}
		bias -= m.LearningRate * gradB * inv
	}

	m.Weights = weights
	m.Bias = bias
	m.Scaler = scaler
	m.Fitted = true
	return nil
}

// Predict returns probability-up for a single feature row.
func (m *Logistic) Predict(row features.Row) (float64, error) {
	if !m.Fitted {
		return 0, fmt.Errorf("%w: logistic model not fitted", domain.ErrPredictionFailed)
	}
	if row.Set.Version != m.featureVersion {
		return 0, fmt.Errorf("%w: model expects %s, row is %s",
			domain.ErrSchemaMismatch, m.featureVersion, row.Set.Version)
	}
	x := m.Scaler.apply(row.Values)
	z := m.Bias
	for j, w := range m.Weights {
		z += w * x[j]
	}
	return clamp01(sigmoid(z)), nil
}

type logisticBlob struct {
	FeatureVersion string `json:"feature_version"`
	Logistic
}

// Serialize encodes the fitted state.
func (m *Logistic) Serialize() ([]byte, error) {
	return json.Marshal(logisticBlob{FeatureVersion: m.featureVersion, Logistic: *m})
}

func deserializeLogistic(data []byte) (*Logistic, error) {
	var blob logisticBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode logistic state: %w", err)
	}
	model := blob.Logistic
	model.featureVersion = blob.FeatureVersion
	model.ceiling = defaultTrainingCeiling
	return &model, nil
}
