package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/features"
)

// Sequence is a windowed predictor: it pools a trailing window of feature
// rows with exponential recency weighting and fits a logistic layer over the
// pooled vector. Optional at runtime.
type Sequence struct {
	featureVersion string

	Window  int          `json:"window"`
	Decay   float64      `json:"decay"` // per-step weight decay, (0,1]
	Weights []float64    `json:"weights"`
	Bias    float64      `json:"bias"`
	Scaler  standardizer `json:"scaler"`
	Fitted  bool         `json:"fitted"`

	LearningRate float64 `json:"learning_rate"`
	Epochs       int     `json:"epochs"`

	ceiling time.Duration
}

// NewSequence builds an unfitted sequence predictor with the given trailing
// window size.
func NewSequence(featureVersion string, window int) *Sequence {
	if window <= 0 {
		window = 16
	}
	return &Sequence{
		featureVersion: featureVersion,
		Window:         window,
		Decay:          0.85,
		LearningRate:   0.05,
		Epochs:         300,
		ceiling:        defaultTrainingCeiling,
	}
}

func (m *Sequence) Kind() Kind                { return KindSequence }
func (m *Sequence) FeatureSetVersion() string { return m.featureVersion }
func (m *Sequence) WindowSize() int           { return m.Window }

// pool collapses a window of vectors into one exponentially-weighted vector,
// oldest first. NaNs are skipped per column.
func (m *Sequence) pool(vectors [][]float64) []float64 {
	k := len(vectors[0])
	out := make([]float64, k)
	for j := 0; j < k; j++ {
		weight := 1.0
		sum, wsum := 0.0, 0.0
		// Walk newest to oldest so the latest row carries weight 1.
		for i := len(vectors) - 1; i >= 0; i-- {
			v := vectors[i][j]
			if !math.IsNaN(v) {
				sum += weight * v
				wsum += weight
			}
			weight *= m.Decay
		}
		if wsum == 0 {
			out[j] = math.NaN()
		} else {
			out[j] = sum / wsum
		}
	}
	return out
}

// Train fits the logistic layer over pooled windows ending at each labelled
// row.
func (m *Sequence) Train(matrix *features.Matrix, labels []int) error {
	if matrix.Set.Version != m.featureVersion {
		return fmt.Errorf("%w: model expects %s, matrix is %s",
			domain.ErrSchemaMismatch, m.featureVersion, matrix.Set.Version)
	}

	var rows [][]float64
	var y []int
	for i := m.Window - 1; i < matrix.Len() && i < len(labels); i++ {
		if labels[i] < 0 {
			continue
		}
		window := make([][]float64, 0, m.Window)
		dense := true
		for j := i - m.Window + 1; j <= i; j++ {
			row := matrix.Row(j)
			if !row.Complete() {
				dense = false
				break
			}
			window = append(window, row.Values)
		}
		if !dense {
			continue
		}
		rows = append(rows, m.pool(window))
		y = append(y, labels[i])
	}
	if len(rows) < minTrainingRows {
		return fmt.Errorf("%w: %d pooled windows, need %d", domain.ErrInsufficientData, len(rows), minTrainingRows)
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
			return fmt.Errorf("%w: sequence after %d epochs", domain.ErrTrainingTimedOut, epoch)
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
			weights[j] -= m.LearningRate * gradW[j] * inv
		}
		bias -= m.LearningRate * gradB * inv
	}

	m.Weights = weights
	m.Bias = bias
	m.Scaler = scaler
	m.Fitted = true
	return nil
}

// PredictWindow scores a trailing window of rows, oldest first.
func (m *Sequence) PredictWindow(rows []features.Row) (float64, error) {
	if !m.Fitted {
		return 0, fmt.Errorf("%w: sequence model not fitted", domain.ErrPredictionFailed)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: empty window", domain.ErrPredictionFailed)
	}
	for _, r := range rows {
		if r.Set.Version != m.featureVersion {
			return 0, fmt.Errorf("%w: model expects %s, row is %s",
				domain.ErrSchemaMismatch, m.featureVersion, r.Set.Version)
		}
	}
	start := 0
	if len(rows) > m.Window {
		start = len(rows) - m.Window
	}
	vectors := make([][]float64, 0, m.Window)
	for _, r := range rows[start:] {
		vectors = append(vectors, r.Values)
	}
	x := m.Scaler.apply(m.pool(vectors))
	z := m.Bias
	for j, w := range m.Weights {
		z += w * x[j]
	}
	return clamp01(sigmoid(z)), nil
}

// Predict degrades to a window of one row.
func (m *Sequence) Predict(row features.Row) (float64, error) {
	return m.PredictWindow([]features.Row{row})
}

type sequenceBlob struct {
	FeatureVersion string `json:"feature_version"`
	Sequence
}

// Serialize encodes the fitted state.
func (m *Sequence) Serialize() ([]byte, error) {
	return json.Marshal(sequenceBlob{FeatureVersion: m.featureVersion, Sequence: *m})
}

func deserializeSequence(data []byte) (*Sequence, error) {
	var blob sequenceBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode sequence state: %w", err)
	}
	model := blob.Sequence
	model.featureVersion = blob.FeatureVersion
	model.ceiling = defaultTrainingCeiling
	return &model, nil
}
