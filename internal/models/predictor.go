package models

import (
	"math"
	"time"

	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/features"
)

// Kind is a closed enumeration of predictor families.
type Kind string

const (
	KindLogistic Kind = "logistic"
	KindGBDT     Kind = "gbdt"
	KindSequence Kind = "sequence"
	KindStacking Kind = "stacking"
)

// minTrainingRows is the floor below which Train fails with
// ErrInsufficientData.
const minTrainingRows = 50

// defaultTrainingCeiling bounds a single training run's wall clock.
const defaultTrainingCeiling = 30 * time.Second

// Predictor is the common contract for all model kinds. Implementations are
// deterministic given fitted state and must round-trip through
// Serialize/Deserialize to bit-identical predictions.
type Predictor interface {
	Kind() Kind
	FeatureSetVersion() string

	// Train fits internal state from a feature matrix and aligned binary
	// labels (1 = next-horizon return positive). Rows with missing features
	// or missing labels are skipped.
	Train(matrix *features.Matrix, labels []int) error

	// Predict maps a single feature row to probability-up in [0,1].
	Predict(row features.Row) (float64, error)

	Serialize() ([]byte, error)
}

// WindowPredictor is the multi-row variant of Predict for sequence models.
type WindowPredictor interface {
	Predictor
	// PredictWindow consumes a trailing window of feature rows, oldest first.
	PredictWindow(rows []features.Row) (float64, error)
	WindowSize() int
}

// Metadata describes a registered model.
type Metadata struct {
	ModelID           string             `json:"model_id"`
	Kind              Kind               `json:"kind"`
	Version           string             `json:"version"`
	FeatureSetVersion string             `json:"feature_set_version"`
	TrainingWindow    int                `json:"training_window"`
	LabelHorizonBars  int                `json:"label_horizon_bars"`
	Hyperparameters   map[string]float64 `json:"hyperparameters,omitempty"`
	Active            bool               `json:"active"`
	CreatedTS         time.Time          `json:"creation_ts"`
	LastEvaluationTS  time.Time          `json:"last_evaluation_ts,omitempty"`
	RollingMetrics    map[string]float64 `json:"rolling_metrics,omitempty"`
}

// GenerateLabels produces binary labels for a bar series: label[t] = 1 when
// close[t+horizon] > close[t], 0 when lower or equal. Bars lacking a realised
// t+horizon are marked -1 and excluded from training.
func GenerateLabels(bars []domain.Bar, horizon int) []int {
	labels := make([]int, len(bars))
	for i := range bars {
		if i+horizon >= len(bars) {
			labels[i] = -1
			continue
		}
		if bars[i+horizon].Close > bars[i].Close {
			labels[i] = 1
		} else {
			labels[i] = 0
		}
	}
	return labels
}

// trainingRows collects dense (complete) rows with realised labels.
func trainingRows(matrix *features.Matrix, labels []int) (rows [][]float64, y []int) {
	n := matrix.Len()
	for i := 0; i < n && i < len(labels); i++ {
		if labels[i] < 0 {
			continue
		}
		row := matrix.Row(i)
		if !row.Complete() {
			continue
		}
		vec := make([]float64, len(row.Values))
		copy(vec, row.Values)
		rows = append(rows, vec)
		y = append(y, labels[i])
	}
	return rows, y
}

func sigmoid(z float64) float64 {
	if z > 40 {
		return 1
	}
	if z < -40 {
		return 0
	}
	return 1 / (1 + math.Exp(-z))
}

func clamp01(p float64) float64 {
	return math.Max(0, math.Min(1, p))
}

// standardizer stores per-column means and deviations fitted at train time so
// inference applies the identical transform.
type standardizer struct {
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

func fitStandardizer(rows [][]float64) standardizer {
	if len(rows) == 0 {
		return standardizer{}
	}
	k := len(rows[0])
	means := make([]float64, k)
	stds := make([]float64, k)
	for j := 0; j < k; j++ {
		sum := 0.0
		for _, r := range rows {
			sum += r[j]
		}
		means[j] = sum / float64(len(rows))
		ss := 0.0
		for _, r := range rows {
			d := r[j] - means[j]
			ss += d * d
		}
		stds[j] = math.Sqrt(ss / float64(len(rows)))
		if stds[j] == 0 {
			stds[j] = 1
		}
	}
	return standardizer{Means: means, Stds: stds}
}

// apply standardizes a vector in place; missing values map to the column
// mean (zero after scaling).
func (s standardizer) apply(vec []float64) []float64 {
	out := make([]float64, len(vec))
	for j, v := range vec {
		if j >= len(s.Means) {
			break
		}
		if math.IsNaN(v) {
			out[j] = 0
			continue
		}
		out[j] = (v - s.Means[j]) / s.Stds[j]
	}
	return out
}
