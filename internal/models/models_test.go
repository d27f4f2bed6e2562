package models

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/features"
)

func trendingSeries(n int, seed int64) []domain.Bar {
	rng := rand.New(rand.NewSource(seed))
	bars := make([]domain.Bar, n)
	price := 100.0
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		drift := 0.1 + rng.NormFloat64()*0.6
		open := price
		close := price + drift
		if close < 2 {
			close = 2
		}
		high := math.Max(open, close) + rng.Float64()*0.4
		low := math.Min(open, close) - rng.Float64()*0.4
		if low < 1 {
			low = 1
		}
		bars[i] = domain.Bar{
			Timestamp: ts.AddDate(0, 0, i),
			Open:      open, High: high, Low: low, Close: close,
			Volume: 1000 + rng.Float64()*400,
		}
		price = close
	}
	return bars
}

func trainedMatrix(t *testing.T, n int, seed int64) (*features.Matrix, []int) {
	t.Helper()
	engine, err := features.NewEngine("v1")
	require.NoError(t, err)
	bars := trendingSeries(n, seed)
	matrix, err := engine.Materialise(bars)
	require.NoError(t, err)
	return matrix, GenerateLabels(bars, 5)
}

func TestGenerateLabels(t *testing.T) {
	bars := trendingSeries(20, 1)
	labels := GenerateLabels(bars, 5)
	require.Len(t, labels, 20)

	// Last horizon bars have no realised outcome.
	for i := 15; i < 20; i++ {
		assert.Equal(t, -1, labels[i])
	}
	for i := 0; i < 15; i++ {
		if bars[i+5].Close > bars[i].Close {
			assert.Equal(t, 1, labels[i])
		} else {
			assert.Equal(t, 0, labels[i])
		}
	}
}

func TestLogistic_TrainPredict(t *testing.T) {
	matrix, labels := trainedMatrix(t, 300, 2)

	model := NewLogistic("v1")
	require.NoError(t, model.Train(matrix, labels))

	row := matrix.Row(matrix.Len() - 1)
	p, err := model.Predict(row)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, p, 0.0)
	assert.LessOrEqual(t, p, 1.0)

	// Deterministic given fitted state.
	p2, err := model.Predict(row)
	require.NoError(t, err)
	assert.Equal(t, p, p2)
}

func TestLogistic_InsufficientData(t *testing.T) {
	engine, err := features.NewEngine("v1")
	require.NoError(t, err)
	bars := trendingSeries(70, 3)
	matrix, err := engine.Materialise(bars)
	require.NoError(t, err)

	model := NewLogistic("v1")
	err = model.Train(matrix, GenerateLabels(bars, 5))
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
}

func TestLogistic_PredictUnfitted(t *testing.T) {
	matrix, _ := trainedMatrix(t, 300, 4)
	model := NewLogistic("v1")
	_, err := model.Predict(matrix.Row(matrix.Len() - 1))
	assert.ErrorIs(t, err, domain.ErrPredictionFailed)
}

func TestSerializeRoundTrip(t *testing.T) {
	matrix, labels := trainedMatrix(t, 300, 5)
	lastRow := matrix.Row(matrix.Len() - 1)

	t.Run("logistic", func(t *testing.T) {
		model := NewLogistic("v1")
		require.NoError(t, model.Train(matrix, labels))
		want, err := model.Predict(lastRow)
		require.NoError(t, err)

		blob, err := Encode(model)
		require.NoError(t, err)
		restored, err := Decode(blob)
		require.NoError(t, err)
		assert.Equal(t, KindLogistic, restored.Kind())
		assert.Equal(t, "v1", restored.FeatureSetVersion())

		got, err := restored.Predict(lastRow)
		require.NoError(t, err)
		// JSON round-trips float64 exactly; identity is expected.
		assert.Equal(t, want, got)
	})

	t.Run("gbdt", func(t *testing.T) {
		model := NewGBDT("v1")
		require.NoError(t, model.Train(matrix, labels))
		want, err := model.Predict(lastRow)
		require.NoError(t, err)

		blob, err := Encode(model)
		require.NoError(t, err)
		restored, err := Decode(blob)
		require.NoError(t, err)

		got, err := restored.Predict(lastRow)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("sequence", func(t *testing.T) {
		model := NewSequence("v1", 8)
		require.NoError(t, model.Train(matrix, labels))

		var window []features.Row
		for i := matrix.Len() - 8; i < matrix.Len(); i++ {
			window = append(window, matrix.Row(i))
		}
		want, err := model.PredictWindow(window)
		require.NoError(t, err)

		blob, err := Encode(model)
		require.NoError(t, err)
		restored, err := Decode(blob)
		require.NoError(t, err)
		seq, ok := restored.(WindowPredictor)
		require.True(t, ok)

		got, err := seq.PredictWindow(window)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("stacker", func(t *testing.T) {
		model := NewStacker("v1", []string{"a", "b"})
		rows := make([][]float64, 120)
		y := make([]int, 120)
		rng := rand.New(rand.NewSource(6))
		for i := range rows {
			p := rng.Float64()
			rows[i] = []float64{p, 1 - p}
			if p > 0.5 {
				y[i] = 1
			}
		}
		require.NoError(t, model.TrainProbs(rows, y))
		want, err := model.PredictProbs([]float64{0.8, 0.2})
		require.NoError(t, err)

		blob, err := Encode(model)
		require.NoError(t, err)
		restored, err := Decode(blob)
		require.NoError(t, err)
		st, ok := restored.(*Stacker)
		require.True(t, ok)

		got, err := st.PredictProbs([]float64{0.8, 0.2})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestDecode_RefusesGarbage(t *testing.T) {
	t.Run("bad_magic", func(t *testing.T) {
		_, err := Decode([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 1})
		assert.ErrorIs(t, err, domain.ErrRegistryCorruption)
	})
	t.Run("truncated", func(t *testing.T) {
		_, err := Decode([]byte{0x45, 0x4C})
		assert.ErrorIs(t, err, domain.ErrRegistryCorruption)
	})
}

func TestSchemaMismatch(t *testing.T) {
	matrix, labels := trainedMatrix(t, 300, 7)
	model := NewLogistic("v1")
	require.NoError(t, model.Train(matrix, labels))

	// A row claiming a different schema version must be refused.
	badSet := features.FeatureSetV1()
	row := matrix.Row(matrix.Len() - 1)
	row.Set = &features.FeatureSet{Version: "v2", Names: badSet.Names}
	_, err := model.Predict(row)
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
}

func TestGBDT_LearnsTrend(t *testing.T) {
	matrix, labels := trainedMatrix(t, 400, 8)
	model := NewGBDT("v1")
	require.NoError(t, model.Train(matrix, labels))

	// In-sample accuracy should beat a coin on a drifting series.
	correct, total := 0, 0
	for i := 0; i < matrix.Len(); i++ {
		if labels[i] < 0 {
			continue
		}
		row := matrix.Row(i)
		if !row.Complete() {
			continue
		}
		p, err := model.Predict(row)
		require.NoError(t, err)
		if (p > 0.5) == (labels[i] == 1) {
			correct++
		}
		total++
	}
	require.Greater(t, total, 0)
	assert.Greater(t, float64(correct)/float64(total), 0.5)
}
