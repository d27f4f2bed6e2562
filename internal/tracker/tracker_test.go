package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elitesignals/elite/internal/domain"
)

func testConfig() Config {
	return Config{WindowDays: 30, MinObservations: 5}
}

func prediction(model string, ts time.Time, p float64) domain.Prediction {
	return domain.Prediction{
		ModelID:        model,
		Ticker:         "RELIANCE",
		AsOf:           ts,
		ProbabilityUp:  p,
		ModelVersion:   "1",
		FeatureVersion: "v1",
	}
}

func observation(model string, ts time.Time, p float64, dir domain.Direction, ret float64) domain.Observation {
	return domain.Observation{
		ModelID:       model,
		PredictionTS:  ts,
		RealisedTS:    ts.Add(24 * time.Hour),
		PredictedProb: p,
		Realised:      dir,
		Return:        ret,
	}
}

func TestTracker_AppendOnlyOrdering(t *testing.T) {
	tr, err := Open(t.TempDir(), testConfig())
	require.NoError(t, err)
	defer tr.Close()

	base := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, tr.RecordPrediction(prediction("m1", base, 0.6)))
	require.NoError(t, tr.RecordPrediction(prediction("m1", base.Add(time.Hour), 0.7)))

	t.Run("out_of_order_rejected", func(t *testing.T) {
		err := tr.RecordPrediction(prediction("m1", base.Add(30*time.Minute), 0.5))
		assert.ErrorIs(t, err, domain.ErrStaleWrite)
	})

	t.Run("duplicate_dropped", func(t *testing.T) {
		// Same (model_id, prediction_ts): accepted silently, not re-counted.
		err := tr.RecordPrediction(prediction("m1", base.Add(time.Hour), 0.9))
		assert.NoError(t, err)
		assert.Len(t, tr.OpenPredictions("m1"), 2)
	})
}

func TestTracker_MetricsAndWeights(t *testing.T) {
	tr, err := Open(t.TempDir(), testConfig())
	require.NoError(t, err)
	defer tr.Close()

	base := time.Now().UTC().Add(-10 * 24 * time.Hour)

	// m1: 8 correct of 10; m2: 4 of 10.
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		dir := domain.DirectionUp
		if i >= 8 {
			dir = domain.DirectionDown
		}
		require.NoError(t, tr.RecordObservation(observation("m1", ts, 0.7, dir, 0.01)))

		dir2 := domain.DirectionDown
		if i >= 6 {
			dir2 = domain.DirectionUp
		}
		require.NoError(t, tr.RecordObservation(observation("m2", ts, 0.7, dir2, 0.01)))
	}

	m1, err := tr.MetricsFor("m1", 0)
	require.NoError(t, err)
	assert.False(t, m1.Insufficient)
	assert.InDelta(t, 0.8, m1.Accuracy, 1e-12)
	assert.Equal(t, 10, m1.Count)

	m2, err := tr.MetricsFor("m2", 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, m2.Accuracy, 1e-12)

	t.Run("weights_favour_accuracy", func(t *testing.T) {
		w := tr.Weights([]string{"m1", "m2"})
		assert.InDelta(t, 1.0, w["m1"]+w["m2"], 1e-9)
		// m2 is below 0.5 accuracy: zero mass, all weight to m1.
		assert.InDelta(t, 1.0, w["m1"], 1e-9)
		assert.InDelta(t, 0.0, w["m2"], 1e-9)
	})

	t.Run("equal_fallback_with_no_data", func(t *testing.T) {
		w := tr.Weights([]string{"fresh1", "fresh2"})
		assert.InDelta(t, 0.5, w["fresh1"], 1e-12)
		assert.InDelta(t, 0.5, w["fresh2"], 1e-12)
	})
}

func TestTracker_InsufficientSamples(t *testing.T) {
	tr, err := Open(t.TempDir(), testConfig())
	require.NoError(t, err)
	defer tr.Close()

	base := time.Now().UTC().Add(-24 * time.Hour)
	for i := 0; i < 3; i++ { // below the floor of 5
		ts := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, tr.RecordObservation(observation("m1", ts, 0.7, domain.DirectionUp, 0.01)))
	}

	m, err := tr.MetricsFor("m1", 0)
	require.NoError(t, err)
	assert.True(t, m.Insufficient)
}

func TestTracker_ObservationIdempotent(t *testing.T) {
	tr, err := Open(t.TempDir(), testConfig())
	require.NoError(t, err)
	defer tr.Close()

	ts := time.Now().UTC().Add(-24 * time.Hour)
	obs := observation("m1", ts, 0.7, domain.DirectionUp, 0.02)
	require.NoError(t, tr.RecordObservation(obs))
	require.NoError(t, tr.RecordObservation(obs)) // replay must not double-count

	m, err := tr.MetricsFor("m1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count)
}

func TestTracker_LogReplayRebuildsState(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().UTC().Add(-24 * time.Hour)

	tr, err := Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, tr.RecordPrediction(prediction("m1", base, 0.65)))
	for i := 0; i < 6; i++ {
		ts := base.Add(time.Duration(i+1) * time.Minute)
		require.NoError(t, tr.RecordObservation(observation("m1", ts, 0.7, domain.DirectionUp, 0.01)))
	}
	sig := domain.Signal{Ticker: "TCS", AsOf: base, Label: domain.Buy, Probability: 0.62, Status: domain.SignalPending}
	require.NoError(t, tr.RecordSignal(sig))
	require.NoError(t, tr.Close())

	reloaded, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer reloaded.Close()

	m, err := reloaded.MetricsFor("m1", 0)
	require.NoError(t, err)
	assert.Equal(t, 6, m.Count)

	got, err := reloaded.LatestSignal("TCS")
	require.NoError(t, err)
	assert.Equal(t, domain.Buy, got.Label)

	_, err = reloaded.LatestSignal("UNKNOWN")
	assert.ErrorIs(t, err, domain.ErrNotReady)
}

func TestTracker_FlatOutcomesSplitDenominators(t *testing.T) {
	tr, err := Open(t.TempDir(), testConfig())
	require.NoError(t, err)
	defer tr.Close()

	base := time.Now().UTC().Add(-24 * time.Hour)
	for i := 0; i < 4; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, tr.RecordObservation(observation("m1", ts, 0.7, domain.DirectionUp, 0.01)))
	}
	// Flat outcomes drag accuracy but are excluded from the win rate.
	for i := 4; i < 6; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, tr.RecordObservation(observation("m1", ts, 0.7, domain.DirectionFlat, 0)))
	}

	m, err := tr.MetricsFor("m1", 0)
	require.NoError(t, err)
	assert.Equal(t, 6, m.Count)
	assert.InDelta(t, 4.0/6.0, m.Accuracy, 1e-12)
	assert.InDelta(t, 1.0, m.WinRate, 1e-12)
}

func TestTracker_ExpiryClosesPrediction(t *testing.T) {
	dir := t.TempDir()
	tr, err := Open(dir, testConfig())
	require.NoError(t, err)

	base := time.Now().UTC().Add(-60 * 24 * time.Hour)
	require.NoError(t, tr.RecordPrediction(prediction("m1", base, 0.6)))
	require.NoError(t, tr.RecordPrediction(prediction("m1", base.Add(time.Hour), 0.7)))
	require.Len(t, tr.OpenPredictions("m1"), 2)

	require.NoError(t, tr.ExpirePrediction("m1", base))
	require.NoError(t, tr.ExpirePrediction("m1", base)) // idempotent

	open := tr.OpenPredictions("m1")
	require.Len(t, open, 1)
	assert.True(t, open[0].AsOf.Equal(base.Add(time.Hour)))

	// Expiry writes nothing into the metrics window.
	m, err := tr.MetricsFor("m1", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Count)

	t.Run("survives_replay", func(t *testing.T) {
		require.NoError(t, tr.Close())
		reloaded, err := Open(dir, testConfig())
		require.NoError(t, err)
		defer reloaded.Close()
		assert.Len(t, reloaded.OpenPredictions("m1"), 1)
	})
}

func TestTracker_SignalStatusTransitions(t *testing.T) {
	dir := t.TempDir()
	tr, err := Open(dir, testConfig())
	require.NoError(t, err)

	base := time.Now().UTC().Add(-24 * time.Hour)
	sig := domain.Signal{Ticker: "TCS", AsOf: base, Label: domain.Buy, Status: domain.SignalPending}
	require.NoError(t, tr.RecordSignal(sig))

	updated, err := tr.UpdateSignalStatus("TCS", domain.SignalRealised)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalRealised, updated.Status)

	got, err := tr.LatestSignal("TCS")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalRealised, got.Status)

	t.Run("unknown_ticker", func(t *testing.T) {
		_, err := tr.UpdateSignalStatus("GHOST", domain.SignalExpired)
		assert.ErrorIs(t, err, domain.ErrNotReady)
	})

	t.Run("survives_replay", func(t *testing.T) {
		require.NoError(t, tr.Close())
		reloaded, err := Open(dir, testConfig())
		require.NoError(t, err)
		defer reloaded.Close()
		got, err := reloaded.LatestSignal("TCS")
		require.NoError(t, err)
		assert.Equal(t, domain.SignalRealised, got.Status)
	})
}
