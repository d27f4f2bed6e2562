package registry

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/features"
	"github.com/elitesignals/elite/internal/models"
)

func fittedLogistic(t *testing.T) (*models.Logistic, features.Row) {
	t.Helper()
	engine, err := features.NewEngine("v1")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	bars := make([]domain.Bar, 300)
	price := 100.0
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		close := price + 0.05 + rng.NormFloat64()*0.5
		if close < 2 {
			close = 2
		}
		bars[i] = domain.Bar{
			Timestamp: ts.AddDate(0, 0, i),
			Open:      price,
			High:      math.Max(price, close) + 0.2,
			Low:       math.Min(price, close) - 0.2,
			Close:     close,
			Volume:    1000,
		}
		price = close
	}
	matrix, err := engine.Materialise(bars)
	require.NoError(t, err)

	model := models.NewLogistic("v1")
	require.NoError(t, model.Train(matrix, models.GenerateLabels(bars, 5)))
	return model, matrix.Row(matrix.Len() - 1)
}

func testMeta(id string) models.Metadata {
	return models.Metadata{
		ModelID:           id,
		Kind:              models.KindLogistic,
		Version:           "1",
		FeatureSetVersion: "v1",
		TrainingWindow:    300,
		LabelHorizonBars:  5,
		Active:            true,
	}
}

func TestRegistry_RegisterGetActivate(t *testing.T) {
	reg, err := Open(t.TempDir())
	require.NoError(t, err)

	model, _ := fittedLogistic(t)
	id, err := reg.Register(model, testMeta("logistic-1"))
	require.NoError(t, err)
	assert.Equal(t, "logistic-1", id)

	t.Run("collision", func(t *testing.T) {
		_, err := reg.Register(model, testMeta("logistic-1"))
		assert.Error(t, err)
	})

	t.Run("unknown_feature_version", func(t *testing.T) {
		meta := testMeta("logistic-2")
		meta.FeatureSetVersion = "v99"
		_, err := reg.Register(model, meta)
		assert.Error(t, err)
	})

	t.Run("get", func(t *testing.T) {
		p, meta, err := reg.Get("logistic-1")
		require.NoError(t, err)
		assert.Equal(t, models.KindLogistic, p.Kind())
		assert.True(t, meta.Active)
	})

	t.Run("get_missing", func(t *testing.T) {
		_, _, err := reg.Get("nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("deactivate_hides_from_active", func(t *testing.T) {
		require.NoError(t, reg.Deactivate("logistic-1"))
		assert.Empty(t, reg.ListActive())

		// Still addressable.
		_, meta, err := reg.Get("logistic-1")
		require.NoError(t, err)
		assert.False(t, meta.Active)

		require.NoError(t, reg.Activate("logistic-1"))
		assert.Equal(t, []string{"logistic-1"}, reg.ListActive())
	})
}

func TestRegistry_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	model, row := fittedLogistic(t)

	reg, err := Open(dir)
	require.NoError(t, err)
	_, err = reg.Register(model, testMeta("persisted-1"))
	require.NoError(t, err)

	want, err := model.Predict(row)
	require.NoError(t, err)

	// Reload from disk; prediction output must be identical.
	reloaded, err := Open(dir)
	require.NoError(t, err)
	p, meta, err := reloaded.Get("persisted-1")
	require.NoError(t, err)
	assert.Equal(t, "persisted-1", meta.ModelID)
	assert.Equal(t, 5, meta.LabelHorizonBars)

	got, err := p.Predict(row)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRegistry_CorruptFileMarksReadOnly(t *testing.T) {
	dir := t.TempDir()
	model, _ := fittedLogistic(t)

	reg, err := Open(dir)
	require.NoError(t, err)
	_, err = reg.Register(model, testMeta("corrupt-1"))
	require.NoError(t, err)

	// Stomp the file header.
	path := filepath.Join(dir, "corrupt-1.model")
	require.NoError(t, os.WriteFile(path, []byte("not a model"), 0o644))

	broken, err := Open(dir)
	require.ErrorIs(t, err, domain.ErrRegistryCorruption)
	assert.True(t, broken.ReadOnly())

	_, regErr := broken.Register(model, testMeta("corrupt-2"))
	assert.ErrorIs(t, regErr, domain.ErrRegistryCorruption)
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	reg, err := Open(t.TempDir())
	require.NoError(t, err)
	model, row := fittedLogistic(t)
	_, err = reg.Register(model, testMeta("concurrent-1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p, _, err := reg.Get("concurrent-1")
				assert.NoError(t, err)
				_, err = p.Predict(row)
				assert.NoError(t, err)
				_ = reg.ListActive()
			}
		}()
	}
	// A writer mutating concurrently must not tear reads.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			_ = reg.Deactivate("concurrent-1")
			_ = reg.Activate("concurrent-1")
		}
	}()
	wg.Wait()
}
