// Package registry owns the set of predictors, their metadata and lifecycle.
// It is one of the two process-wide handles (with the order router) that are
// constructed once and passed by reference.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/features"
	"github.com/elitesignals/elite/internal/models"
)

// Entry pairs a predictor with its metadata.
type Entry struct {
	Predictor models.Predictor
	Metadata  models.Metadata
}

// Registry is a thread-safe model registry with durable file persistence.
// A registry that detects corrupted state flips read-only until operator
// intervention.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	store    *fileStore
	readOnly bool
}

// Open loads (or initialises) a registry rooted at dir. Unreadable model
// files mark the registry read-only and surface RegistryCorruption.
func Open(dir string) (*Registry, error) {
	store, err := newFileStore(dir)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		entries: make(map[string]*Entry),
		store:   store,
	}

	loaded, err := store.loadAll()
	if err != nil {
		r.readOnly = true
		return r, err
	}
	for _, e := range loaded {
		r.entries[e.Metadata.ModelID] = e
	}
	log.Info().Int("models", len(r.entries)).Str("dir", dir).Msg("model registry loaded")
	return r, nil
}

// Register adds a predictor under metadata.ModelID. Fails on ID collision or
// unknown feature-set version. Persists before the entry becomes visible.
func (r *Registry) Register(p models.Predictor, meta models.Metadata) (string, error) {
	if meta.ModelID == "" {
		return "", fmt.Errorf("register: empty model_id")
	}
	if _, err := features.ForVersion(meta.FeatureSetVersion); err != nil {
		return "", fmt.Errorf("register %s: %w", meta.ModelID, err)
	}
	if p.FeatureSetVersion() != meta.FeatureSetVersion {
		return "", fmt.Errorf("%w: predictor bound to %s, metadata says %s",
			domain.ErrSchemaMismatch, p.FeatureSetVersion(), meta.FeatureSetVersion)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readOnly {
		return "", fmt.Errorf("%w: registry is read-only", domain.ErrRegistryCorruption)
	}
	if _, exists := r.entries[meta.ModelID]; exists {
		return "", fmt.Errorf("model_id %s already registered", meta.ModelID)
	}

	if meta.CreatedTS.IsZero() {
		meta.CreatedTS = time.Now().UTC()
	}
	entry := &Entry{Predictor: p, Metadata: meta}
	if err := r.store.save(entry); err != nil {
		return "", fmt.Errorf("failed to persist model %s: %w", meta.ModelID, err)
	}
	r.entries[meta.ModelID] = entry

	log.Info().Str("model_id", meta.ModelID).Str("kind", string(meta.Kind)).
		Str("feature_set", meta.FeatureSetVersion).Msg("model registered")
	return meta.ModelID, nil
}

// Activate marks a model consultable by the ensemble.
func (r *Registry) Activate(modelID string) error {
	return r.setActive(modelID, true)
}

// Deactivate removes a model from ensemble consideration; it stays
// addressable for inspection.
func (r *Registry) Deactivate(modelID string) error {
	return r.setActive(modelID, false)
}

func (r *Registry) setActive(modelID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readOnly {
		return fmt.Errorf("%w: registry is read-only", domain.ErrRegistryCorruption)
	}
	entry, ok := r.entries[modelID]
	if !ok {
		return fmt.Errorf("model %s: %w", modelID, domain.ErrNotFound)
	}
	if entry.Metadata.Active == active {
		return nil
	}
	updated := *entry
	updated.Metadata.Active = active
	if err := r.store.save(&updated); err != nil {
		return fmt.Errorf("failed to persist model %s: %w", modelID, err)
	}
	r.entries[modelID] = &updated
	return nil
}

// ListActive returns active model IDs in stable order.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.Metadata.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// List returns every registered model's metadata, active or not.
func (r *Registry) List() []models.Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Metadata, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Get returns the predictor and metadata for a model ID.
func (r *Registry) Get(modelID string) (models.Predictor, models.Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[modelID]
	if !ok {
		return nil, models.Metadata{}, fmt.Errorf("model %s: %w", modelID, domain.ErrNotFound)
	}
	return entry.Predictor, entry.Metadata, nil
}

// UpdateMetrics stores rolling metrics on a model's metadata.
func (r *Registry) UpdateMetrics(modelID string, metrics map[string]float64, evaluatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readOnly {
		return fmt.Errorf("%w: registry is read-only", domain.ErrRegistryCorruption)
	}
	entry, ok := r.entries[modelID]
	if !ok {
		return fmt.Errorf("model %s: %w", modelID, domain.ErrNotFound)
	}
	updated := *entry
	updated.Metadata.RollingMetrics = metrics
	updated.Metadata.LastEvaluationTS = evaluatedAt
	if err := r.store.save(&updated); err != nil {
		return fmt.Errorf("failed to persist model %s: %w", modelID, err)
	}
	r.entries[modelID] = &updated
	return nil
}

// ReadOnly reports whether corruption has frozen mutations.
func (r *Registry) ReadOnly() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readOnly
}
