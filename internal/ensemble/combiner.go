// Package ensemble fuses per-model probabilities into per-timeframe signals
// and per-timeframe signals into the final decision.
package ensemble

import (
	"fmt"
	"math"
	"sort"

	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/models"
)

// Method selects the per-timeframe fusion algorithm.
type Method string

const (
	WeightedAverage Method = "weighted_average"
	MajorityVote    Method = "majority_vote"
	Stacking        Method = "stacking"
)

// ModelProb is one predictor's output for the current call.
type ModelProb struct {
	ModelID string
	P       float64
}

// Fused is the per-timeframe fusion result.
type Fused struct {
	Probability float64
	Confidence  float64
	// Weights actually applied, renormalised after drops. Sums to 1.
	Weights map[string]float64
	Inputs  map[string]float64
}

// Combiner fuses component probabilities with tracker-supplied weights.
type Combiner struct {
	method  Method
	stacker *models.Stacker
}

// NewCombiner builds a combiner for the configured method. The stacker is
// only consulted for the stacking method and may be nil otherwise.
func NewCombiner(method Method, stacker *models.Stacker) (*Combiner, error) {
	switch method {
	case WeightedAverage, MajorityVote:
	case Stacking:
		if stacker == nil {
			return nil, fmt.Errorf("stacking method requires a fitted stacker")
		}
	default:
		return nil, fmt.Errorf("unknown ensemble method %q", method)
	}
	return &Combiner{method: method, stacker: stacker}, nil
}

// Method returns the configured fusion method.
func (c *Combiner) Method() Method { return c.method }

const weightSumTolerance = 1e-9

// Fuse combines per-model probabilities using the supplied weight vector.
// Models absent from probs (failed predict, optional kind missing) or with
// weight zero are dropped and the remaining weights renormalised. Fails with
// NoActivePredictors when nothing remains.
func (c *Combiner) Fuse(probs []ModelProb, weights map[string]float64) (Fused, error) {
	kept := make([]ModelProb, 0, len(probs))
	total := 0.0
	for _, mp := range probs {
		w, ok := weights[mp.ModelID]
		if !ok || w <= 0 {
			continue
		}
		if math.IsNaN(mp.P) || mp.P < 0 || mp.P > 1 {
			continue
		}
		kept = append(kept, mp)
		total += w
	}
	if len(kept) == 0 || total <= 0 {
		return Fused{}, domain.ErrNoActivePredictors
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].ModelID < kept[j].ModelID })

	applied := make(map[string]float64, len(kept))
	inputs := make(map[string]float64, len(kept))
	for _, mp := range kept {
		applied[mp.ModelID] = weights[mp.ModelID] / total
		inputs[mp.ModelID] = mp.P
	}

	var fused Fused
	var err error
	switch c.method {
	case WeightedAverage:
		fused = fuseWeightedAverage(kept, applied)
	case MajorityVote:
		fused = fuseMajorityVote(kept, applied)
	case Stacking:
		fused, err = c.fuseStacking(kept, applied)
		if err != nil {
			return Fused{}, err
		}
	}
	fused.Weights = applied
	fused.Inputs = inputs

	if err := validateFused(fused); err != nil {
		return Fused{}, err
	}
	return fused, nil
}

func fuseWeightedAverage(probs []ModelProb, weights map[string]float64) Fused {
	mean := 0.0
	for _, mp := range probs {
		mean += weights[mp.ModelID] * mp.P
	}
	// Weighted standard deviation of the component probabilities.
	variance := 0.0
	for _, mp := range probs {
		d := mp.P - mean
		variance += weights[mp.ModelID] * d * d
	}
	sigma := math.Sqrt(variance)
	confidence := math.Max(0, math.Min(1, 1-2*sigma))
	return Fused{Probability: mean, Confidence: confidence}
}

func fuseMajorityVote(probs []ModelProb, weights map[string]float64) Fused {
	up, down := 0, 0
	for _, mp := range probs {
		if mp.P > 0.5 {
			up++
		} else {
			down++
		}
	}
	majorityUp := up >= down
	sum, count := 0.0, 0
	for _, mp := range probs {
		if (mp.P > 0.5) == majorityUp {
			sum += mp.P
			count++
		}
	}
	p := 0.5
	if count > 0 {
		p = sum / float64(count)
	}
	confidence := float64(max(up, down)) / float64(len(probs))
	return Fused{Probability: p, Confidence: confidence}
}

func (c *Combiner) fuseStacking(probs []ModelProb, weights map[string]float64) (Fused, error) {
	byID := make(map[string]float64, len(probs))
	for _, mp := range probs {
		byID[mp.ModelID] = mp.P
	}
	// The stacker's bound order decides the input vector; components the
	// stacker never saw at train time are ignored, missing ones sit neutral.
	vec := make([]float64, len(c.stacker.ModelOrder))
	for i, id := range c.stacker.ModelOrder {
		if p, ok := byID[id]; ok {
			vec[i] = p
		} else {
			vec[i] = 0.5
		}
	}
	p, err := c.stacker.PredictProbs(vec)
	if err != nil {
		return Fused{}, fmt.Errorf("stacking fusion: %w", err)
	}
	// Confidence mirrors the weighted-average dispersion measure.
	base := fuseWeightedAverage(probs, weights)
	return Fused{Probability: p, Confidence: base.Confidence}, nil
}

// validateFused enforces the ensemble invariants: probability in [0,1] and
// weights summing to 1. Violations are fatal configuration errors.
func validateFused(f Fused) error {
	if f.Probability < 0 || f.Probability > 1 || math.IsNaN(f.Probability) {
		return fmt.Errorf("ensemble probability %.6f outside [0,1]", f.Probability)
	}
	sum := 0.0
	for id, w := range f.Weights {
		if w < 0 {
			return fmt.Errorf("component weight for %s is negative: %.6f", id, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("component weights sum to %.12f, expected 1", sum)
	}
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
