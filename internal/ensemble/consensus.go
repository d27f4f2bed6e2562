package ensemble

import (
	"fmt"
	"math"
	"sort"

	"github.com/elitesignals/elite/internal/domain"
)

// TimeframeResult is one timeframe's fused output.
type TimeframeResult struct {
	Timeframe   string
	Probability float64
	Confidence  float64
}

// Consensus is the multi-timeframe fusion outcome.
type Consensus struct {
	Probability float64
	Confidence  float64
	// AlignmentBonus is the fraction of timeframes agreeing with the final
	// direction.
	AlignmentBonus float64
	PerTimeframe   []TimeframeResult
}

// Consolidate fuses per-timeframe results using configured timeframe weights
// (which must sum to 1 across the configured set). Timeframes absent from
// results have their weight renormalised away. The final confidence is the
// minimum per-timeframe confidence scaled by the alignment bonus.
func Consolidate(results []TimeframeResult, tfWeights map[string]float64) (Consensus, error) {
	if len(results) == 0 {
		return Consensus{}, domain.ErrNoActivePredictors
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Timeframe < results[j].Timeframe })

	total := 0.0
	for _, r := range results {
		w, ok := tfWeights[r.Timeframe]
		if !ok {
			return Consensus{}, fmt.Errorf("timeframe %s has no configured weight", r.Timeframe)
		}
		if w < 0 {
			return Consensus{}, fmt.Errorf("timeframe %s weight %.4f is negative", r.Timeframe, w)
		}
		total += w
	}
	if total <= 0 {
		return Consensus{}, fmt.Errorf("timeframe weights sum to zero")
	}

	finalP := 0.0
	minConf := 1.0
	for _, r := range results {
		finalP += (tfWeights[r.Timeframe] / total) * r.Probability
		if r.Confidence < minConf {
			minConf = r.Confidence
		}
	}

	// Alignment: fraction of timeframes on the final side of 0.5. A dead-
	// neutral timeframe counts as aligned with neither side unless the final
	// is also neutral.
	aligned := 0
	for _, r := range results {
		if sameSide(r.Probability, finalP) {
			aligned++
		}
	}
	bonus := float64(aligned) / float64(len(results))

	return Consensus{
		Probability:    finalP,
		Confidence:     math.Max(0, math.Min(1, minConf*bonus)),
		AlignmentBonus: bonus,
		PerTimeframe:   results,
	}, nil
}

func sameSide(p, q float64) bool {
	if p == 0.5 && q == 0.5 {
		return true
	}
	return (p > 0.5 && q > 0.5) || (p < 0.5 && q < 0.5)
}
