package models

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/features"
)

// GBDT is a gradient-boosted ensemble of depth-limited regression trees fit
// to logistic-loss gradients. It is optional at runtime; absence of a
// registered gbdt model is not an error.
type GBDT struct {
	featureVersion string

	Trees  []tree  `json:"trees"`
	Base   float64 `json:"base"` // initial log-odds
	Fitted bool    `json:"fitted"`

	// hyperparameters
	NumTrees     int     `json:"num_trees"`
	MaxDepth     int     `json:"max_depth"`
	LearningRate float64 `json:"learning_rate"`
	MinLeaf      int     `json:"min_leaf"`

	ceiling time.Duration
}

// tree is a binary regression tree stored as a flat node slice.
type tree struct {
	Nodes []treeNode `json:"nodes"`
}

type treeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`  // -1 for leaf
	Right     int     `json:"right"` // -1 for leaf
	Value     float64 `json:"value"` // leaf output
}

// NewGBDT builds an unfitted boosted-tree predictor.
func NewGBDT(featureVersion string) *GBDT {
	return &GBDT{
		featureVersion: featureVersion,
		NumTrees:       40,
		MaxDepth:       3,
		LearningRate:   0.1,
		MinLeaf:        8,
		ceiling:        defaultTrainingCeiling,
	}
}

func (m *GBDT) Kind() Kind                { return KindGBDT }
func (m *GBDT) FeatureSetVersion() string { return m.featureVersion }

// Train boosts trees against the logistic loss.
func (m *GBDT) Train(matrix *features.Matrix, labels []int) error {
	if matrix.Set.Version != m.featureVersion {
		return fmt.Errorf("%w: model expects %s, matrix is %s",
			domain.ErrSchemaMismatch, m.featureVersion, matrix.Set.Version)
	}
	rows, y := trainingRows(matrix, labels)
	if len(rows) < minTrainingRows {
		return fmt.Errorf("%w: %d labelled rows, need %d", domain.ErrInsufficientData, len(rows), minTrainingRows)
	}

	// Initial score: log-odds of the base rate.
	pos := 0
	for _, v := range y {
		pos += v
	}
	rate := math.Min(math.Max(float64(pos)/float64(len(y)), 1e-6), 1-1e-6)
	base := math.Log(rate / (1 - rate))

	scores := make([]float64, len(rows))
	for i := range scores {
		scores[i] = base
	}

	deadline := time.Now().Add(m.ceiling)
	trees := make([]tree, 0, m.NumTrees)
	grad := make([]float64, len(rows))

	for t := 0; t < m.NumTrees; t++ {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: gbdt after %d trees", domain.ErrTrainingTimedOut, t)
		}
		// Negative gradient of logistic loss: y - p.
		for i := range rows {
			grad[i] = float64(y[i]) - sigmoid(scores[i])
		}
		tr := buildTree(rows, grad, allIndices(len(rows)), m.MaxDepth, m.MinLeaf)
		trees = append(trees, tr)
		for i, r := range rows {
			scores[i] += m.LearningRate * tr.eval(r)
		}
	}

	m.Trees = trees
	m.Base = base
	m.Fitted = true
	return nil
}

// Predict returns probability-up for a single feature row. Missing feature
// values route to the left child.
func (m *GBDT) Predict(row features.Row) (float64, error) {
	if !m.Fitted {
		return 0, fmt.Errorf("%w: gbdt model not fitted", domain.ErrPredictionFailed)
	}
	if row.Set.Version != m.featureVersion {
		return 0, fmt.Errorf("%w: model expects %s, row is %s",
			domain.ErrSchemaMismatch, m.featureVersion, row.Set.Version)
	}
	score := m.Base
	for _, tr := range m.Trees {
		score += m.LearningRate * tr.eval(row.Values)
	}
	return clamp01(sigmoid(score)), nil
}

type gbdtBlob struct {
	FeatureVersion string `json:"feature_version"`
	GBDT
}

// Serialize encodes the fitted state.
func (m *GBDT) Serialize() ([]byte, error) {
	return json.Marshal(gbdtBlob{FeatureVersion: m.featureVersion, GBDT: *m})
}

func deserializeGBDT(data []byte) (*GBDT, error) {
	var blob gbdtBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode gbdt state: %w", err)
	}
	model := blob.GBDT
	model.featureVersion = blob.FeatureVersion
	model.ceiling = defaultTrainingCeiling
	return &model, nil
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// buildTree grows a regression tree greedily on squared-error reduction of
// the gradient targets.
func buildTree(rows [][]float64, targets []float64, idx []int, depth, minLeaf int) tree {
	var tr tree
	tr.grow(rows, targets, idx, depth, minLeaf)
	return tr
}

func (tr *tree) grow(rows [][]float64, targets []float64, idx []int, depth, minLeaf int) int {
	node := treeNode{Left: -1, Right: -1, Value: meanAt(targets, idx)}
	nodeID := len(tr.Nodes)
	tr.Nodes = append(tr.Nodes, node)

	if depth == 0 || len(idx) < 2*minLeaf {
		return nodeID
	}

	feature, threshold, ok := bestSplit(rows, targets, idx, minLeaf)
	if !ok {
		return nodeID
	}

	var left, right []int
	for _, i := range idx {
		v := rows[i][feature]
		if math.IsNaN(v) || v <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) < minLeaf || len(right) < minLeaf {
		return nodeID
	}

	leftID := tr.grow(rows, targets, left, depth-1, minLeaf)
	rightID := tr.grow(rows, targets, right, depth-1, minLeaf)
	tr.Nodes[nodeID].Feature = feature
	tr.Nodes[nodeID].Threshold = threshold
	tr.Nodes[nodeID].Left = leftID
	tr.Nodes[nodeID].Right = rightID
	return nodeID
}

// bestSplit scans quantile candidates per feature for the largest variance
// reduction.
func bestSplit(rows [][]float64, targets []float64, idx []int, minLeaf int) (int, float64, bool) {
	bestGain := 0.0
	bestFeature, bestThreshold := -1, 0.0
	total, totalSq := sums(targets, idx)
	n := float64(len(idx))
	parentSSE := totalSq - total*total/n

	k := len(rows[0])
	values := make([]float64, 0, len(idx))
	for f := 0; f < k; f++ {
		values = values[:0]
		for _, i := range idx {
			if !math.IsNaN(rows[i][f]) {
				values = append(values, rows[i][f])
			}
		}
		if len(values) < 2*minLeaf {
			continue
		}
		sort.Float64s(values)
		// Nine interior quantile candidates keep the scan bounded.
		for q := 1; q <= 9; q++ {
			threshold := values[len(values)*q/10]
			var lSum, lSq, rSum, rSq, ln, rn float64
			for _, i := range idx {
				v := rows[i][f]
				t := targets[i]
				if math.IsNaN(v) || v <= threshold {
					lSum += t
					lSq += t * t
					ln++
				} else {
					rSum += t
					rSq += t * t
					rn++
				}
			}
			if ln < float64(minLeaf) || rn < float64(minLeaf) {
				continue
			}
			sse := (lSq - lSum*lSum/ln) + (rSq - rSum*rSum/rn)
			gain := parentSSE - sse
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = threshold
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

func sums(targets []float64, idx []int) (sum, sumSq float64) {
	for _, i := range idx {
		sum += targets[i]
		sumSq += targets[i] * targets[i]
	}
	return sum, sumSq
}

func meanAt(targets []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	sum := 0.0
	for _, i := range idx {
		sum += targets[i]
	}
	return sum / float64(len(idx))
}

func (tr tree) eval(vec []float64) float64 {
	if len(tr.Nodes) == 0 {
		return 0
	}
	node := tr.Nodes[0]
	for node.Left >= 0 {
		v := vec[node.Feature]
		if math.IsNaN(v) || v <= node.Threshold {
			node = tr.Nodes[node.Left]
		} else {
			node = tr.Nodes[node.Right]
		}
	}
	return node.Value
}
