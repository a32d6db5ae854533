package ml

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

// TreeParams controls how a regression tree grows.
type TreeParams struct {
	MaxDepth    int
	MinLeafSize int
	// MaxFeatures limits the candidate features per split; 0 means all.
	MaxFeatures int
}

type RegressionTree struct {
	Nodes []TreeNode `json:"nodes"`
}

type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	Value      float64 `json:"value"`
	IsLeaf     bool    `json:"is_leaf"`
}

var splitQuantiles = []float64{0.25, 0.5, 0.75}

func (rt *RegressionTree) Train(features [][]float64, targets []float64, params TreeParams, rnd *rand.Rand) error {
	if len(features) == 0 || len(targets) == 0 {
		return errors.New("features or targets empty")
	}
	if len(features) != len(targets) {
		return errors.New("features and targets size mismatch")
	}
	if params.MaxDepth <= 0 {
		params.MaxDepth = 8
	}
	if params.MinLeafSize <= 0 {
		params.MinLeafSize = 1
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}

	rt.Nodes = nil
	rt.Nodes = rt.buildNode(features, targets, 0, params, rnd)
	return nil
}

func (rt *RegressionTree) Predict(features []float64) (float64, error) {
	if len(rt.Nodes) == 0 {
		return 0, errors.New("model not trained")
	}
	idx := 0
	for {
		node := rt.Nodes[idx]
		if node.IsLeaf {
			return node.Value, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return 0, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(rt.Nodes) {
			return 0, errors.New("invalid tree state")
		}
	}
}

func (rt *RegressionTree) buildNode(features [][]float64, targets []float64, depth int, params TreeParams, rnd *rand.Rand) []TreeNode {
	leaf := []TreeNode{{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		Value:      mean(targets),
		IsLeaf:     true,
	}}
	if depth >= params.MaxDepth || len(targets) < 2*params.MinLeafSize || isConstant(targets) {
		return leaf
	}

	bestFeature, threshold, ok := findBestSplit(features, targets, params, rnd)
	if !ok {
		return leaf
	}

	leftFeatures, leftTargets, rightFeatures, rightTargets := splitData(features, targets, bestFeature, threshold)
	if len(leftTargets) < params.MinLeafSize || len(rightTargets) < params.MinLeafSize {
		return leaf
	}

	leftNodes := rt.buildNode(leftFeatures, leftTargets, depth+1, params, rnd)
	rightNodes := rt.buildNode(rightFeatures, rightTargets, depth+1, params, rnd)

	root := TreeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
		Value:      leaf[0].Value,
		IsLeaf:     false,
	}

	// children are stored after the root, so their internal offsets shift
	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, shiftChildren(leftNodes, 1)...)
	nodes = append(nodes, shiftChildren(rightNodes, 1+len(leftNodes))...)
	return nodes
}

func shiftChildren(nodes []TreeNode, offset int) []TreeNode {
	for i := range nodes {
		if nodes[i].IsLeaf {
			continue
		}
		nodes[i].LeftChild += offset
		nodes[i].RightChild += offset
	}
	return nodes
}

func findBestSplit(features [][]float64, targets []float64, params TreeParams, rnd *rand.Rand) (int, float64, bool) {
	featureCount := len(features[0])
	candidates := rnd.Perm(featureCount)
	if params.MaxFeatures > 0 && params.MaxFeatures < featureCount {
		candidates = candidates[:params.MaxFeatures]
	}

	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := variance(targets)

	values := make([]float64, len(features))
	for _, featureIdx := range candidates {
		for i := range features {
			values[i] = features[i][featureIdx]
		}
		for _, threshold := range thresholds(values) {
			impurity, ok := weightedVariance(features, targets, featureIdx, threshold, params.MinLeafSize)
			if !ok {
				continue
			}
			if impurity < bestImpurity {
				bestImpurity = impurity
				bestFeature = featureIdx
				bestThreshold = threshold
			}
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

// thresholds returns distinct quantile cut points of values.
func thresholds(values []float64) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if sorted[0] == sorted[len(sorted)-1] {
		return nil
	}
	out := make([]float64, 0, len(splitQuantiles))
	for _, q := range splitQuantiles {
		cut := sorted[int(q*float64(len(sorted)-1))]
		// the maximum would send everything left
		if cut == sorted[len(sorted)-1] {
			continue
		}
		if len(out) > 0 && out[len(out)-1] == cut {
			continue
		}
		out = append(out, cut)
	}
	if len(out) == 0 {
		// heavily skewed column such as a one-hot flag
		for _, v := range sorted {
			if v != sorted[len(sorted)-1] {
				out = append(out, v)
			}
		}
		out = out[len(out)-1:]
	}
	return out
}

func splitData(features [][]float64, targets []float64, featureIdx int, threshold float64) ([][]float64, []float64, [][]float64, []float64) {
	leftFeatures := make([][]float64, 0)
	leftTargets := make([]float64, 0)
	rightFeatures := make([][]float64, 0)
	rightTargets := make([]float64, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftTargets = append(leftTargets, targets[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightTargets = append(rightTargets, targets[i])
		}
	}
	return leftFeatures, leftTargets, rightFeatures, rightTargets
}

// weightedVariance computes the size-weighted variance of both sides in one pass.
func weightedVariance(features [][]float64, targets []float64, featureIdx int, threshold float64, minLeaf int) (float64, bool) {
	var leftN, rightN float64
	var leftSum, rightSum, leftSq, rightSq float64
	for i, feature := range features {
		y := targets[i]
		if feature[featureIdx] <= threshold {
			leftN++
			leftSum += y
			leftSq += y * y
		} else {
			rightN++
			rightSum += y
			rightSq += y * y
		}
	}
	if leftN < float64(minLeaf) || rightN < float64(minLeaf) || leftN == 0 || rightN == 0 {
		return 0, false
	}
	leftVar := leftSq/leftN - (leftSum/leftN)*(leftSum/leftN)
	rightVar := rightSq/rightN - (rightSum/rightN)*(rightSum/rightN)
	total := leftN + rightN
	return (leftN/total)*leftVar + (rightN/total)*rightVar, true
}

func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(values))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func isConstant(values []float64) bool {
	if len(values) == 0 {
		return true
	}
	first := values[0]
	for _, v := range values[1:] {
		if math.Abs(v-first) > 1e-12 {
			return false
		}
	}
	return true
}
