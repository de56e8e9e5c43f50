package ml

import (
	"errors"
	"math"
	"sort"
)

// DecisionTree is a binary CART classifier split on per-feature medians.
// Nodes trained by Train carry the positive-class fraction of their samples;
// trees decoded from older artifacts may only carry leaf labels.
type DecisionTree struct {
	Nodes     []TreeNode `json:"nodes"`
	Threshold float64    `json:"threshold,omitempty"`
}

type TreeNode struct {
	FeatureIdx  int      `json:"feature_idx"`
	Threshold   float64  `json:"threshold"`
	LeftChild   int      `json:"left_child"`
	RightChild  int      `json:"right_child"`
	ClassLabel  int      `json:"class_label"`
	IsLeaf      bool     `json:"is_leaf"`
	Probability *float64 `json:"probability,omitempty"`
	Samples     int      `json:"samples,omitempty"`
}

func NewDecisionTree() *DecisionTree {
	return &DecisionTree{Threshold: DefaultThreshold}
}

func (dt *DecisionTree) Train(features [][]float64, labels []int, maxDepth int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	for _, label := range labels {
		if label != 0 && label != 1 {
			return errors.New("labels must be 0 or 1")
		}
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}

	dt.Nodes = dt.buildNode(features, labels, 0, maxDepth)
	return nil
}

func (dt *DecisionTree) PredictLabel(features []float64) (int, error) {
	if dt.calibrated() {
		prob, err := dt.PredictProbability(features)
		if err != nil {
			return 0, err
		}
		if prob >= boundary(dt.Threshold) {
			return 1, nil
		}
		return 0, nil
	}
	path, err := dt.decisionPath(features)
	if err != nil {
		return 0, err
	}
	return dt.Nodes[path[len(path)-1]].ClassLabel, nil
}

func (dt *DecisionTree) PredictProbability(features []float64) (float64, error) {
	path, err := dt.decisionPath(features)
	if err != nil {
		return 0, err
	}
	leaf := dt.Nodes[path[len(path)-1]]
	if leaf.Probability == nil {
		return 0, errors.New("tree has no leaf probabilities")
	}
	return *leaf.Probability, nil
}

func (dt *DecisionTree) Scorer() Scorer {
	if !dt.calibrated() {
		return nil
	}
	return dt
}

// decisionPath returns the node indices visited from the root to a leaf.
func (dt *DecisionTree) decisionPath(features []float64) ([]int, error) {
	if len(dt.Nodes) == 0 {
		return nil, errors.New("model not trained")
	}
	path := make([]int, 0, 8)
	idx := 0
	for steps := 0; steps <= len(dt.Nodes); steps++ {
		node := dt.Nodes[idx]
		path = append(path, idx)
		if node.IsLeaf {
			return path, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return nil, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.Nodes) {
			return nil, errors.New("invalid tree state")
		}
	}
	return nil, errors.New("invalid tree state: cycle")
}

func (dt *DecisionTree) calibrated() bool {
	if len(dt.Nodes) == 0 {
		return false
	}
	for _, node := range dt.Nodes {
		if node.Probability == nil {
			return false
		}
	}
	return true
}

func (dt *DecisionTree) buildNode(features [][]float64, labels []int, depth int, maxDepth int) []TreeNode {
	leaf := []TreeNode{{
		FeatureIdx:  -1,
		LeftChild:   -1,
		RightChild:  -1,
		ClassLabel:  majorityLabel(labels),
		IsLeaf:      true,
		Probability: positiveRate(labels),
		Samples:     len(labels),
	}}
	if depth >= maxDepth || isPure(labels) {
		return leaf
	}

	bestFeature, threshold, ok := findBestSplit(features, labels)
	if !ok {
		return leaf
	}

	leftFeatures, leftLabels, rightFeatures, rightLabels := splitData(features, labels, bestFeature, threshold)
	if len(leftLabels) == 0 || len(rightLabels) == 0 {
		return leaf
	}

	leftNodes := dt.buildNode(leftFeatures, leftLabels, depth+1, maxDepth)
	rightNodes := dt.buildNode(rightFeatures, rightLabels, depth+1, maxDepth)

	root := leaf[0]
	root.FeatureIdx = bestFeature
	root.Threshold = threshold
	root.IsLeaf = false
	root.LeftChild = 1
	root.RightChild = 1 + len(leftNodes)

	// children are relative to their own subtree; shift them into place
	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, offsetNodes(leftNodes, 1)...)
	nodes = append(nodes, offsetNodes(rightNodes, 1+len(leftNodes))...)
	return nodes
}

func offsetNodes(nodes []TreeNode, offset int) []TreeNode {
	for i := range nodes {
		if nodes[i].IsLeaf {
			continue
		}
		nodes[i].LeftChild += offset
		nodes[i].RightChild += offset
	}
	return nodes
}

func findBestSplit(features [][]float64, labels []int) (int, float64, bool) {
	featureCount := len(features[0])
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	for featureIdx := 0; featureIdx < featureCount; featureIdx++ {
		values := make([]float64, len(features))
		for i := range features {
			values[i] = features[i][featureIdx]
		}
		threshold := median(values)
		leftLabels, rightLabels := splitLabels(features, labels, featureIdx, threshold)
		if len(leftLabels) == 0 || len(rightLabels) == 0 {
			continue
		}
		impurity := weightedGini(leftLabels, rightLabels)
		if impurity < bestImpurity {
			bestImpurity = impurity
			bestFeature = featureIdx
			bestThreshold = threshold
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int) {
	var leftFeatures, rightFeatures [][]float64
	var leftLabels, rightLabels []int
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels
}

func splitLabels(features [][]float64, labels []int, featureIdx int, threshold float64) ([]int, []int) {
	var leftLabels, rightLabels []int
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftLabels, rightLabels
}

func weightedGini(leftLabels, rightLabels []int) float64 {
	leftWeight := float64(len(leftLabels))
	rightWeight := float64(len(rightLabels))
	total := leftWeight + rightWeight
	return (leftWeight/total)*gini(leftLabels) + (rightWeight/total)*gini(rightLabels)
}

func gini(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	p := *positiveRate(labels)
	return 1 - p*p - (1-p)*(1-p)
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func positiveRate(labels []int) *float64 {
	rate := 0.0
	if len(labels) > 0 {
		positives := 0
		for _, label := range labels {
			positives += label
		}
		rate = float64(positives) / float64(len(labels))
	}
	return &rate
}

// majorityLabel breaks ties toward the positive class.
func majorityLabel(labels []int) int {
	if *positiveRate(labels) >= 0.5 {
		return 1
	}
	return 0
}

func isPure(labels []int) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return false
		}
	}
	return true
}
