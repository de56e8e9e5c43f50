package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trainingSet() ([][]float64, []int) {
	features := [][]float64{
		{0.1, 0.2},
		{0.2, 0.1},
		{0.3, 0.2},
		{0.9, 0.8},
		{0.8, 0.9},
		{0.7, 0.7},
	}
	labels := []int{0, 0, 0, 1, 1, 1}
	return features, labels
}

func TestDecisionTreeTrainPredict(t *testing.T) {
	features, labels := trainingSet()

	model := NewDecisionTree()
	require.NoError(t, model.Train(features, labels, 2))

	label, err := model.PredictLabel([]float64{0.15, 0.15})
	require.NoError(t, err)
	assert.Equal(t, 0, label)

	label, err = model.PredictLabel([]float64{0.95, 0.9})
	require.NoError(t, err)
	assert.Equal(t, 1, label)

	require.NotNil(t, model.Scorer())
	prob, err := model.Scorer().PredictProbability([]float64{0.95, 0.9})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, prob, 1e-9)
}

func TestDecisionTreeRejectsNonBinaryLabels(t *testing.T) {
	model := NewDecisionTree()
	err := model.Train([][]float64{{1}, {2}}, []int{0, 2}, 2)
	assert.Error(t, err)
}

func TestDecisionTreeChildIndicesAreAbsolute(t *testing.T) {
	features := [][]float64{{1}, {2}, {3}, {4}, {5}, {6}, {7}, {8}}
	labels := []int{0, 1, 0, 1, 1, 0, 1, 1}

	model := NewDecisionTree()
	require.NoError(t, model.Train(features, labels, 4))
	for i, node := range model.Nodes {
		if node.IsLeaf {
			continue
		}
		assert.Greater(t, node.LeftChild, i)
		assert.Greater(t, node.RightChild, node.LeftChild)
		assert.Less(t, node.RightChild, len(model.Nodes))
	}
	for _, x := range features {
		_, err := model.PredictLabel(x)
		require.NoError(t, err)
	}
}

func TestDecisionTreeWithoutProbabilitiesHasNoScorer(t *testing.T) {
	model := &DecisionTree{Nodes: []TreeNode{
		{FeatureIdx: 0, Threshold: 5, LeftChild: 1, RightChild: 2},
		{FeatureIdx: -1, IsLeaf: true, ClassLabel: 0, LeftChild: -1, RightChild: -1},
		{FeatureIdx: -1, IsLeaf: true, ClassLabel: 1, LeftChild: -1, RightChild: -1},
	}}

	assert.Nil(t, model.Scorer())
	label, err := model.PredictLabel([]float64{7})
	require.NoError(t, err)
	assert.Equal(t, 1, label)
}

func TestDecisionTreeFeatureOutOfRange(t *testing.T) {
	features, labels := trainingSet()
	model := NewDecisionTree()
	require.NoError(t, model.Train(features, labels, 2))

	_, err := model.PredictLabel(nil)
	assert.Error(t, err)
}
