package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogisticRegressionPredict(t *testing.T) {
	model := &LogisticRegression{Coefficients: []float64{2, -1}, Intercept: -1}

	prob, err := model.PredictProbability([]float64{1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, prob, 1e-12)

	label, err := model.PredictLabel([]float64{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 1, label, "probability on the boundary is positive")

	label, err = model.PredictLabel([]float64{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 0, label)
}

func TestLogisticRegressionCustomThreshold(t *testing.T) {
	model := &LogisticRegression{Coefficients: []float64{1}, Threshold: 0.8}

	label, err := model.PredictLabel([]float64{1})
	require.NoError(t, err)
	assert.Equal(t, 0, label)
}

func TestLogisticRegressionLengthMismatch(t *testing.T) {
	model := &LogisticRegression{Coefficients: []float64{1, 2}}
	_, err := model.PredictProbability([]float64{1})
	assert.Error(t, err)
}

func TestSigmoidIsStableForLargeInputs(t *testing.T) {
	assert.InDelta(t, 0, Sigmoid(-1000), 1e-12)
	assert.InDelta(t, 1, Sigmoid(1000), 1e-12)
}

func TestLogisticRegressionTrainSeparable(t *testing.T) {
	// positive when the first feature is large; the second is noise on a
	// different scale and the third is constant
	var features [][]float64
	var labels []int
	for i := 0; i < 40; i++ {
		x := float64(i)
		features = append(features, []float64{x, float64(1000 + (i*37)%11), 7})
		if i >= 20 {
			labels = append(labels, 1)
		} else {
			labels = append(labels, 0)
		}
	}

	model := &LogisticRegression{}
	require.NoError(t, model.Train(features, labels, LogisticOptions{}))
	assert.Greater(t, model.Coefficients[0], 0.0)
	assert.Zero(t, model.Coefficients[2])

	correct := 0
	for i, row := range features {
		label, err := model.PredictLabel(row)
		require.NoError(t, err)
		if label == labels[i] {
			correct++
		}
	}
	assert.GreaterOrEqual(t, correct, 36)

	low, err := model.PredictProbability([]float64{0, 1005, 7})
	require.NoError(t, err)
	high, err := model.PredictProbability([]float64{39, 1005, 7})
	require.NoError(t, err)
	assert.Less(t, low, 0.5)
	assert.Greater(t, high, 0.5)
}

func TestLogisticRegressionTrainRejectsBadInput(t *testing.T) {
	model := &LogisticRegression{}
	assert.Error(t, model.Train(nil, nil, LogisticOptions{}))
	assert.Error(t, model.Train([][]float64{{1}}, []int{2}, LogisticOptions{}))
	assert.Error(t, model.Train([][]float64{{1}, {1, 2}}, []int{0, 1}, LogisticOptions{}))
}
