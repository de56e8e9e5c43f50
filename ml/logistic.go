package ml

import (
	"errors"
	"fmt"
	"math"
)

// LogisticRegression is a binary linear classifier on raw feature values.
type LogisticRegression struct {
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
	Threshold    float64   `json:"threshold,omitempty"`
}

func (lr *LogisticRegression) PredictLabel(features []float64) (int, error) {
	prob, err := lr.PredictProbability(features)
	if err != nil {
		return 0, err
	}
	if prob >= boundary(lr.Threshold) {
		return 1, nil
	}
	return 0, nil
}

func (lr *LogisticRegression) PredictProbability(features []float64) (float64, error) {
	z, err := lr.LogOdds(features)
	if err != nil {
		return 0, err
	}
	return Sigmoid(z), nil
}

// LogOdds returns the linear score before the sigmoid.
func (lr *LogisticRegression) LogOdds(features []float64) (float64, error) {
	if len(lr.Coefficients) == 0 {
		return 0, errors.New("model not trained")
	}
	if len(features) != len(lr.Coefficients) {
		return 0, fmt.Errorf("expected %d features, got %d", len(lr.Coefficients), len(features))
	}
	z := lr.Intercept
	for i, coef := range lr.Coefficients {
		z += coef * features[i]
	}
	return z, nil
}

func (lr *LogisticRegression) Scorer() Scorer {
	return lr
}

func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// LogisticOptions configures batch gradient descent.
type LogisticOptions struct {
	LearningRate float64
	Epochs       int
	// L2 is the ridge penalty applied to the scaled coefficients.
	L2 float64
}

// Train fits the model by batch gradient descent on min-max scaled features
// and folds the scaling back so the stored coefficients apply to raw values.
// Constant columns get a zero coefficient.
func (lr *LogisticRegression) Train(features [][]float64, labels []int, opts LogisticOptions) error {
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
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.5
	}
	if opts.Epochs <= 0 {
		opts.Epochs = 2000
	}

	width := len(features[0])
	mins, spans, err := minMax(features, width)
	if err != nil {
		return err
	}

	scaled := make([][]float64, len(features))
	for i, row := range features {
		scaled[i] = make([]float64, width)
		for j, v := range row {
			if spans[j] > 0 {
				scaled[i][j] = (v - mins[j]) / spans[j]
			}
		}
	}

	weights := make([]float64, width)
	bias := 0.0
	n := float64(len(scaled))
	grad := make([]float64, width)
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		for j := range grad {
			grad[j] = 0
		}
		gradBias := 0.0
		for i, row := range scaled {
			z := bias
			for j, w := range weights {
				z += w * row[j]
			}
			diff := Sigmoid(z) - float64(labels[i])
			for j, v := range row {
				grad[j] += diff * v
			}
			gradBias += diff
		}
		for j := range weights {
			weights[j] -= opts.LearningRate * (grad[j]/n + opts.L2*weights[j])
		}
		bias -= opts.LearningRate * gradBias / n
	}

	lr.Coefficients = make([]float64, width)
	lr.Intercept = bias
	for j, w := range weights {
		if spans[j] == 0 {
			continue
		}
		lr.Coefficients[j] = w / spans[j]
		lr.Intercept -= w * mins[j] / spans[j]
	}
	if lr.Threshold == 0 {
		lr.Threshold = DefaultThreshold
	}
	return nil
}

func minMax(features [][]float64, width int) (mins, spans []float64, err error) {
	mins = make([]float64, width)
	maxs := make([]float64, width)
	for j := 0; j < width; j++ {
		mins[j] = math.Inf(1)
		maxs[j] = math.Inf(-1)
	}
	for _, row := range features {
		if len(row) != width {
			return nil, nil, fmt.Errorf("expected %d features, got %d", width, len(row))
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil, errors.New("features must be finite")
			}
			mins[j] = math.Min(mins[j], v)
			maxs[j] = math.Max(maxs[j], v)
		}
	}
	spans = make([]float64, width)
	for j := range spans {
		spans[j] = maxs[j] - mins[j]
	}
	return mins, spans, nil
}
