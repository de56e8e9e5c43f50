package ml

import (
	"errors"
	"fmt"
)

// TreePathExplainer credits every change in positive-class probability along
// the decision path to the feature the parent node split on. The
// contributions sum to the leaf probability minus the root probability.
type TreePathExplainer struct {
	Tree *DecisionTree `json:"tree"`
}

func (e *TreePathExplainer) Contributions(features []float64) ([]float64, error) {
	if e.Tree == nil || !e.Tree.calibrated() {
		return nil, errors.New("tree explainer needs node probabilities")
	}
	path, err := e.Tree.decisionPath(features)
	if err != nil {
		return nil, err
	}
	contributions := make([]float64, len(features))
	for i := 1; i < len(path); i++ {
		parent := e.Tree.Nodes[path[i-1]]
		child := e.Tree.Nodes[path[i]]
		contributions[parent.FeatureIdx] += *child.Probability - *parent.Probability
	}
	return contributions, nil
}

// LinearExplainer returns exact Shapley values of a linear model in log-odds
// space relative to a baseline (usually the training means).
type LinearExplainer struct {
	Coefficients []float64 `json:"coefficients"`
	Baseline     []float64 `json:"baseline"`
}

func NewLinearExplainer(model *LogisticRegression, baseline []float64) *LinearExplainer {
	return &LinearExplainer{
		Coefficients: append([]float64(nil), model.Coefficients...),
		Baseline:     append([]float64(nil), baseline...),
	}
}

func (e *LinearExplainer) Contributions(features []float64) ([]float64, error) {
	if len(e.Coefficients) != len(e.Baseline) {
		return nil, errors.New("coefficients/baseline length mismatch")
	}
	if len(features) != len(e.Coefficients) {
		return nil, fmt.Errorf("expected %d features, got %d", len(e.Coefficients), len(features))
	}
	contributions := make([]float64, len(features))
	for i, coef := range e.Coefficients {
		contributions[i] = coef * (features[i] - e.Baseline[i])
	}
	return contributions, nil
}
