package training

import (
	"sort"

	"riskscreen/ml"
)

// Metrics are hold-out scores for the positive class.
type Metrics struct {
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64
	// ROCAUC is only set when the model exposes probabilities.
	ROCAUC    float64
	HasROCAUC bool
}

// Map returns the metrics in metadata form.
func (m Metrics) Map() map[string]float64 {
	out := map[string]float64{
		"accuracy":  m.Accuracy,
		"precision": m.Precision,
		"recall":    m.Recall,
		"f1":        m.F1,
	}
	if m.HasROCAUC {
		out["roc_auc"] = m.ROCAUC
	}
	return out
}

// Evaluate scores model on a hold-out set. Rows the model rejects count as
// wrong predictions.
func Evaluate(model ml.Classifier, testX [][]float64, testY []int) Metrics {
	var m Metrics
	if len(testX) == 0 {
		return m
	}

	var correct, truePositive, predictedPositive, actualPositive int
	scorer := model.Scorer()
	var scores []scored

	for i, features := range testX {
		label, err := model.PredictLabel(features)
		if err != nil {
			label = 1 - testY[i]
		}
		if label == testY[i] {
			correct++
		}
		if label == 1 {
			predictedPositive++
		}
		if testY[i] == 1 {
			actualPositive++
			if label == 1 {
				truePositive++
			}
		}
		if scorer != nil {
			if p, err := scorer.PredictProbability(features); err == nil {
				scores = append(scores, scored{p: p, positive: testY[i] == 1})
			}
		}
	}

	m.Accuracy = float64(correct) / float64(len(testX))
	if predictedPositive > 0 {
		m.Precision = float64(truePositive) / float64(predictedPositive)
	}
	if actualPositive > 0 {
		m.Recall = float64(truePositive) / float64(actualPositive)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	if auc, ok := rocAUC(scores); ok {
		m.ROCAUC, m.HasROCAUC = auc, true
	}
	return m
}

type scored struct {
	p        float64
	positive bool
}

// rocAUC is the Mann-Whitney statistic with tied scores sharing their
// average rank.
func rocAUC(scores []scored) (float64, bool) {
	var positives, negatives int
	for _, s := range scores {
		if s.positive {
			positives++
		} else {
			negatives++
		}
	}
	if positives == 0 || negatives == 0 {
		return 0, false
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].p < scores[j].p })
	rankSum := 0.0
	for i := 0; i < len(scores); {
		j := i
		for j < len(scores) && scores[j].p == scores[i].p {
			j++
		}
		// ranks i+1..j share their mean
		rank := float64(i+1+j) / 2
		for k := i; k < j; k++ {
			if scores[k].positive {
				rankSum += rank
			}
		}
		i = j
	}
	u := rankSum - float64(positives*(positives+1))/2
	return u / float64(positives*negatives), true
}
