package inference

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"riskscreen/ml"
	"riskscreen/registry"
)

const (
	// MaxTopFactors caps the explanation list.
	MaxTopFactors = 5
	// minimalImpact is the |contribution| below which a feature is reported as negligible.
	minimalImpact = 0.01
)

// RankContributions explains one prediction and returns the strongest
// factors, largest |contribution| first. A nil explainer yields no factors.
func RankContributions(explainer ml.Explainer, vector []float64, md *registry.Metadata) (factors []FeatureContribution, err error) {
	if explainer == nil {
		return []FeatureContribution{}, nil
	}
	defer func() {
		if r := recover(); r != nil {
			factors, err = nil, fmt.Errorf("explainer panicked: %v", r)
		}
	}()

	scores, err := explainer.Contributions(vector)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(md.Features) || len(vector) != len(md.Features) {
		return nil, fmt.Errorf("explainer returned %d scores for %d features", len(scores), len(md.Features))
	}

	factors = make([]FeatureContribution, 0, len(md.Features))
	for i, feature := range md.Features {
		if math.IsNaN(scores[i]) || math.IsInf(scores[i], 0) {
			return nil, fmt.Errorf("explainer returned non-finite score for %s", feature)
		}
		display := DisplayName(md, feature)
		factors = append(factors, FeatureContribution{
			FeatureName:    feature,
			DisplayName:    display,
			Value:          vector[i],
			Contribution:   scores[i],
			Interpretation: interpret(display, vector[i], scores[i]),
		})
	}

	sort.SliceStable(factors, func(i, j int) bool {
		return math.Abs(factors[i].Contribution) > math.Abs(factors[j].Contribution)
	})
	if len(factors) > MaxTopFactors {
		factors = factors[:MaxTopFactors]
	}
	return factors, nil
}

// DisplayName prefers the metadata's label and falls back to the title-cased
// feature name.
func DisplayName(md *registry.Metadata, feature string) string {
	if md != nil {
		if name, ok := md.FeatureNames[feature]; ok && name != "" {
			return name
		}
	}
	return titleCase(feature)
}

func titleCase(name string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(name, "_", " "))
}

func interpret(display string, value, contribution float64) string {
	switch {
	case math.Abs(contribution) < minimalImpact:
		return fmt.Sprintf("%s had minimal impact on the prediction", display)
	case contribution > 0:
		return fmt.Sprintf("%s (%.1f) increased risk assessment", display, value)
	default:
		return fmt.Sprintf("%s (%.1f) decreased risk assessment", display, value)
	}
}
