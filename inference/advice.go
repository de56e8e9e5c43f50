package inference

import (
	"fmt"
	"strings"
)

const (
	// MaxLifestyleTips caps the tip list.
	MaxLifestyleTips = 4
	// tipFactors is how many of the top factors are considered for tips.
	tipFactors = 3
	// elevatedContribution is the contribution above which a factor earns a tip.
	elevatedContribution = 0.1
)

const maintainHabitsTip = "Continue your current healthy habits"

var fallbackTips = []string{
	"Maintain a balanced diet and regular exercise routine",
	"Schedule regular check-ups with your healthcare provider",
}

type lifestyleRule struct {
	keywords []string
	tip      string
}

// lifestyleRules is tested in order; the first rule whose keyword occurs in
// a feature name supplies that factor's tip.
var lifestyleRules = []lifestyleRule{
	{[]string{"glucose"}, "Consider reducing sugar intake and increasing physical activity"},
	{[]string{"bmi", "weight"}, "Maintaining a healthy weight can significantly reduce health risks"},
	{[]string{"pressure", "bp"}, "Monitor blood pressure regularly and consider reducing sodium intake"},
	{[]string{"cholesterol"}, "Focus on heart-healthy foods and regular cardiovascular exercise"},
	{[]string{"smoking"}, "Smoking cessation is one of the most impactful health improvements"},
	{[]string{"alcohol"}, "Moderate alcohol consumption can benefit overall health"},
	{[]string{"age"}, "Regular health screenings become more important with age"},
}

// Recommendation picks one of five fixed messages for the prediction and
// confidence. MEDIUM only differs from LOW for a positive prediction.
func Recommendation(prediction int, confidence ConfidenceLevel, subject string) string {
	name := subjectName(subject)
	if prediction == 0 {
		if confidence == ConfidenceHigh {
			return fmt.Sprintf("Based on the provided data, your %s risk appears low. "+
				"Continue maintaining a healthy lifestyle. Regular check-ups are still recommended.", name)
		}
		return fmt.Sprintf("Your %s risk appears low, but the model's confidence is limited. "+
			"Consider discussing your risk factors with a healthcare provider.", name)
	}
	switch confidence {
	case ConfidenceHigh:
		return fmt.Sprintf("The analysis indicates elevated %s risk factors. "+
			"We strongly recommend consulting a healthcare professional for proper evaluation and testing.", name)
	case ConfidenceMedium:
		return fmt.Sprintf("Some %s risk factors were detected. "+
			"Consider scheduling a check-up with your doctor to discuss these findings.", name)
	default:
		return fmt.Sprintf("The results are inconclusive regarding %s risk. "+
			"This screening cannot provide a clear assessment. Please consult a healthcare provider.", name)
	}
}

// LifestyleTips derives up to four tips from the top factors. A low-risk
// prediction opens with a maintain-habits tip, but only alongside factor tips;
// with no elevated factor the result is exactly the two generic tips. Tips are
// not deduplicated: two factors matching the same rule yield the tip twice.
func LifestyleTips(factors []FeatureContribution, prediction int) []string {
	var factorTips []string
	for i, factor := range factors {
		if i == tipFactors {
			break
		}
		if factor.Contribution <= elevatedContribution {
			continue
		}
		if tip, ok := matchTip(factor.FeatureName); ok {
			factorTips = append(factorTips, tip)
		}
	}
	if len(factorTips) == 0 {
		return append([]string(nil), fallbackTips...)
	}

	tips := make([]string, 0, MaxLifestyleTips)
	if prediction == 0 {
		tips = append(tips, maintainHabitsTip)
	}
	tips = append(tips, factorTips...)
	if len(tips) > MaxLifestyleTips {
		tips = tips[:MaxLifestyleTips]
	}
	return tips
}

func matchTip(feature string) (string, bool) {
	name := strings.ToLower(feature)
	for _, rule := range lifestyleRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(name, keyword) {
				return rule.tip, true
			}
		}
	}
	return "", false
}

func subjectName(subject string) string {
	return strings.ReplaceAll(subject, "_", " ")
}
