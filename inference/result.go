package inference

// Disclaimer is attached to every result.
const Disclaimer = "This is a screening tool only. Results do not constitute medical diagnosis. " +
	"Please consult a healthcare professional for proper evaluation."

type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "LOW"
	ConfidenceMedium ConfidenceLevel = "MEDIUM"
	ConfidenceHigh   ConfidenceLevel = "HIGH"
)

// FeatureContribution is one feature's share of a single prediction.
type FeatureContribution struct {
	FeatureName    string  `json:"feature_name"`
	DisplayName    string  `json:"display_name"`
	Value          float64 `json:"value"`
	Contribution   float64 `json:"contribution"`
	Interpretation string  `json:"interpretation"`
}

// PredictionResult is the complete answer to one predict request.
type PredictionResult struct {
	Subject         string                `json:"disease"`
	Prediction      int                   `json:"prediction"`
	Probability     float64               `json:"probability"`
	ConfidenceLevel ConfidenceLevel       `json:"confidence_level"`
	TopFactors      []FeatureContribution `json:"top_factors"`
	Recommendation  string                `json:"recommendation"`
	LifestyleTips   []string              `json:"lifestyle_tips"`
	Disclaimer      string                `json:"disclaimer"`
}

// Comparison is the result of a what-if analysis.
type Comparison struct {
	Original          PredictionResult `json:"original_prediction"`
	Modified          PredictionResult `json:"modified_prediction"`
	ProbabilityChange float64          `json:"probability_change"`
	KeyChanges        []string         `json:"key_changes"`
}
