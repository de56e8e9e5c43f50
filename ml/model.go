package ml

// Artifact file names inside a subject directory.
const (
	ModelFile         = "model.json"
	FallbackModelFile = "model.onnx"
	ExplainerFile     = "explainer.json"
	MetadataFile      = "metadata.json"
)

// DefaultThreshold is the decision boundary used when an artifact does not set one.
const DefaultThreshold = 0.5

// Classifier predicts a binary label (0 or 1) for an ordered feature vector.
type Classifier interface {
	PredictLabel(features []float64) (int, error)
	// Scorer returns nil when the model has no calibrated probability output.
	Scorer() Scorer
}

// Scorer returns the positive-class probability for a feature vector.
type Scorer interface {
	PredictProbability(features []float64) (float64, error)
}

// Explainer attributes a single prediction to its features. The returned
// slice is aligned with the input vector.
type Explainer interface {
	Contributions(features []float64) ([]float64, error)
}

func boundary(threshold float64) float64 {
	if threshold <= 0 || threshold >= 1 {
		return DefaultThreshold
	}
	return threshold
}
