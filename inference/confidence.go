package inference

import "math"

// Fixed distances from the 0.5 midpoint. They are not tuned per subject.
const (
	highConfidenceDistance   = 0.3
	mediumConfidenceDistance = 0.15
)

// Confidence buckets a calibrated probability by its distance from 0.5:
// HIGH at p <= 0.2 or p >= 0.8, MEDIUM down to 0.15 away, LOW otherwise.
// The comparison is on the raw distance, so values just inside an edge stay
// in the lower band.
func Confidence(probability float64) ConfidenceLevel {
	d := math.Abs(probability - 0.5)
	switch {
	case d >= highConfidenceDistance:
		return ConfidenceHigh
	case d >= mediumConfidenceDistance:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
