package registry

import (
	"encoding/json"
	"time"
)

const (
	defaultModelName = "unknown"
	defaultVersion   = "1.0"
	defaultTrainedAt = "unknown"
	defaultModelType = "tabular"
)

// Metadata describes a trained model. Features is authoritative for the
// layout of the feature vector.
type Metadata struct {
	ModelName       string             `json:"model_name"`
	Subject         string             `json:"disease"`
	Version         string             `json:"version"`
	TrainedAt       string             `json:"trained_at"`
	Features        []string           `json:"features"`
	FeatureNames    map[string]string  `json:"feature_names"`
	Metrics         map[string]float64 `json:"metrics"`
	ClinicalRanges  json.RawMessage    `json:"clinical_ranges,omitempty"`
	TrainingSamples int                `json:"training_samples"`
	ModelType       string             `json:"model_type"`
}

// DefaultMetadata is what a subject without a readable descriptor gets.
func DefaultMetadata(subject string) *Metadata {
	md := &Metadata{Subject: subject}
	md.applyDefaults(subject)
	return md
}

func parseMetadata(subject string, payload []byte) (*Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(payload, &md); err != nil {
		return nil, err
	}
	md.applyDefaults(subject)
	return &md, nil
}

func (m *Metadata) applyDefaults(subject string) {
	if m.ModelName == "" {
		m.ModelName = defaultModelName
	}
	if m.Subject == "" {
		m.Subject = subject
	}
	if m.Version == "" {
		m.Version = defaultVersion
	}
	if m.TrainedAt == "" {
		m.TrainedAt = defaultTrainedAt
	}
	if m.Features == nil {
		m.Features = []string{}
	}
	if m.FeatureNames == nil {
		m.FeatureNames = map[string]string{}
	}
	if m.Metrics == nil {
		m.Metrics = map[string]float64{}
	}
	if m.ModelType == "" {
		m.ModelType = defaultModelType
	}
}

// TrainedTime parses TrainedAt, accepting RFC 3339 and the zone-less ISO form
// written by older training runs.
func (m *Metadata) TrainedTime() (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, m.TrainedAt); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
