// Package inference turns a subject's feature map into a screened, explained
// risk result.
package inference

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"riskscreen/ml"
	"riskscreen/registry"
)

// ModelSource supplies per-subject artifacts. *registry.Registry implements it.
type ModelSource interface {
	Metadata(ctx context.Context, subject string) *registry.Metadata
	Model(ctx context.Context, subject string) (ml.Classifier, error)
	Explainer(ctx context.Context, subject string) (ml.Explainer, bool)
}

// Engine is stateless apart from the shared ModelSource and safe for
// concurrent use.
type Engine struct {
	source ModelSource
	logger *zap.Logger
	tracer trace.Tracer
}

func NewEngine(source ModelSource, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source: source,
		logger: logger.Named("inference"),
		tracer: otel.Tracer("riskscreen/inference"),
	}
}

// Predict screens one feature map. Registry load failures are returned as is
// and no result is produced; explanation failures only empty TopFactors.
func (e *Engine) Predict(ctx context.Context, subject string, features map[string]float64) (result PredictionResult, err error) {
	ctx, span := e.tracer.Start(ctx, "inference.predict", trace.WithAttributes(attribute.String("subject", subject)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	md := e.source.Metadata(ctx, subject)
	model, err := e.source.Model(ctx, subject)
	if err != nil {
		return PredictionResult{}, err
	}

	vector := BuildVector(md.Features, features)
	prediction, err := model.PredictLabel(vector)
	if err != nil {
		return PredictionResult{}, fmt.Errorf("predict %s: %w", subject, err)
	}
	probability, err := positiveProbability(model, vector, prediction)
	if err != nil {
		return PredictionResult{}, fmt.Errorf("predict %s: %w", subject, err)
	}
	if model.Scorer() != nil && (prediction == 1) != (probability >= ml.DefaultThreshold) {
		e.logger.Warn("label disagrees with probability",
			zap.String("subject", subject),
			zap.Int("prediction", prediction),
			zap.Float64("probability", probability))
	}

	confidence := Confidence(probability)
	factors := e.explain(ctx, subject, vector, md)

	result = PredictionResult{
		Subject:         subject,
		Prediction:      prediction,
		Probability:     probability,
		ConfidenceLevel: confidence,
		TopFactors:      factors,
		Recommendation:  Recommendation(prediction, confidence, subject),
		LifestyleTips:   LifestyleTips(factors, prediction),
		Disclaimer:      Disclaimer,
	}

	span.SetAttributes(
		attribute.Int("prediction", prediction),
		attribute.Float64("probability", probability),
		attribute.String("confidence", string(confidence)))
	e.logger.Info("prediction",
		zap.String("subject", subject),
		zap.Int("prediction", prediction),
		zap.Float64("probability", probability),
		zap.String("confidence", string(confidence)),
		zap.Int("factors", len(factors)))
	return result, nil
}

// Compare predicts both maps and lists every shared feature whose value
// changed, in the subject's feature order followed by other shared keys in
// lexical order.
func (e *Engine) Compare(ctx context.Context, subject string, original, modified map[string]float64) (Comparison, error) {
	ctx, span := e.tracer.Start(ctx, "inference.compare", trace.WithAttributes(attribute.String("subject", subject)))
	defer span.End()

	var before, after PredictionResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		before, err = e.Predict(gctx, subject, original)
		return err
	})
	g.Go(func() error {
		var err error
		after, err = e.Predict(gctx, subject, modified)
		return err
	})
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Comparison{}, err
	}

	md := e.source.Metadata(ctx, subject)
	changes := []string{}
	for _, name := range comparisonOrder(md.Features, original, modified) {
		oldValue, newValue := original[name], modified[name]
		if oldValue == newValue {
			continue
		}
		changes = append(changes, fmt.Sprintf("%s: %s → %s", titleCase(name), formatValue(oldValue), formatValue(newValue)))
	}
	span.SetAttributes(attribute.Int("changes", len(changes)))

	return Comparison{
		Original:          before,
		Modified:          after,
		ProbabilityChange: after.Probability - before.Probability,
		KeyChanges:        changes,
	}, nil
}

// BuildVector lays out features in metadata order; absent names become 0.
func BuildVector(order []string, features map[string]float64) []float64 {
	vector := make([]float64, len(order))
	for i, name := range order {
		vector[i] = features[name]
	}
	return vector
}

func (e *Engine) explain(ctx context.Context, subject string, vector []float64, md *registry.Metadata) []FeatureContribution {
	explainer, ok := e.source.Explainer(ctx, subject)
	if !ok {
		e.logger.Warn("no explainer, returning prediction without factors", zap.String("subject", subject))
		return []FeatureContribution{}
	}
	factors, err := RankContributions(explainer, vector, md)
	if err != nil {
		e.logger.Error("computing contributions failed", zap.String("subject", subject), zap.Error(err))
		return []FeatureContribution{}
	}
	return factors
}

// positiveProbability falls back to the label itself when the model has no
// probability output, which collapses confidence to the extremes.
func positiveProbability(model ml.Classifier, vector []float64, label int) (float64, error) {
	scorer := model.Scorer()
	if scorer == nil {
		return float64(label), nil
	}
	p, err := scorer.PredictProbability(vector)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(p) {
		return 0, fmt.Errorf("model returned NaN probability")
	}
	return math.Min(1, math.Max(0, p)), nil
}

func comparisonOrder(features []string, original, modified map[string]float64) []string {
	seen := make(map[string]bool, len(features))
	order := make([]string, 0, len(original))
	for _, name := range features {
		seen[name] = true
		if hasKey(original, name) && hasKey(modified, name) {
			order = append(order, name)
		}
	}
	var extra []string
	for name := range original {
		if !seen[name] && hasKey(modified, name) {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(order, extra...)
}

func hasKey(m map[string]float64, key string) bool {
	_, ok := m[key]
	return ok
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
