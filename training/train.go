package training

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"riskscreen/ml"
	"riskscreen/registry"
)

const (
	DefaultMaxDepth  = 6
	DefaultTestRatio = 0.2
	DefaultSeed      = 42
)

type Options struct {
	Subject string
	// Kind is ml.KindDecisionTree or ml.KindLogisticRegression.
	Kind      string
	Version   string
	MaxDepth  int
	TestRatio float64
	Seed      int64
	Logistic  ml.LogisticOptions
	// ZeroInvalid lists columns where 0 means "not recorded".
	ZeroInvalid  []string
	FeatureNames map[string]string
}

// Result is a trained model ready to be written as artifacts.
type Result struct {
	Model     ml.Classifier
	Explainer ml.Explainer
	Metadata  registry.Metadata
	Metrics   Metrics
}

// Train imputes, splits, fits and evaluates. ds is modified in place by
// imputation.
func Train(ds *Dataset, opts Options, logger *zap.Logger) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Subject == "" {
		return nil, errors.New("subject is required")
	}
	if ds == nil || ds.Len() == 0 {
		return nil, errors.New("dataset is empty")
	}
	if opts.TestRatio == 0 {
		opts.TestRatio = DefaultTestRatio
	}
	if opts.Seed == 0 {
		opts.Seed = DefaultSeed
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Version == "" {
		opts.Version = "1.0"
	}

	if err := ds.Impute(opts.ZeroInvalid); err != nil {
		return nil, err
	}
	train, test := Split(ds, opts.TestRatio, opts.Seed)
	if train.Len() == 0 {
		return nil, errors.New("training split is empty")
	}
	logger.Info("dataset split",
		zap.String("subject", opts.Subject),
		zap.Int("train", train.Len()),
		zap.Int("test", test.Len()))

	var (
		model     ml.Classifier
		explainer ml.Explainer
		modelName string
	)
	switch opts.Kind {
	case ml.KindDecisionTree, "":
		opts.Kind = ml.KindDecisionTree
		tree := ml.NewDecisionTree()
		if err := tree.Train(train.X, train.Y, opts.MaxDepth); err != nil {
			return nil, fmt.Errorf("train decision tree: %w", err)
		}
		model, explainer, modelName = tree, &ml.TreePathExplainer{Tree: tree}, "DecisionTree"
	case ml.KindLogisticRegression:
		lr := &ml.LogisticRegression{}
		if err := lr.Train(train.X, train.Y, opts.Logistic); err != nil {
			return nil, fmt.Errorf("train logistic regression: %w", err)
		}
		model, explainer, modelName = lr, ml.NewLinearExplainer(lr, train.Means()), "LogisticRegression"
	default:
		return nil, fmt.Errorf("unknown model kind %q", opts.Kind)
	}

	metrics := Evaluate(model, test.X, test.Y)
	logger.Info("model evaluated",
		zap.String("subject", opts.Subject),
		zap.String("kind", opts.Kind),
		zap.Float64("accuracy", metrics.Accuracy),
		zap.Float64("precision", metrics.Precision),
		zap.Float64("recall", metrics.Recall),
		zap.Float64("f1", metrics.F1))

	names := make(map[string]string, len(ds.Features))
	for _, f := range ds.Features {
		if n, ok := opts.FeatureNames[f]; ok {
			names[f] = n
		}
	}

	return &Result{
		Model:     model,
		Explainer: explainer,
		Metrics:   metrics,
		Metadata: registry.Metadata{
			ModelName:       modelName,
			Subject:         opts.Subject,
			Version:         opts.Version,
			TrainedAt:       time.Now().UTC().Format(time.RFC3339),
			Features:        append([]string(nil), ds.Features...),
			FeatureNames:    names,
			Metrics:         metrics.Map(),
			TrainingSamples: train.Len(),
			ModelType:       opts.Kind,
		},
	}, nil
}
