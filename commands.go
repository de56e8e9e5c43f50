package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"riskscreen/config"
	"riskscreen/inference"
	"riskscreen/ml"
	"riskscreen/registry"
	"riskscreen/store"
	"riskscreen/training"
)

const loadsLimitDefault = 20

const (
	featureFlag  = "feature"
	inputFlag    = "input"
	modifiedFlag = "what-if"

	dataFlag        = "data"
	subjectFlag     = "subject"
	targetFlag      = "target"
	kindFlag        = "kind"
	columnsFlag     = "columns"
	zeroInvalidFlag = "zero-invalid"
	displayNameFlag = "display-name"
	versionFlag     = "model-version"
	maxDepthFlag    = "max-depth"
	testRatioFlag   = "test-ratio"
	seedFlag        = "seed"
	epochsFlag      = "epochs"

	limitFlag    = "limit"
	trainingFlag = "training"

	forceFlag = "force"
)

func predictCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:      "predict",
		Usage:     "Screen one patient against a subject's model",
		ArgsUsage: "<subject>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    featureFlag,
				Aliases: []string{"f"},
				Usage:   "Feature value as name=value, repeatable",
			},
			&cli.StringFlag{
				Name:  inputFlag,
				Usage: "JSON file holding a name→value feature object",
			},
			&cli.StringSliceFlag{
				Name:  modifiedFlag,
				Usage: "Modified feature value as name=value; compares against --feature",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			subject := cmd.Args().First()
			if subject == "" {
				return errors.New("subject argument is required")
			}
			features, err := readFeatures(cmd.String(inputFlag), cmd.StringSlice(featureFlag))
			if err != nil {
				return err
			}

			reg, err := state.registry(nil)
			if err != nil {
				return err
			}
			engine := inference.NewEngine(reg, state.logger)

			if modified := cmd.StringSlice(modifiedFlag); len(modified) > 0 {
				changed, err := parseAssignments(modified)
				if err != nil {
					return err
				}
				after := make(map[string]float64, len(features)+len(changed))
				for k, v := range features {
					after[k] = v
				}
				for k, v := range changed {
					after[k] = v
				}
				cmp, err := engine.Compare(ctx, subject, features, after)
				if err != nil {
					return err
				}
				return printJSON(cmd.Root().Writer, cmp)
			}

			result, err := engine.Predict(ctx, subject, features)
			if err != nil {
				return err
			}
			return printJSON(cmd.Root().Writer, result)
		},
	}
}

type modelListing struct {
	Subject   string             `json:"subject"`
	ModelName string             `json:"model_name"`
	Version   string             `json:"version"`
	TrainedAt string             `json:"trained_at,omitempty"`
	Features  []string           `json:"features"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Status    string             `json:"status"`
	Error     string             `json:"error,omitempty"`
}

func modelsCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "List subjects under the artifact root and check each model loads",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			reg, err := state.registry(nil)
			if err != nil {
				return err
			}
			listings := make([]modelListing, 0)
			for _, subject := range reg.Subjects() {
				md := reg.Metadata(ctx, subject)
				l := modelListing{
					Subject:   subject,
					ModelName: md.ModelName,
					Version:   md.Version,
					TrainedAt: md.TrainedAt,
					Features:  md.Features,
					Metrics:   md.Metrics,
					Status:    "ready",
				}
				if _, err := reg.Model(ctx, subject); err != nil {
					l.Status, l.Error = "model_not_loaded", err.Error()
				}
				listings = append(listings, l)
			}
			return printJSON(cmd.Root().Writer, listings)
		},
	}
}

func trainCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "train",
		Usage: "Train a model from CSV and write its artifacts under the models dir",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     dataFlag,
				Usage:    "Labelled CSV file with a header row",
				Required: true,
			},
			&cli.StringFlag{
				Name:     subjectFlag,
				Usage:    "Subject id the artifacts are written under",
				Required: true,
			},
			&cli.StringFlag{
				Name:  targetFlag,
				Usage: "Name of the 0/1 label column",
				Value: "target",
			},
			&cli.StringFlag{
				Name:  kindFlag,
				Usage: fmt.Sprintf("Model kind [%s, %s]", ml.KindDecisionTree, ml.KindLogisticRegression),
				Value: ml.KindDecisionTree,
			},
			&cli.StringSliceFlag{
				Name:  columnsFlag,
				Usage: "Feature columns in model order (default: every non-target column)",
			},
			&cli.StringSliceFlag{
				Name:  zeroInvalidFlag,
				Usage: "Columns where 0 means not recorded and is imputed",
			},
			&cli.StringSliceFlag{
				Name:  displayNameFlag,
				Usage: "Human label for a feature as name=label, repeatable",
			},
			&cli.StringFlag{
				Name:  versionFlag,
				Usage: "Version recorded in metadata.json",
				Value: "1.0",
			},
			&cli.IntFlag{
				Name:  maxDepthFlag,
				Usage: "Decision tree depth limit",
				Value: training.DefaultMaxDepth,
			},
			&cli.FloatFlag{
				Name:  testRatioFlag,
				Usage: "Share of each class held out for evaluation",
				Value: training.DefaultTestRatio,
			},
			&cli.IntFlag{
				Name:  seedFlag,
				Usage: "Shuffle seed for the train/test split",
				Value: training.DefaultSeed,
			},
			&cli.IntFlag{
				Name:  epochsFlag,
				Usage: "Gradient descent epochs for logistic regression",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			names, err := parseLabels(cmd.StringSlice(displayNameFlag))
			if err != nil {
				return err
			}

			f, err := os.Open(cmd.String(dataFlag))
			if err != nil {
				return err
			}
			ds, err := training.LoadCSV(f, cmd.String(targetFlag), cmd.StringSlice(columnsFlag))
			f.Close()
			if err != nil {
				return fmt.Errorf("loading %s: %w", cmd.String(dataFlag), err)
			}

			res, err := training.Train(ds, training.Options{
				Subject:      cmd.String(subjectFlag),
				Kind:         cmd.String(kindFlag),
				Version:      cmd.String(versionFlag),
				MaxDepth:     int(cmd.Int(maxDepthFlag)),
				TestRatio:    cmd.Float(testRatioFlag),
				Seed:         int64(cmd.Int(seedFlag)),
				Logistic:     ml.LogisticOptions{Epochs: int(cmd.Int(epochsFlag))},
				ZeroInvalid:  cmd.StringSlice(zeroInvalidFlag),
				FeatureNames: names,
			}, state.logger)
			if err != nil {
				return err
			}

			dir, err := training.WriteArtifacts(state.config.Models.Dir, res)
			if err != nil {
				return err
			}
			state.logger.Info("artifacts written", zap.String("dir", dir))

			if state.config.Audit.Path != "" {
				if err := recordTraining(ctx, state, res); err != nil {
					state.logger.Warn("training log not recorded", zap.Error(err))
				}
			}
			return printJSON(cmd.Root().Writer, res.Metadata)
		},
	}
}

func recordTraining(ctx context.Context, state *appState, res *training.Result) error {
	s, err := store.Open(state.config.Audit.Path, state.logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.SaveTrainingLog(ctx, store.TrainingLog{
		Subject:    res.Metadata.Subject,
		ModelType:  res.Metadata.ModelType,
		Accuracy:   res.Metrics.Accuracy,
		Precision:  res.Metrics.Precision,
		Recall:     res.Metrics.Recall,
		F1:         res.Metrics.F1,
		TrainedAt:  time.Now().UTC(),
		DataPoints: res.Metadata.TrainingSamples,
	})
}

func loadsCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:      "loads",
		Usage:     "Show recent model load events or training runs from the audit store",
		ArgsUsage: "[subject]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  limitFlag,
				Usage: "Limits number of records returned",
				Value: loadsLimitDefault,
			},
			&cli.BoolFlag{
				Name:  trainingFlag,
				Usage: "List training runs instead of model loads",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if state.config.Audit.Path == "" {
				return errors.New("audit store is disabled")
			}
			s, err := store.Open(state.config.Audit.Path, state.logger)
			if err != nil {
				return err
			}
			defer s.Close()

			if cmd.Bool(trainingFlag) {
				logs, err := s.LoadTrainingLog(ctx, cmd.Args().First())
				if err != nil {
					return err
				}
				return printJSON(cmd.Root().Writer, logs)
			}
			records, err := s.Recent(ctx, int(cmd.Int(limitFlag)))
			if err != nil {
				return err
			}
			return printJSON(cmd.Root().Writer, records)
		},
	}
}

func configCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:      "config",
		Usage:     "Write the effective configuration, flag overrides applied, as YAML",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  forceFlag,
				Usage: "Overwrite an existing file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				path = config.FileName
			}
			if _, err := os.Stat(path); err == nil && !cmd.Bool(forceFlag) {
				return fmt.Errorf("%s already exists, use --%s to overwrite", path, forceFlag)
			}
			if err := config.Save(path, state.config); err != nil {
				return err
			}
			state.logger.Info("configuration written", zap.String("path", path))
			return nil
		},
	}
}

// registry builds a registry over the configured artifact root.
func (s *appState) registry(listeners []registry.Listener) (*registry.Registry, error) {
	return registry.New(registry.Options{
		Root:        s.config.Models.Dir,
		CacheSize:   s.config.Models.CacheSize,
		LoadTimeout: s.config.Models.LoadTimeout,
		Logger:      s.logger,
		Listeners:   listeners,
	})
}

// readFeatures merges an optional JSON object file with name=value pairs;
// pairs win.
func readFeatures(path string, pairs []string) (map[string]float64, error) {
	features := make(map[string]float64)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &features); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	}
	assigned, err := parseAssignments(pairs)
	if err != nil {
		return nil, err
	}
	for k, v := range assigned {
		features[k] = v
	}
	return features, nil
}

func parseAssignments(pairs []string) (map[string]float64, error) {
	labels, err := parseLabels(pairs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(labels))
	for k, raw := range labels {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func parseLabels(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected name=value, got %q", pair)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
