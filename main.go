package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"riskscreen/config"
	"riskscreen/logging"
)

const envPrefix = "RISKSCREEN_"

var (
	name    = "riskscreen"
	version = "v0.0.1-default"
	commit  = ""
)

const (
	configFlag    = "config"
	modelsDirFlag = "models-dir"
	logLevelFlag  = "log-level"
	debugFlag     = "debug"
	auditFlag     = "audit-db"
)

// appState is filled in by the root Before hook and shared by all commands.
type appState struct {
	config *config.Config
	logger *zap.Logger
	closer func() error
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	state := &appState{}
	return &cli.Command{
		Name:    name,
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Usage:   "Explainable disease-risk screening with pre-trained classifiers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlag,
				Usage:   "Path to the YAML configuration file",
				Value:   config.FileName,
				Sources: cli.EnvVars(envPrefix + "CONFIG"),
			},
			&cli.StringFlag{
				Name:    modelsDirFlag,
				Usage:   "Artifact root, one sub-directory per subject (overrides models.dir)",
				Sources: cli.EnvVars(envPrefix + "MODELS_DIR"),
			},
			&cli.StringFlag{
				Name:    logLevelFlag,
				Usage:   "Log level [debug, info, warn, error] (overrides log.level)",
				Sources: cli.EnvVars(envPrefix + "LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    debugFlag,
				Usage:   "Human-readable debug logs",
				Sources: cli.EnvVars(envPrefix + "DEBUG"),
			},
			&cli.StringFlag{
				Name:    auditFlag,
				Usage:   "Path to the SQLite audit database, empty disables it (overrides audit.path)",
				Sources: cli.EnvVars(envPrefix + "AUDIT_DB"),
			},
		},
		Commands: []*cli.Command{
			serveCmd(state),
			predictCmd(state),
			modelsCmd(state),
			trainCmd(state),
			loadsCmd(state),
			configCmd(state),
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, state.setup(cmd)
		},
		After: func(ctx context.Context, cmd *cli.Command) error {
			if state.closer != nil {
				_ = state.closer()
			}
			return nil
		},
	}
}

// setup loads the configuration, applies flag overrides and builds the logger.
func (s *appState) setup(cmd *cli.Command) error {
	path := cmd.String(configFlag)
	cfg, err := config.Load(path, !cmd.IsSet(configFlag))
	if err != nil {
		return err
	}
	if cmd.IsSet(modelsDirFlag) {
		cfg.Models.Dir = cmd.String(modelsDirFlag)
	}
	if cmd.IsSet(logLevelFlag) {
		cfg.Log.Level = cmd.String(logLevelFlag)
	}
	if cmd.Bool(debugFlag) {
		cfg.Log.Level = "debug"
		cfg.Log.Development = true
	}
	if cmd.IsSet(auditFlag) {
		cfg.Audit.Path = cmd.String(auditFlag)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Compress:    cfg.Log.Compress,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	s.config, s.logger, s.closer = cfg, logger, closer
	return nil
}
