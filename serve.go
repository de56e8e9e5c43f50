package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"riskscreen/events"
	apihttp "riskscreen/http"
	"riskscreen/inference"
	"riskscreen/metrics"
	"riskscreen/registry"
	"riskscreen/store"
)

const shutdownTimeout = 10 * time.Second

const portFlag = "port"

func serveCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the screening API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    portFlag,
				Usage:   "HTTP listen port (overrides http.port)",
				Sources: cli.EnvVars(envPrefix + "PORT"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.IsSet(portFlag) {
				state.config.HTTP.Port = int(cmd.Int(portFlag))
			}
			return serve(ctx, state)
		},
	}
}

// serve runs the API until SIGINT or SIGTERM. The metrics collector and the
// audit store listen to registry events from the start; the websocket hub is
// attached once the registry exists. The watcher keeps the caches in step
// with the artifact directory.
func serve(ctx context.Context, state *appState) error {
	cfg, logger := state.config, state.logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(metrics.DefaultHistory)
	listeners := []registry.Listener{collector}

	var audit apihttp.LoadLog
	if cfg.Audit.Path != "" {
		s, err := store.Open(cfg.Audit.Path, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		listeners = append(listeners, s)
		audit = s
		logger.Info("audit store opened", zap.String("path", cfg.Audit.Path))
	}

	reg, err := state.registry(listeners)
	if err != nil {
		return err
	}
	engine := inference.NewEngine(reg, logger)

	hub := events.NewHub(logger, cfg.HTTP.AllowedOrigins)
	reg.AddListener(hub)

	server := apihttp.NewServer(apihttp.ServerConfig{
		Port:           cfg.HTTP.Port,
		Timeout:        cfg.HTTP.Timeout,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AdminToken:     cfg.HTTP.AdminToken,
	}, apihttp.Deps{
		Engine:   engine,
		Registry: reg,
		Audit:    audit,
		Events:   hub,
		Metrics:  collector,
		Logger:   logger,
		Version:  version,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	if cfg.Models.Watch {
		watcher, err := registry.NewWatcher(reg, logger)
		if err != nil {
			logger.Warn("hot reload disabled", zap.String("dir", cfg.Models.Dir), zap.Error(err))
		} else {
			g.Go(func() error { return watcher.Run(ctx) })
		}
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	logger.Info("riskscreen started",
		zap.String("version", version),
		zap.String("addr", server.Addr()),
		zap.String("models", cfg.Models.Dir),
		zap.Strings("subjects", reg.Subjects()))

	err = g.Wait()
	logger.Info("riskscreen stopped")
	return err
}
