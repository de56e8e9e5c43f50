// Package http serves the screening API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"riskscreen/inference"
	"riskscreen/metrics"
	"riskscreen/ml"
	"riskscreen/registry"
	"riskscreen/store"
)

type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	AllowedOrigins []string
	MaxBodyBytes   int64
	// AdminToken protects the admin routes when set.
	AdminToken string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8000,
		Timeout:        30 * time.Second,
		AllowedOrigins: []string{"*"},
		MaxBodyBytes:   1 << 20,
	}
}

// Predictor runs screenings. *inference.Engine implements it.
type Predictor interface {
	Predict(ctx context.Context, subject string, features map[string]float64) (inference.PredictionResult, error)
	Compare(ctx context.Context, subject string, original, modified map[string]float64) (inference.Comparison, error)
}

// Catalog exposes the model registry. *registry.Registry implements it.
type Catalog interface {
	Subjects() []string
	Metadata(ctx context.Context, subject string) *registry.Metadata
	Model(ctx context.Context, subject string) (ml.Classifier, error)
	ClearCache()
}

// LoadLog lists recent registry load records. *store.Store implements it.
type LoadLog interface {
	Recent(ctx context.Context, limit int) ([]store.LoadRecord, error)
}

// Observer records request outcomes. *metrics.Collector implements it.
type Observer interface {
	ObservePrediction(subject string, took time.Duration, err error)
	Snapshot() metrics.Snapshot
}

// Deps are the collaborators the handlers call. Audit, Events and Metrics
// are optional.
type Deps struct {
	Engine   Predictor
	Registry Catalog
	Audit    LoadLog
	Events   http.Handler
	Metrics  Observer
	Logger   *zap.Logger
	Version  string
}

type Server struct {
	server *http.Server
	config ServerConfig
	logger *zap.Logger
}

func NewServer(config ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.Named("http")

	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Port),
			Handler:           NewHandler(config, deps),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		config: config,
		logger: logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(config ServerConfig, deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.Named("http")

	mux := http.NewServeMux()
	h := &handlers{deps: deps, logger: logger}
	h.register(mux, config)

	chain := Chain(
		LoggerMiddleware(logger),
		RecoveryMiddleware(logger),
		SecurityHeadersMiddleware,
		CORSMiddleware(config.AllowedOrigins),
		TimeoutMiddleware(config.Timeout),
		RequestSizeMiddleware(config.MaxBodyBytes),
	)
	return chain(mux)
}

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.Addr()))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.logger.Info("shutting down http server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr is the listen address, ":<port>".
func (s *Server) Addr() string {
	return s.server.Addr
}
