package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"riskscreen/inference"
	"riskscreen/metrics"
	"riskscreen/ml"
	"riskscreen/registry"
	"riskscreen/store"
)

type fakeEngine struct {
	err      error
	features map[string]float64
}

func (f *fakeEngine) Predict(_ context.Context, subject string, features map[string]float64) (inference.PredictionResult, error) {
	if f.err != nil {
		return inference.PredictionResult{}, f.err
	}
	f.features = features
	return inference.PredictionResult{
		Subject:         subject,
		Prediction:      1,
		Probability:     0.82,
		ConfidenceLevel: inference.ConfidenceHigh,
		TopFactors:      []inference.FeatureContribution{},
		LifestyleTips:   []string{"tip"},
		Disclaimer:      inference.Disclaimer,
	}, nil
}

func (f *fakeEngine) Compare(ctx context.Context, subject string, original, modified map[string]float64) (inference.Comparison, error) {
	if f.err != nil {
		return inference.Comparison{}, f.err
	}
	return inference.Comparison{ProbabilityChange: -0.2, KeyChanges: []string{"Glucose: 180 → 110"}}, nil
}

type fakeCatalog struct {
	subjects []string
	modelErr error
	cleared  int
}

func (f *fakeCatalog) Subjects() []string { return f.subjects }

func (f *fakeCatalog) Metadata(_ context.Context, subject string) *registry.Metadata {
	md := registry.DefaultMetadata(subject)
	if subject == "diabetes" {
		md.Version = "2.0"
		md.Features = []string{"glucose", "bmi"}
		md.Metrics = map[string]float64{"accuracy": 0.8}
	}
	return md
}

func (f *fakeCatalog) Model(_ context.Context, subject string) (ml.Classifier, error) {
	if f.modelErr != nil {
		return nil, f.modelErr
	}
	if subject != "diabetes" {
		return nil, fmt.Errorf("%w: %s", registry.ErrModelNotFound, subject)
	}
	return &ml.LogisticRegression{}, nil
}

func (f *fakeCatalog) ClearCache() { f.cleared++ }

type fakeAudit struct{ records []store.LoadRecord }

func (f *fakeAudit) Recent(_ context.Context, limit int) ([]store.LoadRecord, error) {
	if limit < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func newTestHandler(t *testing.T, config ServerConfig, deps Deps) http.Handler {
	t.Helper()
	deps.Logger = zaptest.NewLogger(t)
	if deps.Registry == nil {
		deps.Registry = &fakeCatalog{subjects: []string{"diabetes", "heart_disease"}}
	}
	if deps.Engine == nil {
		deps.Engine = &fakeEngine{}
	}
	return NewHandler(config, deps)
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload), w.Body.String())
	return payload
}

func TestHealthHandler(t *testing.T) {
	h := newTestHandler(t, DefaultServerConfig(), Deps{Version: "1.4.0"})

	w := do(t, h, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.4.0", body["version"])
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestModelsHandler(t *testing.T) {
	h := newTestHandler(t, DefaultServerConfig(), Deps{})

	w := do(t, h, http.MethodGet, "/api/v1/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	models := decodeBody(t, w)["models"].([]any)
	require.Len(t, models, 2)
	first := models[0].(map[string]any)
	assert.Equal(t, "diabetes", first["disease"])
	assert.Equal(t, "2.0", first["version"])
	assert.EqualValues(t, 2, first["feature_count"])
}

func TestModelInfoHandler(t *testing.T) {
	catalog := &fakeCatalog{}
	h := newTestHandler(t, DefaultServerConfig(), Deps{Registry: catalog})

	w := do(t, h, http.MethodGet, "/api/v1/models/diabetes", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "2.0", body["model_version"])

	w = do(t, h, http.MethodGet, "/api/v1/models/unknown_disease", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	catalog.modelErr = fmt.Errorf("%w: runtime missing", registry.ErrModelUnavailable)
	w = do(t, h, http.MethodGet, "/api/v1/models/diabetes", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "model_not_loaded", decodeBody(t, w)["status"])
}

func TestPredictHandler(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestHandler(t, DefaultServerConfig(), Deps{Engine: engine})

	w := do(t, h, http.MethodPost, "/api/v1/models/diabetes/predict", `{"features":{"glucose":180,"bmi":35}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	result := body["result"].(map[string]any)
	assert.Equal(t, "diabetes", result["disease"])
	assert.Equal(t, "HIGH", result["confidence_level"])
	assert.Equal(t, inference.Disclaimer, result["disclaimer"])
	assert.Equal(t, map[string]float64{"glucose": 180, "bmi": 35}, engine.features)
	assert.Contains(t, body, "inputs")
}

func TestPredictHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
	}{
		{"bad json", nil, `{"features":`, http.StatusBadRequest},
		{"wrong type", nil, `{"features":{"glucose":"high"}}`, http.StatusBadRequest},
		{"missing features", nil, `{}`, http.StatusBadRequest},
		{"not found", fmt.Errorf("%w: unknown_disease", registry.ErrModelNotFound), `{"features":{}}`, http.StatusNotFound},
		{"unavailable", fmt.Errorf("%w: no runtime", registry.ErrModelUnavailable), `{"features":{}}`, http.StatusServiceUnavailable},
		{"timeout", fmt.Errorf("load: %w", context.DeadlineExceeded), `{"features":{}}`, http.StatusGatewayTimeout},
		{"other", errors.New("model returned NaN probability"), `{"features":{}}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, DefaultServerConfig(), Deps{Engine: &fakeEngine{err: tt.err}})
			w := do(t, h, http.MethodPost, "/api/v1/models/diabetes/predict", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, decodeBody(t, w)["error"])
		})
	}
}

func TestPredictHandlerBodyTooLarge(t *testing.T) {
	config := DefaultServerConfig()
	config.MaxBodyBytes = 16
	h := newTestHandler(t, config, Deps{})

	w := do(t, h, http.MethodPost, "/api/v1/models/diabetes/predict", `{"features":{"glucose":180,"bmi":35}}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestWhatIfHandler(t *testing.T) {
	h := newTestHandler(t, DefaultServerConfig(), Deps{})

	w := do(t, h, http.MethodPost, "/api/v1/models/diabetes/what-if",
		`{"original_inputs":{"glucose":180},"modified_inputs":{"glucose":110}}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.InDelta(t, -0.2, body["probability_change"], 1e-12)
	assert.Equal(t, []any{"Glucose: 180 → 110"}, body["key_changes"])

	w = do(t, h, http.MethodPost, "/api/v1/models/diabetes/what-if", `{"original_inputs":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReloadRequiresToken(t *testing.T) {
	catalog := &fakeCatalog{}
	config := DefaultServerConfig()
	config.AdminToken = "s3cret"
	h := newTestHandler(t, config, Deps{Registry: catalog})

	w := do(t, h, http.MethodPost, "/api/v1/admin/reload", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/admin/reload", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, catalog.cleared)

	w = do(t, h, http.MethodPost, "/api/v1/admin/reload", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, catalog.cleared)
}

func TestLoadsHandler(t *testing.T) {
	audit := &fakeAudit{records: []store.LoadRecord{
		{Subject: "diabetes", Event: "model_loaded", CreatedAt: time.Now()},
		{Subject: "diabetes", Event: "metadata_loaded", CreatedAt: time.Now()},
	}}
	h := newTestHandler(t, DefaultServerConfig(), Deps{Audit: audit})

	w := do(t, h, http.MethodGet, "/api/v1/admin/loads?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["loads"], 1)

	w = do(t, h, http.MethodGet, "/api/v1/admin/loads?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h = newTestHandler(t, DefaultServerConfig(), Deps{})
	w = do(t, h, http.MethodGet, "/api/v1/admin/loads", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsHandler(t *testing.T) {
	collector := metrics.NewCollector(0)
	config := DefaultServerConfig()
	config.AdminToken = "s3cret"
	h := newTestHandler(t, config, Deps{Metrics: collector, Engine: &fakeEngine{err: registry.ErrModelNotFound}})

	w := do(t, h, http.MethodPost, "/api/v1/models/diabetes/predict", `{"features":{"glucose":1}}`)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/admin/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/admin/metrics", "", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Metrics[metrics.PredictionLatency].Count)
	assert.Equal(t, 1, snap.BySubject[metrics.PredictionErrors]["diabetes"].Count)

	h = newTestHandler(t, DefaultServerConfig(), Deps{})
	w = do(t, h, http.MethodGet, "/api/v1/admin/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type brokenWriter struct{ header http.Header }

func (b *brokenWriter) Header() http.Header       { return b.header }
func (b *brokenWriter) WriteHeader(int)           {}
func (b *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestRespondJSONLogsToHandlerLogger(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := NewHandler(DefaultServerConfig(), Deps{
		Registry: &fakeCatalog{subjects: []string{"diabetes"}},
		Logger:   zap.New(core),
	})

	w := &brokenWriter{header: http.Header{}}
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	require.Equal(t, 1, logs.FilterMessage("failed to encode json response").Len())
	assert.Equal(t, "http", logs.All()[0].LoggerName)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, DefaultServerConfig(), Deps{})
	w := do(t, h, http.MethodGet, "/api/v1/models/diabetes/predict", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// TestPredictEndToEnd runs a request through the real registry and engine.
func TestPredictEndToEnd(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "diabetes")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	model := &ml.LogisticRegression{Coefficients: []float64{0.05, 0.1}, Intercept: -9}
	var buf bytes.Buffer
	require.NoError(t, ml.EncodeModel(&buf, model))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ml.ModelFile), buf.Bytes(), 0o600))
	buf.Reset()
	require.NoError(t, ml.EncodeExplainer(&buf, ml.NewLinearExplainer(model, []float64{120, 32})))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ml.ExplainerFile), buf.Bytes(), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ml.MetadataFile),
		[]byte(`{"version":"3.0","features":["glucose","bmi"],"feature_names":{"glucose":"Glucose"}}`), 0o600))

	logger := zaptest.NewLogger(t)
	reg, err := registry.New(registry.Options{Root: root, Logger: logger})
	require.NoError(t, err)
	h := NewHandler(DefaultServerConfig(), Deps{
		Engine:   inference.NewEngine(reg, logger),
		Registry: reg,
		Logger:   logger,
	})

	w := do(t, h, http.MethodPost, "/api/v1/models/diabetes/predict", `{"features":{"glucose":180,"bmi":35}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var payload struct {
		Result inference.PredictionResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	// log-odds = 0.05*180 + 0.1*35 - 9 = 3.5
	assert.InDelta(t, ml.Sigmoid(3.5), payload.Result.Probability, 1e-9)
	assert.Equal(t, 1, payload.Result.Prediction)
	assert.Equal(t, inference.ConfidenceHigh, payload.Result.ConfidenceLevel)
	require.NotEmpty(t, payload.Result.TopFactors)
	assert.Equal(t, "glucose", payload.Result.TopFactors[0].FeatureName)
	assert.Equal(t, "Glucose", payload.Result.TopFactors[0].DisplayName)

	w = do(t, h, http.MethodPost, "/api/v1/models/unknown_disease/predict", `{"features":{"x":1}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
