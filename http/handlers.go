package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"riskscreen/registry"
)

const defaultLoadLimit = 50

type handlers struct {
	deps   Deps
	logger *zap.Logger
}

func (h *handlers) register(mux *http.ServeMux, config ServerConfig) {
	mux.HandleFunc("GET /api/v1/health", h.handleHealth)
	mux.HandleFunc("GET /api/v1/models", h.handleModels)
	mux.HandleFunc("GET /api/v1/models/{subject}", h.handleModelInfo)
	mux.HandleFunc("POST /api/v1/models/{subject}/predict", h.handlePredict)
	mux.HandleFunc("POST /api/v1/models/{subject}/what-if", h.handleWhatIf)

	admin := func(next http.HandlerFunc) http.Handler {
		if config.AdminToken == "" {
			return next
		}
		return AuthMiddleware(h.logger, StaticToken(config.AdminToken))(next)
	}
	mux.Handle("POST /api/v1/admin/reload", admin(h.handleReload))
	mux.Handle("GET /api/v1/admin/loads", admin(h.handleLoads))
	mux.Handle("GET /api/v1/admin/metrics", admin(h.handleMetrics))

	if h.deps.Events != nil {
		mux.Handle("GET /api/v1/events", h.deps.Events)
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type predictRequest struct {
	Features map[string]float64 `json:"features"`
}

type whatIfRequest struct {
	OriginalInputs map[string]float64 `json:"original_inputs"`
	ModifiedInputs map[string]float64 `json:"modified_inputs"`
}

type modelSummary struct {
	Subject      string `json:"disease"`
	ModelName    string `json:"model_name"`
	Version      string `json:"version"`
	TrainedAt    string `json:"trained_at"`
	ModelType    string `json:"model_type"`
	FeatureCount int    `json:"feature_count"`
}

type modelInfo struct {
	Subject             string             `json:"disease"`
	Status              string             `json:"status"`
	Message             string             `json:"message,omitempty"`
	ModelName           string             `json:"model_name"`
	ModelVersion        string             `json:"model_version"`
	TrainedAt           string             `json:"trained_at"`
	ModelType           string             `json:"model_type"`
	Features            []string           `json:"features"`
	FeatureDescriptions map[string]string  `json:"feature_descriptions"`
	Metrics             map[string]float64 `json:"metrics"`
	ClinicalRanges      json.RawMessage    `json:"clinical_ranges,omitempty"`
	TrainingSamples     int                `json:"training_samples"`
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.logger, http.StatusOK, map[string]string{
		"status":   "healthy",
		"app_name": "riskscreen",
		"version":  h.deps.Version,
	})
}

func (h *handlers) handleModels(w http.ResponseWriter, r *http.Request) {
	subjects := h.deps.Registry.Subjects()
	models := make([]modelSummary, 0, len(subjects))
	for _, subject := range subjects {
		md := h.deps.Registry.Metadata(r.Context(), subject)
		models = append(models, modelSummary{
			Subject:      subject,
			ModelName:    md.ModelName,
			Version:      md.Version,
			TrainedAt:    md.TrainedAt,
			ModelType:    md.ModelType,
			FeatureCount: len(md.Features),
		})
	}
	respondJSON(w, h.logger, http.StatusOK, map[string]any{"models": models})
}

func (h *handlers) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	md := h.deps.Registry.Metadata(r.Context(), subject)

	info := modelInfo{
		Subject:             subject,
		Status:              "ready",
		ModelName:           md.ModelName,
		ModelVersion:        md.Version,
		TrainedAt:           md.TrainedAt,
		ModelType:           md.ModelType,
		Features:            md.Features,
		FeatureDescriptions: md.FeatureNames,
		Metrics:             md.Metrics,
		ClinicalRanges:      md.ClinicalRanges,
		TrainingSamples:     md.TrainingSamples,
	}

	if _, err := h.deps.Registry.Model(r.Context(), subject); err != nil {
		if errors.Is(err, registry.ErrModelNotFound) {
			h.writeFailure(w, r, err)
			return
		}
		h.logger.Warn("model info without loadable model", zap.String("subject", subject), zap.Error(err))
		info.Status = "model_not_loaded"
		info.Message = err.Error()
	}
	respondJSON(w, h.logger, http.StatusOK, info)
}

func (h *handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")

	var req predictRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Features == nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request", "features is required")
		return
	}

	start := time.Now()
	result, err := h.deps.Engine.Predict(r.Context(), subject, req.Features)
	h.observe(subject, start, err)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	respondJSON(w, h.logger, http.StatusOK, map[string]any{
		"result": result,
		"inputs": req.Features,
	})
}

func (h *handlers) handleWhatIf(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")

	var req whatIfRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.OriginalInputs == nil || req.ModifiedInputs == nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request", "original_inputs and modified_inputs are required")
		return
	}

	start := time.Now()
	cmp, err := h.deps.Engine.Compare(r.Context(), subject, req.OriginalInputs, req.ModifiedInputs)
	h.observe(subject, start, err)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	respondJSON(w, h.logger, http.StatusOK, cmp)
}

func (h *handlers) handleReload(w http.ResponseWriter, r *http.Request) {
	h.deps.Registry.ClearCache()
	h.logger.Info("model cache cleared", zap.String("request_id", GetRequestID(r.Context())))
	respondJSON(w, h.logger, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *handlers) handleLoads(w http.ResponseWriter, r *http.Request) {
	if h.deps.Audit == nil {
		writeError(w, h.logger, http.StatusNotFound, "audit log disabled", "")
		return
	}

	limit := defaultLoadLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		l, err := strconv.Atoi(s)
		if err != nil || l <= 0 {
			writeError(w, h.logger, http.StatusBadRequest, "invalid limit", s)
			return
		}
		limit = l
	}

	records, err := h.deps.Audit.Recent(r.Context(), limit)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	respondJSON(w, h.logger, http.StatusOK, map[string]any{"loads": records})
}

func (h *handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.deps.Metrics == nil {
		writeError(w, h.logger, http.StatusNotFound, "metrics disabled", "")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, h.deps.Metrics.Snapshot())
}

func (h *handlers) observe(subject string, start time.Time, err error) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.ObservePrediction(subject, time.Since(start), err)
	}
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, h.logger, http.StatusRequestEntityTooLarge, "request body too large", "")
			return false
		}
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

// writeFailure maps registry sentinels to status codes; anything unknown is
// a 500 and is logged.
func (h *handlers) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrModelNotFound):
		writeError(w, h.logger, http.StatusNotFound, "model not found", err.Error())
	case errors.Is(err, registry.ErrModelUnavailable):
		h.logger.Error("model unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, h.logger, http.StatusServiceUnavailable, "model unavailable", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, h.logger, http.StatusGatewayTimeout, "request timeout", "")
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err))
		writeError(w, h.logger, http.StatusInternalServerError, "prediction failed", err.Error())
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, msg, detail string) {
	respondJSON(w, logger, status, errorResponse{Error: msg, Detail: detail})
}

func respondJSON(w http.ResponseWriter, logger *zap.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode json response", zap.Error(err))
	}
}
