package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-security/kestrel/internal/auth"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/explain"
	"github.com/opensource-security/kestrel/internal/metrics"
	"github.com/opensource-security/kestrel/internal/pipeline"
	"github.com/opensource-security/kestrel/internal/predict"
	"github.com/opensource-security/kestrel/internal/repository"
	"github.com/opensource-security/kestrel/internal/rules"
	"github.com/opensource-security/kestrel/internal/stats"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	predictor *predict.Service
	explainer *explain.Service
	pipeline  *pipeline.Pipeline
	engine    *rules.Engine
	tracker   *stats.Tracker
	users     *auth.FileStore
	tokens    *auth.TokenManager
	metrics   *metrics.Metrics
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, predictor *predict.Service, explainer *explain.Service, p *pipeline.Pipeline, engine *rules.Engine, tracker *stats.Tracker, users *auth.FileStore, tokens *auth.TokenManager, m *metrics.Metrics, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		predictor: predictor,
		explainer: explainer,
		pipeline:  p,
		engine:    engine,
		tracker:   tracker,
		users:     users,
		tokens:    tokens,
		metrics:   m,
		version:   version,
	}
}

// PredictResponse is the response for POST /predict.
type PredictResponse struct {
	DetectionID   string                   `json:"detectionId"`
	Prediction    string                   `json:"prediction"`
	Confidence    float64                  `json:"confidence"`
	Probabilities map[string]float64       `json:"probabilities"`
	ThreatLevel   domain.ThreatLevel       `json:"threatLevel"`
	IsAttack      bool                     `json:"isAttack"`
	Alerted       bool                     `json:"alerted"`
	AlertReasons  []string                 `json:"alertReasons,omitempty"`
	Metadata      domain.DetectionMetadata `json:"metadata"`
}

// Predict handles POST /predict requests. The flow runs through the
// full detection pipeline, so predictions here are persisted and
// published exactly like ones ingested from the bus.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := GetTraceID(ctx)

	var req domain.FlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	det, err := h.pipeline.Process(ctx, &req, traceID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PredictResponse{
		DetectionID:   det.ID,
		Prediction:    det.Prediction,
		Confidence:    det.Confidence,
		Probabilities: det.Probabilities,
		ThreatLevel:   det.ThreatLevel,
		IsAttack:      det.Prediction != domain.LabelBenign,
		Alerted:       det.Alerted,
		AlertReasons:  det.AlertReasons,
		Metadata:      det.Metadata,
	})
}

// PredictBatch handles POST /predict/batch requests. Batch items are
// scored only; they skip rules, persistence, and publishing.
func (h *Handler) PredictBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Flows) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "flows list cannot be empty",
		})
		return
	}

	vectors := make([]domain.FeatureVector, len(req.Flows))
	for i, flow := range req.Flows {
		vectors[i] = flow.Features
	}

	results := h.predictor.PredictBatch(r.Context(), vectors)
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// PredictDetails handles POST /predict/details requests.
func (h *Handler) PredictDetails(w http.ResponseWriter, r *http.Request) {
	var req domain.FlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	details, err := h.predictor.PredictDetails(r.Context(), req.Features)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, details)
}

// Explain handles POST /explain requests. The optional top_n query
// parameter bounds the ranked attribution list.
func (h *Handler) Explain(w http.ResponseWriter, r *http.Request) {
	var req domain.FlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	topN := explain.DefaultTopN
	if v := r.URL.Query().Get("top_n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "top_n must be a positive integer",
			})
			return
		}
		topN = n
	}

	explanation, err := h.explainer.Explain(r.Context(), req.Features, topN)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ExplanationsTotal.Inc()
	}

	writeJSON(w, http.StatusOK, explanation)
}

// ExplainSummary handles POST /explain/summary requests, returning a
// plain-language reading of the top attributions.
func (h *Handler) ExplainSummary(w http.ResponseWriter, r *http.Request) {
	var req domain.FlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	summary, factors, err := h.explainer.Summary(r.Context(), req.Features, explain.DefaultTopN)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ExplanationsTotal.Inc()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"summary": summary,
		"factors": factors,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	info := h.predictor.Info()
	if !info.Loaded {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"version":       h.version,
		"model_loaded":  info.Loaded,
		"model_type":    info.ModelType,
		"feature_count": info.FeatureCount,
	})
}

// Ready returns whether the server is ready to accept traffic. The
// model must be loaded: responding 503 here keeps load balancers from
// routing flows at a node that cannot score them.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.predictor.Info().Loaded {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": "model not loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ModelInfo returns metadata about the loaded model.
func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.predictor.Info())
}

// ReloadModelRequest is the request body for POST /model/reload.
type ReloadModelRequest struct {
	ModelPath        string `json:"modelPath"`
	PreprocessorPath string `json:"preprocessorPath"`
}

// ReloadModel swaps the serving model for freshly validated artifacts.
// The current model keeps serving if the new one fails to load.
func (h *Handler) ReloadModel(w http.ResponseWriter, r *http.Request) {
	var req ReloadModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.ModelPath == "" || req.PreprocessorPath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "modelPath and preprocessorPath are required",
		})
		return
	}

	if err := h.predictor.Reload(req.ModelPath, req.PreprocessorPath); err != nil {
		slog.Error("model reload failed", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "model reload failed: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "model reloaded",
		"model":   h.predictor.Info(),
	})
}

// GetDetection retrieves a detection by ID.
func (h *Handler) GetDetection(w http.ResponseWriter, r *http.Request) {
	detID := chi.URLParam(r, "id")
	if detID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "detection id is required",
		})
		return
	}
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	det, err := h.repo.GetDetection(r.Context(), detID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, det)
}

// ListDetections returns recent detections, optionally filtered by
// source IP via the source query parameter.
func (h *Handler) ListDetections(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}
	ctx := r.Context()

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	var (
		detections []*domain.Detection
		err        error
	)
	if source := r.URL.Query().Get("source"); source != "" {
		since := time.Now().Add(-24 * time.Hour)
		detections, err = h.repo.ListDetectionsBySource(ctx, source, since)
	} else {
		detections, err = h.repo.ListDetections(ctx, limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"detections": detections,
		"count":      len(detections),
	})
}

// Stats returns windowed detection counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "stats not available",
		})
		return
	}
	writeJSON(w, http.StatusOK, h.tracker.Snapshot())
}

// ListRules returns all rules loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.LoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, rule := range h.engine.LoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Expression  string            `json:"expression"`
	Threshold   float64           `json:"threshold,omitempty"`
	Action      domain.RuleAction `json:"action"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule validates, persists, and loads a new alert rule. The CEL
// expression is compiled before anything is written, so a bad rule
// never reaches the database or the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	action := req.Action
	if action == "" {
		action = domain.ActionAlert
	}
	if action != domain.ActionAlert && action != domain.ActionSuppress {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "action must be alert or suppress",
		})
		return
	}

	rule := &domain.AlertRule{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Threshold:   req.Threshold,
		Action:      action,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveAlertRule(ctx, rule); err != nil {
			slog.Error("failed to save alert rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	if rule.Enabled {
		if err := h.engine.LoadRule(rule); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to load rule: " + err.Error(),
			})
			return
		}
	}

	slog.Info("alert rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, rule)
}

// DeleteRule removes a rule from the repository and unloads it.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.DeleteAlertRule(r.Context(), ruleID); err != nil {
			writeError(w, err)
			return
		}
	}
	h.engine.RemoveRule(ruleID)

	slog.Info("alert rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// ReloadRules reloads all rules from the repository into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	stored, err := h.repo.ListAlertRules(ctx)
	if err != nil {
		slog.Error("failed to list alert rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from repository",
		})
		return
	}

	if err := h.engine.ReloadRules(stored); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("alert rules reloaded", "count", h.engine.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}

// RegisterRequest is the request body for POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

// Register creates a new operator account.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if h.users == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "authentication not enabled",
		})
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	user, err := h.users.Register(req.Email, req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidEmail):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			slog.Error("registration failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registration failed"})
		}
		return
	}

	slog.Info("user registered", "email", user.Email)
	writeJSON(w, http.StatusCreated, map[string]string{
		"email":    user.Email,
		"username": user.Username,
	})
}

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates an operator and issues a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if h.users == nil || h.tokens == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "authentication not enabled",
		})
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	user, err := h.users.Authenticate(req.Email, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "invalid credentials",
		})
		return
	}

	token, expiresAt, err := h.tokens.Issue(user.Email, user.Username)
	if err != nil {
		slog.Error("token issuance failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to issue token",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expiresAt.Unix(),
		"username":  user.Username,
	})
}

// writeError maps service errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrEmptyFeatures),
		errors.Is(err, domain.ErrFeatureMismatch),
		errors.Is(err, repository.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrModelNotLoaded):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
