// Package api provides the HTTP serving layer: routing, middleware,
// and request handlers for prediction, explanation, and administration.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-security/kestrel/internal/auth"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/explain"
	"github.com/opensource-security/kestrel/internal/metrics"
	"github.com/opensource-security/kestrel/internal/pipeline"
	"github.com/opensource-security/kestrel/internal/predict"
	"github.com/opensource-security/kestrel/internal/rules"
	"github.com/opensource-security/kestrel/internal/stats"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// Deps bundles the components the server wires into its handlers.
// Optional fields (repo, cache, bus, tracker, metrics, users, tokens)
// may be nil; the corresponding endpoints degrade or 503.
type Deps struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Predictor *predict.Service
	Explainer *explain.Service
	Pipeline  *pipeline.Pipeline
	Engine    *rules.Engine
	Tracker   *stats.Tracker
	Metrics   *metrics.Metrics
	Users     *auth.FileStore
	Tokens    *auth.TokenManager
	Version   string
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps.Repo, deps.Cache, deps.Bus, deps.Predictor, deps.Explainer, deps.Pipeline, deps.Engine, deps.Tracker, deps.Users, deps.Tokens, deps.Metrics, deps.Version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health and observability endpoints (never behind auth)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics.Handler())
	}

	// Account endpoints
	router.Post("/auth/register", handler.Register)
	router.Post("/auth/login", handler.Login)

	// Scoring endpoints
	router.Post("/predict", handler.Predict)
	router.Post("/predict/batch", handler.PredictBatch)
	router.Post("/predict/details", handler.PredictDetails)
	router.Post("/explain", handler.Explain)
	router.Post("/explain/summary", handler.ExplainSummary)

	// Detection retrieval
	router.Get("/detections", handler.ListDetections)
	router.Get("/detections/{id}", handler.GetDetection)
	router.Get("/stats", handler.Stats)

	// Model and rule administration. Token-protected when auth is
	// configured; AuthMiddleware is a no-op otherwise.
	router.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(deps.Tokens))

		r.Get("/model", handler.ModelInfo)
		r.Post("/model/reload", handler.ReloadModel)

		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Delete("/rules/{id}", handler.DeleteRule)
		r.Post("/rules/reload", handler.ReloadRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
