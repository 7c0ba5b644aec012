// Kestrel - Explainable network intrusion detection.
// Copyright (c) 2025 opensource.security
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-security/kestrel/internal/api"
	"github.com/opensource-security/kestrel/internal/auth"
	"github.com/opensource-security/kestrel/internal/bus"
	"github.com/opensource-security/kestrel/internal/cache"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/explain"
	"github.com/opensource-security/kestrel/internal/metrics"
	"github.com/opensource-security/kestrel/internal/model"
	"github.com/opensource-security/kestrel/internal/pipeline"
	"github.com/opensource-security/kestrel/internal/predict"
	"github.com/opensource-security/kestrel/internal/repository"
	"github.com/opensource-security/kestrel/internal/rules"
	"github.com/opensource-security/kestrel/internal/stats"
	"github.com/opensource-security/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration first: the log level depends on it.
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
	}
	cfg.LoadFromEnv()

	logLevel := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"feature_mode", cfg.FeatureMode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Model artifacts
	bundle, err := model.Load(cfg.Model.ModelPath, cfg.Model.PreprocessorPath)
	if err != nil {
		slog.Error("failed to load model artifacts", "error", err)
		os.Exit(1)
	}
	info := bundle.Info()
	slog.Info("model loaded",
		"model_type", info.ModelType,
		"trees", info.TreeCount,
		"features", info.FeatureCount,
		"classes", len(info.Classes),
	)

	// Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Detection stats, backing the recent_detections rule variable
	tracker := stats.NewTracker(cacheImpl, stats.DefaultWindow)

	// Rule engine
	engine, err := rules.NewEngine(tracker.RecentBySource, 100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	if err := loadRules(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Prediction and explanation services
	predictor := predict.NewService(bundle, cacheImpl, cfg.FeatureMode)
	explainer := explain.NewService(predictor)

	// Metrics
	m := metrics.New()

	// Detection pipeline
	p := pipeline.New(predictor, engine, repo, busImpl, tracker, m, Version)

	// Async worker consuming ingested flows from the bus
	asyncWorker := worker.NewWorker(busImpl, p)
	if err := asyncWorker.Start(); err != nil {
		slog.Error("failed to start async worker", "error", err)
		os.Exit(1)
	}

	// Authentication (optional)
	var userStore *auth.FileStore
	var tokens *auth.TokenManager
	if cfg.Auth.Enabled {
		userStore, err = auth.NewFileStore(cfg.Auth.UsersPath)
		if err != nil {
			slog.Error("failed to initialize user store", "error", err)
			os.Exit(1)
		}
		tokens, err = auth.NewTokenManager(cfg.Auth.Secret, time.Duration(cfg.Auth.TokenTTL)*time.Second)
		if err != nil {
			slog.Error("failed to initialize token manager", "error", err)
			os.Exit(1)
		}
		slog.Info("authentication enabled", "users_path", cfg.Auth.UsersPath)
	}

	// HTTP server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Predictor: predictor,
		Explainer: explainer,
		Pipeline:  p,
		Engine:    engine,
		Tracker:   tracker,
		Metrics:   m,
		Users:     userStore,
		Tokens:    tokens,
		Version:   Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	asyncWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadRules loads alert rules from the repository, falling back to the
// built-in defaults on first run so a fresh install alerts sensibly.
func loadRules(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	stored, err := repo.ListAlertRules(ctx)
	if err != nil {
		slog.Warn("failed to list rules from repository", "error", err)
		return engine.LoadRules(rules.DefaultRules())
	}

	if len(stored) > 0 {
		slog.Info("loading rules from repository", "count", len(stored))
		return engine.LoadRules(stored)
	}

	defaults := rules.DefaultRules()
	slog.Info("no stored rules, seeding defaults", "count", len(defaults))
	for _, rule := range defaults {
		if err := repo.SaveAlertRule(ctx, rule); err != nil {
			slog.Warn("failed to persist default rule", "id", rule.ID, "error", err)
		}
	}
	return engine.LoadRules(defaults)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║   Explainable Intrusion Detection         ║")
	fmt.Println("  ║     Every verdict comes with a why.       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /predict           - Score a network flow")
	fmt.Println("    POST /predict/batch     - Score a batch of flows")
	fmt.Println("    POST /explain           - Attribute a prediction to features")
	fmt.Println("    GET  /detections        - List recent detections")
	fmt.Println("    GET  /stats             - Detection counters")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println("    GET  /metrics           - Prometheus metrics")
	fmt.Println()
}
