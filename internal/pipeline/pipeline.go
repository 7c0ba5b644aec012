// Package pipeline runs a flow through the full detection sequence:
// predict, grade, evaluate alert rules, decide, persist, publish. The
// HTTP handler invokes it synchronously and the async worker invokes it
// from the event bus; both produce identical detections.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/metrics"
	"github.com/opensource-security/kestrel/internal/predict"
	"github.com/opensource-security/kestrel/internal/rules"
	"github.com/opensource-security/kestrel/internal/stats"
)

// Pipeline wires the detection stages together. All stage dependencies
// except the predictor may be nil and are skipped when absent.
type Pipeline struct {
	predictor *predict.Service
	engine    *rules.Engine
	repo      domain.Repository
	bus       domain.EventBus
	tracker   *stats.Tracker
	metrics   *metrics.Metrics
	version   string
}

// New creates a detection pipeline.
func New(predictor *predict.Service, engine *rules.Engine, repo domain.Repository, bus domain.EventBus, tracker *stats.Tracker, m *metrics.Metrics, version string) *Pipeline {
	return &Pipeline{
		predictor: predictor,
		engine:    engine,
		repo:      repo,
		bus:       bus,
		tracker:   tracker,
		metrics:   m,
		version:   version,
	}
}

// Process scores one flow and runs the complete detection sequence.
// Persistence and publish failures are logged, not returned: once a
// verdict exists the caller gets it.
func (p *Pipeline) Process(ctx context.Context, req *domain.FlowRequest, traceID string) (*domain.Detection, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	predictStart := time.Now()
	pred, err := p.predictor.Predict(ctx, req.Features)
	if err != nil {
		return nil, err
	}
	predictMs := time.Since(predictStart).Milliseconds()

	if p.metrics != nil {
		p.metrics.PredictionsTotal.WithLabelValues(pred.Prediction).Inc()
		p.metrics.PredictionSeconds.Observe(time.Since(predictStart).Seconds())
		if pred.Cached {
			p.metrics.CacheHitsTotal.Inc()
		}
	}

	det := &domain.Detection{
		ID:            uuid.New().String(),
		SourceIP:      req.SourceIP,
		Features:      req.Features,
		Prediction:    pred.Prediction,
		Confidence:    pred.Confidence,
		Probabilities: pred.Probabilities,
		ThreatLevel:   predict.ThreatLevelFor(pred.Prediction, pred.Confidence),
		Timestamp:     time.Now().UTC(),
	}

	var rulesMs int64
	if p.engine != nil && p.engine.RulesCount() > 0 {
		rulesStart := time.Now()
		results, err := p.engine.EvaluateAll(ctx, det)
		rulesMs = time.Since(rulesStart).Milliseconds()
		if err != nil {
			slog.Error("rule evaluation failed", "detection_id", det.ID, "error", err)
		}
		if p.metrics != nil {
			p.metrics.RuleEvalSeconds.Observe(time.Since(rulesStart).Seconds())
		}
		det.Alerted, det.AlertReasons = rules.Decide(det, results)
	} else {
		det.Alerted, det.AlertReasons = rules.Decide(det, nil)
	}

	det.Metadata = domain.DetectionMetadata{
		TraceID:       traceID,
		PredictMs:     predictMs,
		RulesMs:       rulesMs,
		TotalMs:       time.Since(start).Milliseconds(),
		ModelType:     p.predictor.Info().ModelType,
		EngineVersion: p.version,
		CacheHit:      pred.Cached,
	}

	if p.repo != nil {
		if err := p.repo.SaveDetection(ctx, det); err != nil {
			slog.Error("failed to save detection", "detection_id", det.ID, "error", err)
		}
	}

	if p.tracker != nil {
		p.tracker.Record(ctx, det)
	}

	p.publish(ctx, det)

	return det, nil
}

func (p *Pipeline) publish(ctx context.Context, det *domain.Detection) {
	if p.bus == nil {
		return
	}

	payload, err := json.Marshal(det)
	if err != nil {
		slog.Error("failed to marshal detection", "detection_id", det.ID, "error", err)
		return
	}

	if err := p.bus.Publish(ctx, domain.TopicDetection, payload); err != nil {
		slog.Error("failed to publish detection", "detection_id", det.ID, "error", err)
	}

	if det.Alerted {
		if p.metrics != nil {
			p.metrics.AlertsTotal.Inc()
		}
		if err := p.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert", "detection_id", det.ID, "error", err)
		}
	}
}
