// Package predict turns incoming feature vectors into class predictions
// using the loaded model bundle.
package predict

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/model"
)

// DefaultCacheTTL bounds how long a prediction result may be served
// from cache. Inference is deterministic, so the TTL only bounds
// staleness across model reloads.
const DefaultCacheTTL = 5 * time.Minute

// Service scores feature vectors against the model bundle. The bundle
// reference is swapped atomically on reload; individual bundles are
// immutable and safe for concurrent readers.
type Service struct {
	mu     sync.RWMutex
	bundle *model.Bundle

	cache domain.Cache
	mode  domain.FeatureMode

	cacheTTL time.Duration
}

// NewService creates a prediction service around a loaded bundle.
// cache may be nil to disable result caching.
func NewService(bundle *model.Bundle, cache domain.Cache, mode domain.FeatureMode) *Service {
	return &Service{
		bundle:   bundle,
		cache:    cache,
		mode:     mode,
		cacheTTL: DefaultCacheTTL,
	}
}

// Bundle returns the current bundle snapshot, or nil when no model is
// loaded.
func (s *Service) Bundle() *model.Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bundle
}

// Mode returns the feature alignment policy.
func (s *Service) Mode() domain.FeatureMode {
	return s.mode
}

// Reload re-reads the artifact from disk and swaps it in. Requests in
// flight keep their snapshot.
func (s *Service) Reload(modelPath, preprocessorPath string) error {
	bundle, err := model.Load(modelPath, preprocessorPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.bundle = bundle
	s.mu.Unlock()

	slog.Info("model reloaded",
		"model_type", bundle.Ensemble.ModelType,
		"feature_count", len(bundle.Preprocessor.FeatureColumns),
		"tree_count", len(bundle.Ensemble.Trees),
	)
	return nil
}

// Info returns model metadata for the health endpoint.
func (s *Service) Info() model.Info {
	b := s.Bundle()
	if b == nil {
		return model.Info{Loaded: false}
	}
	return b.Info()
}

// Prepare aligns and scales a feature map for the current bundle.
// Exposed so the explanation service computes attributions over exactly
// the vector that was scored.
func (s *Service) Prepare(features domain.FeatureVector) (*model.Bundle, *model.AlignResult, error) {
	b := s.Bundle()
	if b == nil {
		return nil, nil, domain.ErrModelNotLoaded
	}

	aligned, err := b.Align(features, s.mode == domain.FeatureModeStrict)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrFeatureMismatch, err)
	}
	if len(aligned.Missing) > 0 {
		slog.Warn("input missing trained features, zero-filled",
			"missing_count", len(aligned.Missing),
			"missing", aligned.Missing,
		)
	}

	b.Preprocessor.Scaler.Transform(aligned.Vector)
	return b, aligned, nil
}

// Predict scores one feature vector.
func (s *Service) Predict(ctx context.Context, features domain.FeatureVector) (*domain.PredictionResult, error) {
	if len(features) == 0 {
		return nil, domain.ErrEmptyFeatures
	}

	b, aligned, err := s.Prepare(features)
	if err != nil {
		return nil, err
	}

	key := vectorHash(aligned.Vector)
	if s.cache != nil {
		if cached, err := s.cache.GetPrediction(ctx, key); err == nil && cached != nil {
			cached.Cached = true
			return cached, nil
		}
	}

	probs := b.Ensemble.PredictProba(aligned.Vector)
	classes := b.Preprocessor.Classes

	best := 0
	for c := range probs {
		if probs[c] > probs[best] {
			best = c
		}
	}

	result := &domain.PredictionResult{
		Prediction:      classes[best],
		Confidence:      probs[best],
		Probabilities:   make(map[string]float64, len(classes)),
		MissingFeatures: aligned.Missing,
	}
	for c, name := range classes {
		result.Probabilities[name] = probs[c]
	}

	if s.cache != nil {
		if err := s.cache.SetPrediction(ctx, key, result, s.cacheTTL); err != nil {
			slog.Debug("prediction cache write failed", "error", err)
		}
	}

	return result, nil
}

// BatchItem is one entry of a batch prediction response. Items fail
// independently; a bad flow never aborts the batch.
type BatchItem struct {
	Prediction string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// PredictBatch scores a sequence of feature vectors in order. Items are
// independent; the work is sequential because library-call overhead,
// not coordination, dominates latency here.
func (s *Service) PredictBatch(ctx context.Context, flows []domain.FeatureVector) []BatchItem {
	results := make([]BatchItem, len(flows))
	for i, features := range flows {
		pred, err := s.Predict(ctx, features)
		if err != nil {
			results[i] = BatchItem{Error: err.Error()}
			continue
		}
		results[i] = BatchItem{Prediction: pred.Prediction, Confidence: pred.Confidence}
	}
	return results
}

// Details is the extended prediction view.
type Details struct {
	Prediction    string             `json:"prediction"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
	Top3          []ClassProbability `json:"top_3_predictions"`
	IsAttack      bool               `json:"is_attack"`
	ThreatLevel   domain.ThreatLevel `json:"threat_level"`
}

// ClassProbability pairs a class with its probability for ranked views.
type ClassProbability struct {
	Class       string  `json:"class"`
	Probability float64 `json:"probability"`
}

// PredictDetails scores a flow and adds the ranked distribution and
// threat grading.
func (s *Service) PredictDetails(ctx context.Context, features domain.FeatureVector) (*Details, error) {
	pred, err := s.Predict(ctx, features)
	if err != nil {
		return nil, err
	}

	ranked := make([]ClassProbability, 0, len(pred.Probabilities))
	for class, p := range pred.Probabilities {
		ranked = append(ranked, ClassProbability{Class: class, Probability: p})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Probability != ranked[j].Probability {
			return ranked[i].Probability > ranked[j].Probability
		}
		return ranked[i].Class < ranked[j].Class
	})
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}

	return &Details{
		Prediction:    pred.Prediction,
		Confidence:    pred.Confidence,
		Probabilities: pred.Probabilities,
		Top3:          ranked,
		IsAttack:      pred.IsAttack(),
		ThreatLevel:   ThreatLevelFor(pred.Prediction, pred.Confidence),
	}, nil
}

// ClassIndex resolves a class name to its encoded index.
func (s *Service) ClassIndex(class string) (int, error) {
	b := s.Bundle()
	if b == nil {
		return 0, domain.ErrModelNotLoaded
	}
	for i, name := range b.Preprocessor.Classes {
		if name == class {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown class %q", class)
}

// vectorHash keys the prediction cache by the exact scaled input.
func vectorHash(vector []float64) string {
	h := xxhash.New()
	var buf [8]byte
	for _, v := range vector {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = h.Write(buf[:])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
