// Package explain attributes a model prediction back to the input
// features using exact tree SHAP values.
package explain

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/predict"
)

const (
	// DefaultTopN is the number of ranked features returned when the
	// caller does not ask for a specific count.
	DefaultTopN = 10
	// MaxTopN caps the ranked feature list.
	MaxTopN = 50
)

// Service computes per-feature attributions for the class the model
// actually predicted.
type Service struct {
	predictor *predict.Service
}

// NewService wires the explainer to the prediction service so both
// operate on the same bundle snapshot and alignment policy.
func NewService(p *predict.Service) *Service {
	return &Service{predictor: p}
}

// Explain scores the flow, then attributes the predicted class's output
// across the input features. topN <= 0 selects DefaultTopN.
func (s *Service) Explain(ctx context.Context, features domain.FeatureVector, topN int) (*domain.Explanation, error) {
	if len(features) == 0 {
		return nil, domain.ErrEmptyFeatures
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	if topN > MaxTopN {
		topN = MaxTopN
	}

	pred, err := s.predictor.Predict(ctx, features)
	if err != nil {
		return nil, err
	}

	bundle, aligned, err := s.predictor.Prepare(features)
	if err != nil {
		return nil, err
	}

	classIdx, err := s.predictor.ClassIndex(pred.Prediction)
	if err != nil {
		return nil, err
	}

	phi, base := ShapValues(bundle.Ensemble, aligned.Vector, classIdx)

	all := make([]domain.FeatureImpact, len(phi))
	for i, v := range phi {
		all[i] = domain.FeatureImpact{
			Feature: bundle.Preprocessor.FeatureColumns[i],
			Impact:  v,
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return abs(all[i].Impact) > abs(all[j].Impact)
	})

	top := all
	if len(top) > topN {
		top = top[:topN]
	}

	return &domain.Explanation{
		Prediction:  pred.Prediction,
		Confidence:  pred.Confidence,
		BaseValue:   base,
		TopFeatures: top,
		AllFeatures: all,
	}, nil
}

// Summary renders the top attributions as human-readable lines, one per
// feature, strongest first.
func (s *Service) Summary(ctx context.Context, features domain.FeatureVector, topN int) (string, []string, error) {
	exp, err := s.Explain(ctx, features, topN)
	if err != nil {
		return "", nil, err
	}

	lines := make([]string, 0, len(exp.TopFeatures))
	for _, fi := range exp.TopFeatures {
		direction := "increases"
		if fi.Impact < 0 {
			direction = "decreases"
		}
		lines = append(lines, fmt.Sprintf("%s %s the likelihood of %s (impact %.4f)",
			fi.Feature, direction, exp.Prediction, fi.Impact))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Predicted %s with %.1f%% confidence.", exp.Prediction, exp.Confidence*100)
	if len(lines) > 0 {
		sb.WriteString(" Main drivers: ")
		sb.WriteString(strings.Join(lines, "; "))
		sb.WriteString(".")
	}
	return sb.String(), lines, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
