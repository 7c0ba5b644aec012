package explain

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/model"
	"github.com/opensource-security/kestrel/internal/predict"
)

func explainService() (*Service, *model.Bundle) {
	bundle := &model.Bundle{
		Ensemble: shapForest(),
		Preprocessor: &model.Preprocessor{
			FeatureColumns: []string{"flow_duration", "fwd_packets"},
			Classes:        []string{"BENIGN", "DoS Hulk", "SSH-Bruteforce"},
			Scaler: model.Scaler{
				Mean:  []float64{0, 0},
				Scale: []float64{1, 1},
			},
		},
	}
	p := predict.NewService(bundle, nil, domain.FeatureModeTolerant)
	return NewService(p), bundle
}

func TestExplainRanksAndReconstructs(t *testing.T) {
	svc, bundle := explainService()
	features := domain.FeatureVector{"flow_duration": 0.6, "fwd_packets": -0.5}

	exp, err := svc.Explain(context.Background(), features, 0)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if exp.Prediction == "" || exp.Confidence <= 0 {
		t.Fatalf("incomplete explanation: %+v", exp)
	}

	// Ranked strongest first by absolute impact.
	for i := 1; i < len(exp.TopFeatures); i++ {
		if math.Abs(exp.TopFeatures[i].Impact) > math.Abs(exp.TopFeatures[i-1].Impact) {
			t.Errorf("top features out of order: %+v", exp.TopFeatures)
		}
	}

	// Base plus every contribution reconstructs the predicted class's
	// output.
	classIdx := -1
	for i, c := range bundle.Preprocessor.Classes {
		if c == exp.Prediction {
			classIdx = i
		}
	}
	var sum float64
	for _, fi := range exp.AllFeatures {
		sum += fi.Impact
	}
	want := bundle.Ensemble.ClassOutput([]float64{0.6, -0.5}, classIdx)
	if math.Abs(exp.BaseValue+sum-want) > 1e-9 {
		t.Errorf("base(%v) + sum(%v) = %v, want %v", exp.BaseValue, sum, exp.BaseValue+sum, want)
	}
}

func TestExplainTopNClamping(t *testing.T) {
	svc, _ := explainService()
	features := domain.FeatureVector{"flow_duration": 0.6, "fwd_packets": -0.5}

	exp, err := svc.Explain(context.Background(), features, 1)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if len(exp.TopFeatures) != 1 {
		t.Errorf("top_n=1 returned %d features", len(exp.TopFeatures))
	}
	if len(exp.AllFeatures) != 2 {
		t.Errorf("all features = %d, want 2", len(exp.AllFeatures))
	}

	// Requests beyond the feature count return everything.
	exp, err = svc.Explain(context.Background(), features, MaxTopN+100)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if len(exp.TopFeatures) != 2 {
		t.Errorf("oversized top_n returned %d features", len(exp.TopFeatures))
	}
}

func TestExplainEmptyFeatures(t *testing.T) {
	svc, _ := explainService()

	_, err := svc.Explain(context.Background(), domain.FeatureVector{}, 0)
	if !errors.Is(err, domain.ErrEmptyFeatures) {
		t.Fatalf("err = %v, want ErrEmptyFeatures", err)
	}
}

func TestSummaryMentionsPredictionAndDrivers(t *testing.T) {
	svc, _ := explainService()
	features := domain.FeatureVector{"flow_duration": 0.6, "fwd_packets": -0.5}

	text, lines, err := svc.Summary(context.Background(), features, 2)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(lines) == 0 {
		t.Fatal("no driver lines")
	}
	if !strings.Contains(text, "Predicted") {
		t.Errorf("summary lacks prediction sentence: %q", text)
	}
	for _, line := range lines {
		if !strings.Contains(line, "likelihood") {
			t.Errorf("driver line lacks direction phrasing: %q", line)
		}
	}
}
