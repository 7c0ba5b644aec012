package predict

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/model"
)

func testBundle() *model.Bundle {
	return &model.Bundle{
		Ensemble: &model.Ensemble{
			ModelType:  model.TypeRandomForest,
			NumClasses: 3,
			Trees: []model.Tree{
				{
					ChildrenLeft:  []int{1, -1, 3, -1, -1},
					ChildrenRight: []int{2, -1, 4, -1, -1},
					Feature:       []int{0, -1, 1, -1, -1},
					Threshold:     []float64{0.5, 0, -0.2, 0, 0},
					Values: [][]float64{
						{9, 9, 12},
						{8, 1, 1},
						{1, 8, 11},
						{1, 6, 1},
						{0, 2, 10},
					},
					SampleWeight: []float64{30, 10, 20, 8, 12},
					ClassIndex:   -1,
				},
			},
		},
		Preprocessor: &model.Preprocessor{
			FeatureColumns: []string{"flow_duration", "fwd_packets"},
			Classes:        []string{"BENIGN", "DoS Hulk", "SSH-Bruteforce"},
			Scaler: model.Scaler{
				Mean:  []float64{0, 0},
				Scale: []float64{1, 1},
			},
		},
	}
}

func TestPredictArgmaxAndDecode(t *testing.T) {
	svc := NewService(testBundle(), nil, domain.FeatureModeTolerant)

	// Routes to leaf 1: distribution [0.8, 0.1, 0.1].
	pred, err := svc.Predict(context.Background(), domain.FeatureVector{
		"flow_duration": 0.4,
		"fwd_packets":   0,
	})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Prediction != "BENIGN" {
		t.Errorf("prediction = %q, want BENIGN", pred.Prediction)
	}
	if math.Abs(pred.Confidence-0.8) > 1e-9 {
		t.Errorf("confidence = %v, want 0.8", pred.Confidence)
	}

	var sum float64
	for _, p := range pred.Probabilities {
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("probabilities sum to %v, want 1", sum)
	}
	if pred.IsAttack() {
		t.Error("BENIGN prediction flagged as attack")
	}
}

func TestPredictEmptyFeatures(t *testing.T) {
	svc := NewService(testBundle(), nil, domain.FeatureModeTolerant)

	_, err := svc.Predict(context.Background(), domain.FeatureVector{})
	if !errors.Is(err, domain.ErrEmptyFeatures) {
		t.Fatalf("err = %v, want ErrEmptyFeatures", err)
	}
}

func TestPredictNoModelLoaded(t *testing.T) {
	svc := NewService(nil, nil, domain.FeatureModeTolerant)

	_, err := svc.Predict(context.Background(), domain.FeatureVector{"flow_duration": 1})
	if !errors.Is(err, domain.ErrModelNotLoaded) {
		t.Fatalf("err = %v, want ErrModelNotLoaded", err)
	}
}

func TestPredictSurfacesMissingFeatures(t *testing.T) {
	svc := NewService(testBundle(), nil, domain.FeatureModeTolerant)

	pred, err := svc.Predict(context.Background(), domain.FeatureVector{"fwd_packets": 2})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(pred.MissingFeatures) != 1 || pred.MissingFeatures[0] != "flow_duration" {
		t.Errorf("missing = %v, want [flow_duration]", pred.MissingFeatures)
	}
}

func TestPredictStrictModeRejectsPartialInput(t *testing.T) {
	svc := NewService(testBundle(), nil, domain.FeatureModeStrict)

	if _, err := svc.Predict(context.Background(), domain.FeatureVector{"fwd_packets": 2}); err == nil {
		t.Fatal("expected error for partial input in strict mode")
	}
}

func TestPredictBatchIsolatesFailures(t *testing.T) {
	svc := NewService(testBundle(), nil, domain.FeatureModeTolerant)

	results := svc.PredictBatch(context.Background(), []domain.FeatureVector{
		{"flow_duration": 0.4},
		{},
		{"flow_duration": 0.9, "fwd_packets": 0.5},
	})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Error != "" || results[0].Prediction == "" {
		t.Errorf("item 0 should succeed: %+v", results[0])
	}
	if results[1].Error == "" {
		t.Error("item 1 should carry an error")
	}
	if results[2].Error != "" {
		t.Errorf("item 2 should succeed: %+v", results[2])
	}
}

func TestPredictDetails(t *testing.T) {
	svc := NewService(testBundle(), nil, domain.FeatureModeTolerant)

	// Leaf 4: distribution [0, 1/6, 5/6] -> SSH-Bruteforce.
	det, err := svc.PredictDetails(context.Background(), domain.FeatureVector{
		"flow_duration": 1.0,
		"fwd_packets":   0.5,
	})
	if err != nil {
		t.Fatalf("PredictDetails: %v", err)
	}
	if det.Prediction != "SSH-Bruteforce" {
		t.Errorf("prediction = %q, want SSH-Bruteforce", det.Prediction)
	}
	if !det.IsAttack {
		t.Error("attack class not flagged")
	}
	if len(det.Top3) != 3 {
		t.Fatalf("top3 has %d entries", len(det.Top3))
	}
	for i := 1; i < len(det.Top3); i++ {
		if det.Top3[i].Probability > det.Top3[i-1].Probability {
			t.Errorf("top3 not sorted: %+v", det.Top3)
		}
	}
	if det.ThreatLevel != domain.ThreatHigh {
		t.Errorf("threat level = %v, want HIGH for confidence %v", det.ThreatLevel, det.Confidence)
	}
}

func TestThreatLevelFor(t *testing.T) {
	cases := []struct {
		prediction string
		confidence float64
		want       domain.ThreatLevel
	}{
		{"BENIGN", 0.99, domain.ThreatNone},
		{"DoS Hulk", 0.95, domain.ThreatCritical},
		{"DoS Hulk", 0.9, domain.ThreatCritical},
		{"Bot", 0.75, domain.ThreatHigh},
		{"Bot", 0.55, domain.ThreatMedium},
		{"FTP-Bruteforce", 0.3, domain.ThreatLow},
	}
	for _, tc := range cases {
		if got := ThreatLevelFor(tc.prediction, tc.confidence); got != tc.want {
			t.Errorf("ThreatLevelFor(%q, %v) = %v, want %v", tc.prediction, tc.confidence, got, tc.want)
		}
	}
}

func TestReloadSwapsBundle(t *testing.T) {
	svc := NewService(testBundle(), nil, domain.FeatureModeTolerant)

	if err := svc.Reload("/nonexistent/model.json", "/nonexistent/pre.json"); err == nil {
		t.Fatal("expected reload failure for missing artifact")
	}
	// A failed reload must keep the previous bundle serving.
	if svc.Bundle() == nil {
		t.Fatal("bundle dropped after failed reload")
	}
}

func TestVectorHashStable(t *testing.T) {
	a := vectorHash([]float64{1.5, -2.25, 0})
	b := vectorHash([]float64{1.5, -2.25, 0})
	c := vectorHash([]float64{1.5, -2.25, 1e-12})

	if a != b {
		t.Error("identical vectors hash differently")
	}
	if a == c {
		t.Error("distinct vectors collide")
	}
}
