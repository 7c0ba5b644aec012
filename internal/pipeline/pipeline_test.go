package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-security/kestrel/internal/bus"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/model"
	"github.com/opensource-security/kestrel/internal/predict"
	"github.com/opensource-security/kestrel/internal/rules"
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

// memRepo records saved detections for assertions.
type memRepo struct {
	mu         sync.Mutex
	detections []*domain.Detection
}

func (r *memRepo) SaveDetection(_ context.Context, det *domain.Detection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detections = append(r.detections, det)
	return nil
}

func (r *memRepo) GetDetection(context.Context, string) (*domain.Detection, error) {
	return nil, errors.New("not implemented")
}

func (r *memRepo) ListDetections(context.Context, int) ([]*domain.Detection, error) {
	return nil, nil
}

func (r *memRepo) ListDetectionsBySource(context.Context, string, time.Time) ([]*domain.Detection, error) {
	return nil, nil
}

func (r *memRepo) SaveAlertRule(context.Context, *domain.AlertRule) error { return nil }

func (r *memRepo) GetAlertRule(context.Context, string) (*domain.AlertRule, error) {
	return nil, errors.New("not implemented")
}

func (r *memRepo) ListAlertRules(context.Context) ([]*domain.AlertRule, error) { return nil, nil }
func (r *memRepo) DeleteAlertRule(context.Context, string) error               { return nil }
func (r *memRepo) Ping(context.Context) error                                  { return nil }
func (r *memRepo) Close() error                                                { return nil }

func (r *memRepo) saved() []*domain.Detection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Detection, len(r.detections))
	copy(out, r.detections)
	return out
}

func TestProcessAttackFlow(t *testing.T) {
	predictor := predict.NewService(testBundle(), nil, domain.FeatureModeTolerant)
	repo := &memRepo{}
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	var mu sync.Mutex
	received := map[string]int{}
	done := make(chan struct{}, 4)
	for _, topic := range []string{domain.TopicDetection, domain.TopicAlert} {
		topic := topic
		_, err := eventBus.Subscribe(context.Background(), topic, func(_ context.Context, msg *domain.Message) error {
			mu.Lock()
			received[topic]++
			mu.Unlock()
			done <- struct{}{}
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe(%s): %v", topic, err)
		}
	}

	p := New(predictor, nil, repo, eventBus, nil, nil, "test")

	// Routes to leaf 4: SSH-Bruteforce with confidence 5/6, HIGH threat.
	det, err := p.Process(context.Background(), &domain.FlowRequest{
		Features: domain.FeatureVector{"flow_duration": 1.0, "fwd_packets": 0.5},
		SourceIP: "10.0.0.9",
	}, "trace-1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if det.Prediction != "SSH-Bruteforce" {
		t.Errorf("prediction = %q, want SSH-Bruteforce", det.Prediction)
	}
	if det.ThreatLevel != domain.ThreatHigh {
		t.Errorf("threat level = %q, want HIGH", det.ThreatLevel)
	}
	if !det.Alerted {
		t.Error("HIGH detection not alerted")
	}
	if det.ID == "" {
		t.Error("detection has no ID")
	}
	if det.SourceIP != "10.0.0.9" {
		t.Errorf("source ip = %q", det.SourceIP)
	}
	if det.Metadata.TraceID != "trace-1" {
		t.Errorf("trace id = %q", det.Metadata.TraceID)
	}

	saved := repo.saved()
	if len(saved) != 1 {
		t.Fatalf("saved %d detections, want 1", len(saved))
	}
	if saved[0].ID != det.ID {
		t.Errorf("saved detection id = %q, want %q", saved[0].ID, det.ID)
	}

	// Detection and alert both publish.
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for published events")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if received[domain.TopicDetection] != 1 {
		t.Errorf("detection events = %d, want 1", received[domain.TopicDetection])
	}
	if received[domain.TopicAlert] != 1 {
		t.Errorf("alert events = %d, want 1", received[domain.TopicAlert])
	}
}

func TestProcessBenignFlowDoesNotAlert(t *testing.T) {
	predictor := predict.NewService(testBundle(), nil, domain.FeatureModeTolerant)
	p := New(predictor, nil, nil, nil, nil, nil, "test")

	// Routes to leaf 1: BENIGN with confidence 0.8.
	det, err := p.Process(context.Background(), &domain.FlowRequest{
		Features: domain.FeatureVector{"flow_duration": 0.4, "fwd_packets": 0},
	}, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if det.Alerted {
		t.Error("benign detection alerted")
	}
	if det.ThreatLevel != domain.ThreatNone {
		t.Errorf("threat level = %q, want NONE", det.ThreatLevel)
	}
	if len(det.AlertReasons) != 0 {
		t.Errorf("alert reasons = %v, want none", det.AlertReasons)
	}
}

func TestProcessRuleEscalation(t *testing.T) {
	predictor := predict.NewService(testBundle(), nil, domain.FeatureModeTolerant)
	engine, err := rules.NewEngine(nil, 2)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	err = engine.LoadRules([]*domain.AlertRule{
		{
			ID:         "bruteforce-watch",
			Name:       "bruteforce-watch",
			Expression: `prediction.contains("Bruteforce") && confidence >= 0.5`,
			Action:     domain.ActionAlert,
			Enabled:    true,
		},
	})
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	p := New(predictor, engine, nil, nil, nil, nil, "test")

	det, err := p.Process(context.Background(), &domain.FlowRequest{
		Features: domain.FeatureVector{"flow_duration": 1.0, "fwd_packets": 0.5},
	}, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !det.Alerted {
		t.Error("rule-triggered detection not alerted")
	}
	found := false
	for _, reason := range det.AlertReasons {
		if strings.Contains(reason, "bruteforce-watch") {
			found = true
		}
	}
	if !found {
		t.Errorf("alert reasons = %v, want bruteforce-watch", det.AlertReasons)
	}
	if det.Metadata.RulesMs < 0 {
		t.Errorf("rules ms = %d", det.Metadata.RulesMs)
	}
}

func TestProcessEmptyFeatures(t *testing.T) {
	predictor := predict.NewService(testBundle(), nil, domain.FeatureModeTolerant)
	p := New(predictor, nil, nil, nil, nil, nil, "test")

	_, err := p.Process(context.Background(), &domain.FlowRequest{}, "")
	if !errors.Is(err, domain.ErrEmptyFeatures) {
		t.Fatalf("err = %v, want ErrEmptyFeatures", err)
	}
}

func TestDetectionRoundTripsAsJSON(t *testing.T) {
	predictor := predict.NewService(testBundle(), nil, domain.FeatureModeTolerant)
	p := New(predictor, nil, nil, nil, nil, nil, "test")

	det, err := p.Process(context.Background(), &domain.FlowRequest{
		Features: domain.FeatureVector{"flow_duration": 1.0, "fwd_packets": 0.5},
	}, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	payload, err := json.Marshal(det)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded domain.Detection
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Prediction != det.Prediction || decoded.ID != det.ID {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}
