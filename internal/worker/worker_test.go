package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opensource-security/kestrel/internal/bus"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/model"
	"github.com/opensource-security/kestrel/internal/pipeline"
	"github.com/opensource-security/kestrel/internal/predict"
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

func TestWorkerProcessesIngestedFlow(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	predictor := predict.NewService(testBundle(), nil, domain.FeatureModeTolerant)
	p := pipeline.New(predictor, nil, nil, eventBus, nil, nil, "test")

	detections := make(chan *domain.Detection, 1)
	_, err := eventBus.Subscribe(context.Background(), domain.TopicDetection, func(_ context.Context, msg *domain.Message) error {
		var det domain.Detection
		if err := json.Unmarshal(msg.Payload, &det); err != nil {
			return err
		}
		detections <- &det
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	w := NewWorker(eventBus, p)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	flow := FlowMessage{
		TraceID:  "trace-42",
		SourceIP: "172.16.0.3",
		Features: domain.FeatureVector{"flow_duration": 1.0, "fwd_packets": 0.5},
	}
	payload, _ := json.Marshal(flow)
	if err := eventBus.Publish(context.Background(), domain.TopicFlowIngested, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case det := <-detections:
		if det.Prediction != "SSH-Bruteforce" {
			t.Errorf("prediction = %q, want SSH-Bruteforce", det.Prediction)
		}
		if det.SourceIP != "172.16.0.3" {
			t.Errorf("source ip = %q", det.SourceIP)
		}
		if det.Metadata.TraceID != "trace-42" {
			t.Errorf("trace id = %q, want trace-42", det.Metadata.TraceID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for detection")
	}
}

func TestWorkerIgnoresMalformedMessages(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	predictor := predict.NewService(testBundle(), nil, domain.FeatureModeTolerant)
	p := pipeline.New(predictor, nil, nil, eventBus, nil, nil, "test")

	w := NewWorker(eventBus, p)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := eventBus.Publish(context.Background(), domain.TopicFlowIngested, []byte("not json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// A good message after a bad one still flows through.
	detections := make(chan struct{}, 1)
	_, err := eventBus.Subscribe(context.Background(), domain.TopicDetection, func(context.Context, *domain.Message) error {
		detections <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	flow := FlowMessage{Features: domain.FeatureVector{"flow_duration": 0.4}}
	payload, _ := json.Marshal(flow)
	if err := eventBus.Publish(context.Background(), domain.TopicFlowIngested, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-detections:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for detection after malformed message")
	}
}

func TestWorkerStopUnsubscribes(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	predictor := predict.NewService(testBundle(), nil, domain.FeatureModeTolerant)
	p := pipeline.New(predictor, nil, nil, eventBus, nil, nil, "test")

	w := NewWorker(eventBus, p)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Stop()

	detections := make(chan struct{}, 1)
	_, err := eventBus.Subscribe(context.Background(), domain.TopicDetection, func(context.Context, *domain.Message) error {
		detections <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	flow := FlowMessage{Features: domain.FeatureVector{"flow_duration": 0.4}}
	payload, _ := json.Marshal(flow)
	if err := eventBus.Publish(context.Background(), domain.TopicFlowIngested, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-detections:
		t.Fatal("stopped worker still processing flows")
	case <-time.After(200 * time.Millisecond):
	}
}
