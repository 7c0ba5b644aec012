// Package worker provides async flow processing from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/pipeline"
)

// Worker consumes ingested flows from the EventBus and runs each one
// through the detection pipeline. Detections and alerts come back out
// on their own topics, so downstream consumers never talk to the
// worker directly.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline

	subscriptions []domain.Subscription
	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
}

// FlowMessage is the payload expected on the flow-ingested topic.
type FlowMessage struct {
	TraceID  string               `json:"traceId,omitempty"`
	SourceIP string               `json:"sourceIp,omitempty"`
	Features domain.FeatureVector `json:"features"`
}

// NewWorker creates an async worker backed by the given pipeline.
func NewWorker(bus domain.EventBus, p *pipeline.Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		pipeline: p,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the flow-ingested topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicFlowIngested, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started", "topic", domain.TopicFlowIngested)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var flow FlowMessage
	if err := json.Unmarshal(msg.Payload, &flow); err != nil {
		slog.Error("failed to parse flow message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	traceID := flow.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing ingested flow",
		"trace_id", traceID,
		"source_ip", flow.SourceIP,
	)

	det, err := w.pipeline.Process(ctx, &domain.FlowRequest{
		Features: flow.Features,
		SourceIP: flow.SourceIP,
	}, traceID)
	if err != nil {
		slog.Error("flow processing failed",
			"trace_id", traceID,
			"error", err,
		)
		return err
	}

	slog.Debug("flow processed",
		"detection_id", det.ID,
		"prediction", det.Prediction,
		"alerted", det.Alerted,
	)
	return nil
}

// Stop unsubscribes and cancels in-flight processing.
func (w *Worker) Stop() {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
}
