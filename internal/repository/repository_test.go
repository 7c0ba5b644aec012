package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetDetection", func(t *testing.T) {
		det := &domain.Detection{
			ID:       "det-001",
			SourceIP: "192.168.1.50",
			Features: domain.FeatureVector{
				"flow_duration": 12.5,
				"fwd_packets":   400,
			},
			Prediction: "DoS Hulk",
			Confidence: 0.93,
			Probabilities: map[string]float64{
				"BENIGN":   0.05,
				"DoS Hulk": 0.93,
				"Bot":      0.02,
			},
			ThreatLevel:  domain.ThreatCritical,
			Alerted:      true,
			AlertReasons: []string{"classifier: DoS Hulk at CRITICAL threat"},
			Timestamp:    time.Now().UTC(),
			Metadata: domain.DetectionMetadata{
				TraceID:   "trace-abc",
				PredictMs: 2,
				TotalMs:   5,
				ModelType: "random_forest",
			},
		}

		if err := repo.SaveDetection(ctx, det); err != nil {
			t.Fatalf("SaveDetection failed: %v", err)
		}

		got, err := repo.GetDetection(ctx, det.ID)
		if err != nil {
			t.Fatalf("GetDetection failed: %v", err)
		}
		if got.Prediction != det.Prediction {
			t.Errorf("prediction = %q, want %q", got.Prediction, det.Prediction)
		}
		if got.Confidence != det.Confidence {
			t.Errorf("confidence = %v, want %v", got.Confidence, det.Confidence)
		}
		if got.ThreatLevel != domain.ThreatCritical {
			t.Errorf("threat level = %v", got.ThreatLevel)
		}
		if !got.Alerted {
			t.Error("alerted flag lost")
		}
		if got.Features["fwd_packets"] != 400 {
			t.Errorf("features lost: %v", got.Features)
		}
		if got.Metadata.TraceID != "trace-abc" {
			t.Errorf("metadata lost: %+v", got.Metadata)
		}
	})

	t.Run("GetDetectionNotFound", func(t *testing.T) {
		_, err := repo.GetDetection(ctx, "no-such-id")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListDetectionsBySource", func(t *testing.T) {
		base := time.Now().UTC().Add(-time.Hour)
		for i, src := range []string{"10.0.0.1", "10.0.0.1", "10.0.0.2"} {
			det := &domain.Detection{
				ID:            "det-list-" + string(rune('a'+i)),
				SourceIP:      src,
				Features:      domain.FeatureVector{"flow_duration": float64(i)},
				Prediction:    "BENIGN",
				Probabilities: map[string]float64{"BENIGN": 1},
				ThreatLevel:   domain.ThreatNone,
				Timestamp:     base.Add(time.Duration(i) * time.Minute),
			}
			if err := repo.SaveDetection(ctx, det); err != nil {
				t.Fatalf("SaveDetection: %v", err)
			}
		}

		got, err := repo.ListDetectionsBySource(ctx, "10.0.0.1", base.Add(-time.Minute))
		if err != nil {
			t.Fatalf("ListDetectionsBySource: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d detections, want 2", len(got))
		}
		if got[0].Timestamp.Before(got[1].Timestamp) {
			t.Error("not sorted newest first")
		}
	})

	t.Run("ListDetectionsLimit", func(t *testing.T) {
		got, err := repo.ListDetections(ctx, 2)
		if err != nil {
			t.Fatalf("ListDetections: %v", err)
		}
		if len(got) > 2 {
			t.Errorf("limit ignored: %d rows", len(got))
		}
	})

	t.Run("AlertRuleCRUD", func(t *testing.T) {
		rule := &domain.AlertRule{
			ID:          "rule-001",
			Name:        "High confidence",
			Description: "escalate confident attacks",
			Expression:  "is_attack && confidence > 0.8",
			Action:      domain.ActionAlert,
			Enabled:     true,
		}

		if err := repo.SaveAlertRule(ctx, rule); err != nil {
			t.Fatalf("SaveAlertRule: %v", err)
		}

		got, err := repo.GetAlertRule(ctx, rule.ID)
		if err != nil {
			t.Fatalf("GetAlertRule: %v", err)
		}
		if got.Expression != rule.Expression || got.Action != domain.ActionAlert || !got.Enabled {
			t.Errorf("round trip mismatch: %+v", got)
		}

		// Upsert keeps the ID and replaces fields.
		rule.Expression = "is_attack && confidence > 0.9"
		rule.Enabled = false
		if err := repo.SaveAlertRule(ctx, rule); err != nil {
			t.Fatalf("SaveAlertRule update: %v", err)
		}
		got, err = repo.GetAlertRule(ctx, rule.ID)
		if err != nil {
			t.Fatalf("GetAlertRule after update: %v", err)
		}
		if got.Enabled || got.Expression != rule.Expression {
			t.Errorf("update lost: %+v", got)
		}

		list, err := repo.ListAlertRules(ctx)
		if err != nil {
			t.Fatalf("ListAlertRules: %v", err)
		}
		if len(list) != 1 {
			t.Errorf("got %d rules, want 1", len(list))
		}

		if err := repo.DeleteAlertRule(ctx, rule.ID); err != nil {
			t.Fatalf("DeleteAlertRule: %v", err)
		}
		if err := repo.DeleteAlertRule(ctx, rule.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second delete err = %v, want ErrNotFound", err)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if err := repo.SaveDetection(ctx, &domain.Detection{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("empty detection err = %v", err)
		}
		if _, err := repo.GetDetection(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("empty id err = %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "oracle"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
