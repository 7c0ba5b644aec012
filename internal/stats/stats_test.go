package stats

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-security/kestrel/internal/cache"
	"github.com/opensource-security/kestrel/internal/domain"
)

func TestTrackerRecordAndSnapshot(t *testing.T) {
	tracker := NewTracker(cache.NewLRUCache(100), time.Minute)
	ctx := context.Background()

	detections := []*domain.Detection{
		{Prediction: "DoS Hulk", SourceIP: "10.0.0.1", Alerted: true},
		{Prediction: "DoS Hulk", SourceIP: "10.0.0.1", Alerted: true},
		{Prediction: "BENIGN", SourceIP: "10.0.0.2"},
	}
	for _, det := range detections {
		tracker.Record(ctx, det)
	}

	snap := tracker.Snapshot()
	if snap.Total != 3 {
		t.Errorf("total = %d, want 3", snap.Total)
	}
	if snap.Alerted != 2 {
		t.Errorf("alerted = %d, want 2", snap.Alerted)
	}
	if len(snap.ByClass) != 2 {
		t.Fatalf("classes = %d, want 2", len(snap.ByClass))
	}
	// Sorted by count descending.
	if snap.ByClass[0].Class != "DoS Hulk" || snap.ByClass[0].Count != 2 {
		t.Errorf("top class = %+v", snap.ByClass[0])
	}
}

func TestRecentBySource(t *testing.T) {
	tracker := NewTracker(cache.NewLRUCache(100), time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tracker.Record(ctx, &domain.Detection{Prediction: "Bot", SourceIP: "10.0.0.9"})
	}

	count, err := tracker.RecentBySource(ctx, "10.0.0.9", time.Minute)
	if err != nil {
		t.Fatalf("RecentBySource: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	// Reads must not inflate the counter.
	again, _ := tracker.RecentBySource(ctx, "10.0.0.9", time.Minute)
	if again != 3 {
		t.Errorf("count after read = %d, want 3", again)
	}

	none, err := tracker.RecentBySource(ctx, "10.9.9.9", time.Minute)
	if err != nil {
		t.Fatalf("RecentBySource: %v", err)
	}
	if none != 0 {
		t.Errorf("unknown source count = %d, want 0", none)
	}
}
