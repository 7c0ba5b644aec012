// Package stats tracks windowed detection counters per class and per
// source, backed by the cache tier so Pro deployments share counters
// across nodes.
package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

// DefaultWindow is the rolling window counters accumulate over.
const DefaultWindow = 5 * time.Minute

// Tracker keeps rolling per-class and per-source detection counts. The
// authoritative counters live in the cache; the tracker additionally
// keeps a local snapshot of the last observed value per class so the
// stats endpoint can answer without a cache round trip per class.
type Tracker struct {
	cache  domain.Cache
	window time.Duration

	mu       sync.RWMutex
	observed map[string]int64
	started  time.Time
	total    int64
	alerted  int64
}

// NewTracker creates a tracker over the given cache.
func NewTracker(cache domain.Cache, window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		cache:    cache,
		window:   window,
		observed: make(map[string]int64),
		started:  time.Now().UTC(),
	}
}

// Record counts one detection.
func (t *Tracker) Record(ctx context.Context, det *domain.Detection) {
	count, err := t.cache.IncrementCounter(ctx, "class:"+det.Prediction, t.window)
	if err != nil {
		return
	}
	if det.SourceIP != "" {
		_, _ = t.cache.IncrementCounter(ctx, "source:"+det.SourceIP, t.window)
	}

	t.mu.Lock()
	t.observed[det.Prediction] = count
	t.total++
	if det.Alerted {
		t.alerted++
	}
	t.mu.Unlock()
}

// RecentBySource reads the windowed detection count for one source
// without incrementing it. Feeds the rule engine's recent_detections
// variable. The window argument is accepted for interface fit; counters
// roll over on the tracker's own window.
func (t *Tracker) RecentBySource(ctx context.Context, sourceIP string, window time.Duration) (int64, error) {
	return t.cache.GetCounter(ctx, "source:"+sourceIP)
}

// Snapshot is the stats endpoint payload.
type Snapshot struct {
	UptimeSeconds int64              `json:"uptime_seconds"`
	Total         int64              `json:"total_detections"`
	Alerted       int64              `json:"alerted"`
	Window        string             `json:"window"`
	ByClass       []domain.ClassStat `json:"by_class"`
}

// Snapshot returns current counters, classes sorted by count descending.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byClass := make([]domain.ClassStat, 0, len(t.observed))
	for class, count := range t.observed {
		byClass = append(byClass, domain.ClassStat{Class: class, Count: count})
	}
	sort.Slice(byClass, func(i, j int) bool {
		if byClass[i].Count != byClass[j].Count {
			return byClass[i].Count > byClass[j].Count
		}
		return byClass[i].Class < byClass[j].Class
	})

	return Snapshot{
		UptimeSeconds: int64(time.Since(t.started).Seconds()),
		Total:         t.total,
		Alerted:       t.alerted,
		Window:        t.window.String(),
		ByClass:       byClass,
	}
}
