package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdougie/formcheck/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	batches [][]JobMetrics
	fail    bool
	calls   int
}

func (s *memStore) InsertMetrics(_ context.Context, batch []JobMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return errors.New("database unavailable")
	}
	s.batches = append(s.batches, append([]JobMetrics(nil), batch...))
	return nil
}

func (s *memStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollectorFlushesWhenFull(t *testing.T) {
	store := &memStore{}
	c := NewCollector(store, 3, quietLogger())
	ctx := context.Background()

	c.Record(ctx, JobMetrics{JobID: "1"})
	c.Record(ctx, JobMetrics{JobID: "2"})
	if store.total() != 0 {
		t.Fatal("flushed before buffer was full")
	}
	c.Record(ctx, JobMetrics{JobID: "3"})

	if store.total() != 3 || c.Pending() != 0 {
		t.Errorf("stored %d, pending %d; want 3, 0", store.total(), c.Pending())
	}
}

func TestCollectorKeepsBufferOnFailure(t *testing.T) {
	store := &memStore{fail: true}
	c := NewCollector(store, 10, quietLogger())
	ctx := context.Background()

	c.Record(ctx, JobMetrics{JobID: "a"})
	c.Record(ctx, JobMetrics{JobID: "b"})

	if err := c.Flush(ctx); err == nil {
		t.Fatal("expected flush error")
	}
	if c.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", c.Pending())
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if store.total() != 2 || c.Pending() != 0 {
		t.Errorf("stored %d, pending %d", store.total(), c.Pending())
	}
	if store.batches[0][0].JobID != "a" {
		t.Errorf("order not preserved: %+v", store.batches[0])
	}
}

func TestCollectorBoundsRetryWhileStoreDown(t *testing.T) {
	store := &memStore{fail: true}
	c := NewCollector(store, 2, quietLogger())
	ctx := context.Background()

	for i := range 32 {
		c.Record(ctx, JobMetrics{JobID: fmt.Sprint(i)})
	}

	if store.calls != 1 {
		t.Errorf("store called %d times while failing, want 1", store.calls)
	}
	if c.Pending() != 2*retainFactor {
		t.Fatalf("pending = %d, want %d", c.Pending(), 2*retainFactor)
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := store.batches[0][0].JobID; got != "12" {
		t.Errorf("oldest kept record = %s, want 12", got)
	}

	c.Record(ctx, JobMetrics{JobID: "x"})
	c.Record(ctx, JobMetrics{JobID: "y"})
	if store.calls != 3 || c.Pending() != 0 {
		t.Errorf("after recovery: calls %d, pending %d", store.calls, c.Pending())
	}
}

func TestCollectorConcurrentRecord(t *testing.T) {
	store := &memStore{}
	c := NewCollector(store, 7, quietLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				c.Record(ctx, JobMetrics{JobID: fmt.Sprintf("%d-%d", w, i)})
			}
		}(w)
	}
	wg.Wait()

	if err := c.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if got := store.total(); got != 200 {
		t.Errorf("stored %d records, want 200", got)
	}
}

func TestPercentile(t *testing.T) {
	values := []int64{50, 10, 40, 20, 30}
	tests := []struct {
		p    float64
		want int64
	}{
		{0, 10},
		{50, 30},
		{95, 50},
		{99, 50},
		{20, 10},
		{21, 20},
	}
	for _, tt := range tests {
		if got := Percentile(values, tt.p); got != tt.want {
			t.Errorf("Percentile(p=%v) = %d, want %d", tt.p, got, tt.want)
		}
	}
	if Percentile(nil, 50) != 0 {
		t.Error("empty percentile should be 0")
	}
}

func TestAggregate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []JobMetrics{
		{
			JobID: "1", Status: StatusCompleted, TotalTimeMs: 4000, CreatedAt: now,
			StageTimesMs:          map[models.Stage]int64{models.StageQuickAnalysis: 200, models.StageDeepAnalysis: 3000},
			DeepAnalysisTriggered: true, FramesAnalyzed: 6, TokensUsed: 900, DocsRetrieved: 3,
			QuickScore: 6, Classification: "regular", DeviationTypes: []string{"knee_valgus", "forward_lean"},
			Errors: []JobError{{Type: models.ErrCache, Recovered: true}},
		},
		{
			JobID: "2", Status: StatusCompleted, TotalTimeMs: 1000, CreatedAt: now.Add(time.Minute),
			StageTimesMs: map[models.Stage]int64{models.StageQuickAnalysis: 100},
			Cache:        CacheHits{L2: true}, FramesAnalyzed: 4,
			QuickScore: 9, Classification: "excellent", DeviationTypes: []string{"knee_valgus"},
		},
		{
			JobID: "3", Status: StatusFailed, TotalTimeMs: 2000, CreatedAt: now.Add(2 * time.Minute),
			Errors: []JobError{{Type: models.ErrMediapipe}},
		},
		{JobID: "old", Status: StatusCompleted, TotalTimeMs: 99999, CreatedAt: now.Add(-48 * time.Hour)},
	}

	a := Aggregate(records, now.Add(-time.Hour), now.Add(time.Hour))

	if a.TotalJobs != 3 || a.SuccessfulJobs != 2 || a.FailedJobs != 1 {
		t.Fatalf("job counts = %d/%d/%d", a.TotalJobs, a.SuccessfulJobs, a.FailedJobs)
	}
	if a.P50TotalMs != 2000 || a.P99TotalMs != 4000 {
		t.Errorf("p50 = %d, p99 = %d", a.P50TotalMs, a.P99TotalMs)
	}
	if s := a.Stages[models.StageQuickAnalysis]; s.Count != 2 || s.AvgMs != 150 {
		t.Errorf("quick stage stats = %+v", s)
	}
	if !approx(a.DeepAnalysisRate, 100.0/3) || a.AvgDeepAnalysisMs != 3000 {
		t.Errorf("deep rate %v avg %v", a.DeepAnalysisRate, a.AvgDeepAnalysisMs)
	}
	if !approx(a.CacheHitRates.L2, 100.0/3) {
		t.Errorf("L2 hit rate = %v", a.CacheHitRates.L2)
	}
	if a.AvgQuickScore != 7.5 {
		t.Errorf("avg score = %v, want 7.5", a.AvgQuickScore)
	}
	if len(a.TopDeviations) != 2 || a.TopDeviations[0].Type != "knee_valgus" || a.TopDeviations[0].Count != 2 {
		t.Errorf("top deviations = %+v", a.TopDeviations)
	}
	if a.ErrorsByType["cache_error"] != 1 || a.RecoveryRate != 50 {
		t.Errorf("errors = %v recovery = %v", a.ErrorsByType, a.RecoveryRate)
	}
	if !approx(a.ErrorRate, 100.0/3) {
		t.Errorf("error rate = %v", a.ErrorRate)
	}

	report := FormatReport(a)
	for _, want := range []string{"PERFORMANCE REPORT", "knee_valgus", "mediapipe_error", "quick_analysis"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestAggregateEmpty(t *testing.T) {
	a := Aggregate(nil, time.Now().Add(-time.Hour), time.Now())
	if a.TotalJobs != 0 || a.ErrorRate != 0 || a.TopDeviations != nil {
		t.Errorf("empty aggregate = %+v", a)
	}
}

func approx(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
