package analyzer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/bdougie/formcheck/internal/cache"
	"github.com/bdougie/formcheck/internal/metrics"
	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/scoring"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEmbedder struct {
	calls atomic.Int32
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, content string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(content))}, nil
}

type fakeSearcher struct {
	mu    sync.Mutex
	calls []string
	docs  map[string][]models.ContextDoc
	err   error
}

func (f *fakeSearcher) SearchContext(_ context.Context, faultType, severity string, _ []float32, limit int) ([]models.ContextDoc, error) {
	f.mu.Lock()
	f.calls = append(f.calls, faultType+":"+severity)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	docs := f.docs[faultType]
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

type fakeNarrator struct {
	prompt string
	reply  string
	err    error
}

func (f *fakeNarrator) Narrate(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.reply, f.err
}

func quickResult() *scoring.QuickAnalysisResult {
	return &scoring.QuickAnalysisResult{
		ExerciseID:     "back_squat",
		OverallScore:   5.5,
		Similarity:     0.62,
		Classification: scoring.ClassRegular,
		Deviations: []scoring.AggregatedDeviation{
			{Type: scoring.KneeValgus, Severity: scoring.SeveritySevere, Percentage: 66.7, AverageValue: 16.2, Trend: scoring.TrendIncreasing},
			{Type: scoring.HeelRise, Severity: scoring.SeverityMild, Percentage: 16.7, AverageValue: 4},
			{Type: scoring.ForwardLean, Severity: scoring.SeverityModerate, Percentage: 50, AverageValue: 12, Trend: scoring.TrendStable},
		},
	}
}

func knowledge() map[string][]models.ContextDoc {
	return map[string][]models.ContextDoc{
		"knee_valgus": {
			{Title: "Hip abductor training", Content: "Strengthening the gluteus medius reduces valgus.", Source: "Smith 2019", Similarity: 0.91},
			{Title: "Valgus and ACL risk", Content: "Dynamic valgus loads the ACL.", Source: "Hewett 2005", Similarity: 0.84},
		},
		"forward_lean": {
			{Title: "Ankle mobility", Content: "Limited dorsiflexion increases trunk lean.", Source: "Smith 2019", Similarity: 0.8},
		},
	}
}

func TestAnalyzeCriticalOnly(t *testing.T) {
	emb := &fakeEmbedder{}
	search := &fakeSearcher{docs: knowledge()}
	narr := &fakeNarrator{reply: "## Summary\nValgus dominates."}
	d := New(emb, search, narr, quietLogger(), WithModel("llama3.1:8b"))

	got, err := d.Analyze(context.Background(), quickResult(), "back_squat")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if len(search.calls) != 2 {
		t.Fatalf("searched %v, want only moderate and severe deviations", search.calls)
	}
	for _, c := range search.calls {
		if strings.HasPrefix(c, "heel_rise") {
			t.Errorf("mild deviation searched: %v", search.calls)
		}
	}
	if got.DocsRetrieved != 3 {
		t.Errorf("DocsRetrieved = %d, want 3", got.DocsRetrieved)
	}
	if len(got.Sources) != 2 {
		t.Errorf("Sources = %v, want deduplicated", got.Sources)
	}
	if got.Narrative != narr.reply || got.Model != "llama3.1:8b" {
		t.Errorf("result = %+v", got)
	}
	if want := (len(narr.prompt) + len(narr.reply)) / 4; got.TokensUsed != want {
		t.Errorf("TokensUsed = %d, want %d", got.TokensUsed, want)
	}
	for _, s := range []string{"Knee valgus (severe)", "Excessive forward lean (moderate)", "REFERENCE CONTEXT", "Hewett 2005"} {
		if !strings.Contains(narr.prompt, s) {
			t.Errorf("prompt missing %q", s)
		}
	}
	if strings.Contains(narr.prompt, "Heel rise") {
		t.Error("prompt mentions a mild deviation")
	}
}

func TestAnalyzeNoCriticalDeviations(t *testing.T) {
	narr := &fakeNarrator{reply: "unused"}
	d := New(&fakeEmbedder{}, &fakeSearcher{}, narr, quietLogger())

	q := quickResult()
	q.Deviations = q.Deviations[1:2]
	got, err := d.Analyze(context.Background(), q, "back_squat")
	if err != nil || got != nil {
		t.Errorf("Analyze() = %+v, %v, want nil, nil", got, err)
	}
	if narr.prompt != "" {
		t.Error("model called without critical deviations")
	}
}

func TestAnalyzeRetrievalFailureStillNarrates(t *testing.T) {
	tests := []struct {
		name     string
		embedder *fakeEmbedder
		searcher *fakeSearcher
	}{
		{"embedding fails", &fakeEmbedder{err: errors.New("model loading")}, &fakeSearcher{docs: knowledge()}},
		{"search fails", &fakeEmbedder{}, &fakeSearcher{err: errors.New("connection reset")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			narr := &fakeNarrator{reply: "limited"}
			got, err := New(tt.embedder, tt.searcher, narr, quietLogger()).Analyze(context.Background(), quickResult(), "back_squat")
			if err != nil {
				t.Fatalf("Analyze() error = %v", err)
			}
			if got.DocsRetrieved != 0 || !strings.Contains(narr.prompt, "no specific reference context") {
				t.Errorf("DocsRetrieved = %d, prompt = %q", got.DocsRetrieved, narr.prompt)
			}
		})
	}
}

func TestAnalyzeNarratorError(t *testing.T) {
	narr := &fakeNarrator{err: errors.New("rate limit exceeded")}
	_, err := New(nil, nil, narr, quietLogger()).Analyze(context.Background(), quickResult(), "back_squat")
	if err == nil || !strings.Contains(err.Error(), "rate limit") {
		t.Errorf("error = %v, want wrapped rate limit", err)
	}
}

func TestAnalyzeCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	emb := &fakeEmbedder{err: context.Canceled}
	_, err := New(emb, &fakeSearcher{}, &fakeNarrator{}, quietLogger()).Analyze(ctx, quickResult(), "back_squat")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestAnalyzeContextCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rc, err := cache.Connect(context.Background(), cache.Config{URL: "redis://" + mr.Addr()}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	emb := &fakeEmbedder{}
	search := &fakeSearcher{docs: knowledge()}
	d := New(emb, search, &fakeNarrator{reply: "ok"}, quietLogger(), WithCache(rc))

	ctx, hits := metrics.WithHitRecorder(context.Background())
	if _, err := d.Analyze(ctx, quickResult(), "back_squat"); err != nil {
		t.Fatal(err)
	}
	if hits.Hits().L3 {
		t.Error("L3 hit on a cold cache")
	}
	if !mr.Exists("rag_context:knee_valgus:severe") || !mr.Exists("rag_context:forward_lean:moderate") {
		t.Fatalf("context not cached, keys = %v", mr.Keys())
	}
	if ttl := mr.TTL("rag_context:knee_valgus:severe"); ttl.Hours() != 30*24 {
		t.Errorf("ttl = %v, want 30 days", ttl)
	}

	ctx, hits = metrics.WithHitRecorder(context.Background())
	got, err := d.Analyze(ctx, quickResult(), "back_squat")
	if err != nil {
		t.Fatal(err)
	}
	if !hits.Hits().L3 {
		t.Error("warm cache did not report an L3 hit")
	}
	if len(search.calls) != 2 || emb.calls.Load() != 2 {
		t.Errorf("search calls = %v, embed calls = %d, want no new lookups", search.calls, emb.calls.Load())
	}
	if got.DocsRetrieved != 3 {
		t.Errorf("DocsRetrieved from cache = %d", got.DocsRetrieved)
	}
}

func TestSearchQuery(t *testing.T) {
	if q := searchQuery(scoring.KneeValgus, "back_squat"); !strings.HasPrefix(q, "dynamic knee valgus") || !strings.HasSuffix(q, " back_squat") {
		t.Errorf("searchQuery() = %q", q)
	}
	if q := searchQuery("hip_shift", "lunge"); q != "hip_shift biomechanics correction lunge" {
		t.Errorf("searchQuery(unknown) = %q", q)
	}
}

func TestExcerpt(t *testing.T) {
	if got := excerpt("a  b\n c", 10); got != "a b c" {
		t.Errorf("excerpt() = %q", got)
	}
	if got := excerpt(strings.Repeat("x", 20), 5); got != "xxxxx..." {
		t.Errorf("excerpt() = %q", got)
	}
}
