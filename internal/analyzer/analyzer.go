// Package analyzer runs the deep analysis stage: it retrieves reference
// passages for each critical deviation and has a language model write an
// assessment narrative from them.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdougie/formcheck/internal/decision"
	"github.com/bdougie/formcheck/internal/metrics"
	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/scoring"
)

const (
	// DocsPerDeviation is the number of passages retrieved per deviation
	DocsPerDeviation = 3
	maxWorkers       = 4
)

// Embedder turns text into an embedding vector
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
}

// ContextSearcher finds knowledge passages close to a query embedding
type ContextSearcher interface {
	SearchContext(ctx context.Context, faultType, severity string, query []float32, limit int) ([]models.ContextDoc, error)
}

// Narrator generates text from a prompt
type Narrator interface {
	Narrate(ctx context.Context, prompt string) (string, error)
}

// Cache stores retrieved context between jobs
type Cache interface {
	GetValue(ctx context.Context, key string, v any) (bool, error)
	SetValue(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Deep is the deep analysis stage
type Deep struct {
	embedder Embedder
	searcher ContextSearcher
	narrator Narrator
	cache    Cache
	model    string
	logger   *slog.Logger
}

// Option configures a Deep analyzer
type Option func(*Deep)

// WithCache reuses retrieved context through c.
func WithCache(c Cache) Option {
	return func(d *Deep) { d.cache = c }
}

// WithModel sets the model name reported in results.
func WithModel(model string) Option {
	return func(d *Deep) { d.model = model }
}

// New creates a deep analyzer. embedder and searcher may be nil, in which
// case narratives are written without retrieved context.
func New(embedder Embedder, searcher ContextSearcher, narrator Narrator, logger *slog.Logger, opts ...Option) *Deep {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deep{
		embedder: embedder,
		searcher: searcher,
		narrator: narrator,
		model:    "llama3.1:8b",
		logger:   logger.With("component", "deep_analysis"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Analyze writes the narrative for the moderate and severe deviations of
// quick. It returns nil without calling the model when there are none.
func (d *Deep) Analyze(ctx context.Context, quick *scoring.QuickAnalysisResult, exerciseID string) (*models.DeepAnalysis, error) {
	started := time.Now()

	critical := criticalDeviations(quick.Deviations)
	if len(critical) == 0 {
		d.logger.Warn("deep analysis called with no critical deviations", "exercise", exerciseID)
		return nil, nil
	}
	d.logger.Info("analyzing critical deviations", "exercise", exerciseID, "count", len(critical))

	docs, err := d.retrieve(ctx, critical, exerciseID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		d.logger.Warn("no reference context found, proceeding with limited analysis", "exercise", exerciseID)
	}

	prompt := buildPrompt(quick, critical, docs, exerciseID)
	narrative, err := d.narrator.Narrate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("deep analysis narrative: %w", err)
	}

	result := &models.DeepAnalysis{
		Narrative:     narrative,
		Sources:       uniqueSources(docs),
		Model:         d.model,
		DocsRetrieved: len(docs),
		TokensUsed:    estimateTokens(prompt, narrative),
		DurationMs:    time.Since(started).Milliseconds(),
	}
	d.logger.Info("deep analysis completed",
		"exercise", exerciseID,
		"docs", result.DocsRetrieved,
		"tokens", result.TokensUsed,
		"duration_ms", result.DurationMs,
	)
	return result, nil
}

// retrieve gathers context for every deviation concurrently. Retrieval
// failures leave that deviation without context.
func (d *Deep) retrieve(ctx context.Context, critical []scoring.AggregatedDeviation, exerciseID string) ([]models.ContextDoc, error) {
	if d.embedder == nil || d.searcher == nil {
		return nil, nil
	}

	results := make([][]models.ContextDoc, len(critical))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for i, dev := range critical {
		g.Go(func() error {
			docs, err := d.contextFor(gctx, dev, exerciseID)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				d.logger.Warn("context retrieval failed", "fault", dev.Type, "severity", dev.Severity, "error", err)
				return nil
			}
			results[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("deep analysis retrieval: %w", err)
	}

	var all []models.ContextDoc
	for _, docs := range results {
		all = append(all, docs...)
	}
	return all, nil
}

func (d *Deep) contextFor(ctx context.Context, dev scoring.AggregatedDeviation, exerciseID string) ([]models.ContextDoc, error) {
	strategy := decision.ContextCacheStrategy(string(dev.Type), string(dev.Severity))

	if d.cache != nil {
		var cached []models.ContextDoc
		found, err := d.cache.GetValue(ctx, strategy.Key, &cached)
		if err != nil {
			d.logger.Debug("context cache lookup failed", "key", strategy.Key, "error", err)
		} else if found {
			metrics.MarkHit(ctx, string(strategy.Level))
			return cached, nil
		}
	}

	embedding, err := d.embedder.Embed(ctx, searchQuery(dev.Type, exerciseID))
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	docs, err := d.searcher.SearchContext(ctx, string(dev.Type), string(dev.Severity), embedding, DocsPerDeviation)
	if err != nil {
		return nil, err
	}

	if d.cache != nil && len(docs) > 0 {
		if err := d.cache.SetValue(ctx, strategy.Key, docs, strategy.TTL()); err != nil {
			d.logger.Debug("context cache write failed", "key", strategy.Key, "error", err)
		}
	}
	return docs, nil
}

func criticalDeviations(devs []scoring.AggregatedDeviation) []scoring.AggregatedDeviation {
	var out []scoring.AggregatedDeviation
	for _, d := range devs {
		if d.Severity.Critical() {
			out = append(out, d)
		}
	}
	return out
}

func uniqueSources(docs []models.ContextDoc) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range docs {
		if d.Source == "" || seen[d.Source] {
			continue
		}
		seen[d.Source] = true
		out = append(out, d.Source)
	}
	return out
}

// estimateTokens approximates token usage at four characters per token.
func estimateTokens(prompt, narrative string) int {
	return (len(prompt) + len(narrative)) / 4
}
