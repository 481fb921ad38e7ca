package cache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bdougie/formcheck/internal/decision"
	"github.com/bdougie/formcheck/internal/metrics"
	"github.com/bdougie/formcheck/internal/scoring"
)

// ReferenceSource serves reference standards from the L2 cache, loading
// misses from an underlying source.
type ReferenceSource struct {
	cache  *Redis
	source scoring.ReferenceSource
	logger *slog.Logger
}

// NewReferenceSource wraps source with the L2 cache.
func NewReferenceSource(c *Redis, source scoring.ReferenceSource, logger *slog.Logger) *ReferenceSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReferenceSource{cache: c, source: source, logger: logger.With("component", "reference_cache")}
}

// Reference implements scoring.ReferenceSource. Cache failures fall through
// to the underlying source.
func (s *ReferenceSource) Reference(ctx context.Context, exerciseID string) (*scoring.ReferenceStandard, error) {
	strategy := decision.ReferenceCacheStrategy(exerciseID)

	var ref scoring.ReferenceStandard
	found, err := s.cache.GetValue(ctx, strategy.Key, &ref)
	switch {
	case err != nil && !errors.Is(err, ErrCorrupt):
		s.logger.Warn("reference cache lookup failed", "exercise", exerciseID, "error", err)
	case found:
		metrics.MarkHit(ctx, string(strategy.Level))
		return &ref, nil
	}

	loaded, err := s.source.Reference(ctx, exerciseID)
	if err != nil || loaded == nil {
		return loaded, err
	}

	if err := s.cache.SetValue(ctx, strategy.Key, loaded, strategy.TTL()); err != nil {
		s.logger.Warn("reference cache write failed", "exercise", exerciseID, "error", err)
	}
	return loaded, nil
}

// InvalidateReferences drops every cached reference standard.
func (s *ReferenceSource) InvalidateReferences(ctx context.Context) (int, error) {
	return s.cache.InvalidatePattern(ctx, "gold_standard:*")
}
