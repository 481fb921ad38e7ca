package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdougie/formcheck/internal/models"
)

var (
	// ErrNoFrames is returned when there is nothing to analyse
	ErrNoFrames = errors.New("invalid input: no frames to analyze")
	// ErrReferenceNotFound is returned when no reference exists for an exercise
	ErrReferenceNotFound = errors.New("reference standard not found")
)

// ReferenceSource provides the reference standard of an exercise
type ReferenceSource interface {
	Reference(ctx context.Context, exerciseID string) (*ReferenceStandard, error)
}

// Analyzer runs the quick, deterministic comparison of pose frames against
// the reference standard of an exercise.
type Analyzer struct {
	refs   ReferenceSource
	logger *slog.Logger
	now    func() time.Time
}

// NewAnalyzer creates an analyzer backed by refs.
func NewAnalyzer(refs ReferenceSource, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		refs:   refs,
		logger: logger.With("component", "quick_analysis"),
		now:    time.Now,
	}
}

// Analyze scores frames against the reference of exerciseID.
func (a *Analyzer) Analyze(ctx context.Context, exerciseID string, frames []models.PoseFrame) (*QuickAnalysisResult, error) {
	start := a.now()

	if len(frames) == 0 {
		return nil, ErrNoFrames
	}

	ref, err := a.refs.Reference(ctx, exerciseID)
	if err != nil {
		return nil, fmt.Errorf("load reference for %s: %w", exerciseID, err)
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: %s", ErrReferenceNotFound, exerciseID)
	}

	weights := ref.Weights
	if weights.IsZero() {
		weights = DefaultWeights()
	}

	a.logger.Debug("reference loaded", "exercise", ref.ExerciseID, "version", ref.Version, "frames", len(frames))

	analysed := make([]FrameAnalysis, 0, len(frames))
	var all []Deviation
	var simSum float64

	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		phase := MatchPhase(f.Angles)
		phaseRef := ref.Phases[phase]

		sim, joints := FrameSimilarity(f.Angles, phaseRef, weights)

		devs, errs := DetectDeviations(ref.Rules, f.Angles, phaseRef, f.FrameNumber)
		for _, err := range errs {
			a.logger.Warn("rule evaluation skipped", "frame", f.FrameNumber, "phase", phase, "error", err)
		}

		analysed = append(analysed, FrameAnalysis{
			FrameNumber: f.FrameNumber,
			TimestampMs: f.TimestampMs,
			Phase:       phase,
			Angles:      f.Angles,
			Similarity:  sim,
			Joints:      joints,
			Deviations:  devs,
			Score:       FrameScore(sim, devs),
		})
		all = append(all, devs...)
		simSum += sim
	}

	aggregated := AggregateDeviations(all, len(frames))
	score := OverallScore(analysed, aggregated)

	result := &QuickAnalysisResult{
		ExerciseID:       exerciseID,
		ReferenceVersion: ref.Version,
		OverallScore:     score,
		Similarity:       clamp(simSum/float64(len(analysed)), 0, 1),
		Classification:   Classify(score),
		Frames:           analysed,
		Deviations:       aggregated,
		ProcessingTimeMs: a.now().Sub(start).Milliseconds(),
	}

	a.logger.Info("quick analysis completed",
		"exercise", exerciseID,
		"score", fmt.Sprintf("%.2f", result.OverallScore),
		"similarity", fmt.Sprintf("%.1f%%", result.Similarity*100),
		"deviations", len(aggregated),
		"duration_ms", result.ProcessingTimeMs,
	)

	return result, nil
}
