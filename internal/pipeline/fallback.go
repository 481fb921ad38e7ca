package pipeline

import (
	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/protocols"
	"github.com/bdougie/formcheck/internal/scoring"
)

// FallbackKind names the substitute action taken for a failed stage
type FallbackKind string

const (
	FallbackNone             FallbackKind = "none"
	FallbackReducedFrames    FallbackKind = "reduced_frames"
	FallbackBasicAnalysis    FallbackKind = "basic_analysis"
	FallbackSkipDeep         FallbackKind = "skip_deep"
	FallbackGenericProtocols FallbackKind = "generic_protocols"
	FallbackAltChannel       FallbackKind = "alternate_channel"
)

// FallbackResult is the typed outcome of a fallback
type FallbackResult struct {
	Success bool
	Kind    FallbackKind
	Message string

	Extract   *models.ExtractOptions
	Quick     *scoring.QuickAnalysisResult
	Protocols []models.Protocol
}

// ReducedExtractOptions is the extraction used after repeated failures:
// one frame per second, three frames, lower quality.
func ReducedExtractOptions() models.ExtractOptions {
	return models.ExtractOptions{FPS: 1, MaxFrames: 3, Quality: 70}
}

// BasicQuickResult is substituted when the quick analysis cannot run.
func BasicQuickResult(exerciseID string) *scoring.QuickAnalysisResult {
	return &scoring.QuickAnalysisResult{
		ExerciseID:     exerciseID,
		OverallScore:   5.0,
		Similarity:     0,
		Classification: scoring.ClassUnavailable,
	}
}

// Fallback returns the substitute for the failed stage of pe.
func (s *Strategy) Fallback(pe *ProcessingError, exerciseID string) FallbackResult {
	s.logger.Warn("executing fallback", "type", pe.Type, "stage", pe.Stage)

	switch pe.Stage {
	case models.StageExtraction:
		opts := ReducedExtractOptions()
		return FallbackResult{
			Success: true,
			Kind:    FallbackReducedFrames,
			Message: "using reduced frame extraction (3 frames, 1fps)",
			Extract: &opts,
		}

	case models.StageQuickAnalysis:
		return FallbackResult{
			Success: true,
			Kind:    FallbackBasicAnalysis,
			Message: "basic analysis without reference comparison",
			Quick:   BasicQuickResult(exerciseID),
		}

	case models.StageDeepAnalysis:
		return FallbackResult{
			Success: true,
			Kind:    FallbackSkipDeep,
			Message: "deep analysis skipped",
		}

	case models.StageProtocols:
		return FallbackResult{
			Success:   true,
			Kind:      FallbackGenericProtocols,
			Message:   "using generic corrective protocols",
			Protocols: protocols.Generic(),
		}

	case models.StageNotification:
		return FallbackResult{
			Success: true,
			Kind:    FallbackAltChannel,
			Message: "trying alternate notification channel",
		}

	case models.StageCacheCheck, models.StagePoseEstimation, models.StageDecision,
		models.StageSave, models.StageCacheWrite:
	}

	return FallbackResult{
		Kind:    FallbackNone,
		Message: "no fallback available for stage " + string(pe.Stage),
	}
}

// shouldFallback reports whether a fallback should replace propagating pe.
// retriesExhausted is true when a retryable error ran out of attempts.
func shouldFallback(pe *ProcessingError, retriesExhausted bool) bool {
	if !pe.FallbackAvailable {
		return false
	}
	if pe.Retryable {
		return retriesExhausted
	}
	return pe.Recoverable
}
