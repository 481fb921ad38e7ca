package decision

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/scoring"
)

// Trigger categories, the prefix of every trigger string.
const (
	TriggerScoreLow           = "score_low"
	TriggerSimilarityLow      = "similarity_low"
	TriggerCriticalDeviations = "critical_deviations"
	TriggerMultipleDeviations = "multiple_deviations"
	TriggerPremiumTier        = "premium_tier"
)

// Options tune the thresholds of the engine
type Options struct {
	ScoreThreshold      float64  `yaml:"score_threshold"`
	SimilarityThreshold float64  `yaml:"similarity_threshold"`
	MinTriggers         int      `yaml:"min_triggers"`
	MultipleDeviations  int      `yaml:"multiple_deviations"`
	PremiumTiers        []string `yaml:"premium_tiers"`
	CostCeiling         float64  `yaml:"cost_ceiling"`
	CostPerSecond       float64  `yaml:"cost_per_second"`
}

// DefaultOptions returns the production thresholds.
func DefaultOptions() Options {
	return Options{
		ScoreThreshold:      7.0,
		SimilarityThreshold: 0.70,
		MinTriggers:         2,
		MultipleDeviations:  3,
		PremiumTiers:        []string{"pro", "coach"},
		CostCeiling:         100,
		CostPerSecond:       1.0,
	}
}

// Decision is the outcome of evaluating a quick analysis
type Decision struct {
	ShouldRun       bool     `json:"should_run" msgpack:"should_run"`
	Reason          string   `json:"reason" msgpack:"reason"`
	EstimatedTimeMs int64    `json:"estimated_time_ms" msgpack:"estimated_time_ms"`
	Triggers        []string `json:"triggers" msgpack:"triggers"`
}

// HasTrigger reports whether a trigger of the given category fired.
func (d Decision) HasTrigger(category string) bool {
	for _, t := range d.Triggers {
		if name, _, _ := strings.Cut(t, ":"); name == category {
			return true
		}
	}
	return false
}

// Engine decides whether deep analysis is worth running for a job.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

// NewEngine creates an engine. Zero-valued options fall back to defaults.
func NewEngine(opts Options, logger *slog.Logger) *Engine {
	def := DefaultOptions()
	if opts.ScoreThreshold == 0 {
		opts.ScoreThreshold = def.ScoreThreshold
	}
	if opts.SimilarityThreshold == 0 {
		opts.SimilarityThreshold = def.SimilarityThreshold
	}
	if opts.MinTriggers == 0 {
		opts.MinTriggers = def.MinTriggers
	}
	if opts.MultipleDeviations == 0 {
		opts.MultipleDeviations = def.MultipleDeviations
	}
	if len(opts.PremiumTiers) == 0 {
		opts.PremiumTiers = def.PremiumTiers
	}
	if opts.CostCeiling == 0 {
		opts.CostCeiling = def.CostCeiling
	}
	if opts.CostPerSecond == 0 {
		opts.CostPerSecond = def.CostPerSecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opts: opts, logger: logger.With("component", "decision")}
}

// IsPremium reports whether tier belongs to the premium set.
func (e *Engine) IsPremium(tier string) bool {
	return slices.Contains(e.opts.PremiumTiers, tier)
}

// Evaluate decides whether deep analysis should run for result and user.
func (e *Engine) Evaluate(result *scoring.QuickAnalysisResult, user models.User) Decision {
	var triggers []string

	if result.OverallScore < e.opts.ScoreThreshold {
		triggers = append(triggers, fmt.Sprintf("%s: %.1f/10 (< %.1f)",
			TriggerScoreLow, result.OverallScore, e.opts.ScoreThreshold))
	}

	if result.Similarity < e.opts.SimilarityThreshold {
		triggers = append(triggers, fmt.Sprintf("%s: %.1f%% (< %.0f%%)",
			TriggerSimilarityLow, result.Similarity*100, e.opts.SimilarityThreshold*100))
	}

	var critical []string
	for _, d := range result.Deviations {
		if d.Severity.Critical() {
			critical = append(critical, string(d.Type))
		}
	}
	if len(critical) > 0 {
		triggers = append(triggers, fmt.Sprintf("%s: %dx [%s]",
			TriggerCriticalDeviations, len(critical), strings.Join(critical, ", ")))
	}

	if len(result.Deviations) >= e.opts.MultipleDeviations {
		triggers = append(triggers, fmt.Sprintf("%s: %d simultaneous",
			TriggerMultipleDeviations, len(result.Deviations)))
	}

	if e.IsPremium(user.Tier) {
		triggers = append(triggers, fmt.Sprintf("%s: %s - full analysis included",
			TriggerPremiumTier, user.Tier))

		d := Decision{
			ShouldRun:       true,
			Reason:          "premium plan includes deep analysis",
			EstimatedTimeMs: EstimateDeepAnalysisTime(len(critical)),
			Triggers:        triggers,
		}
		e.logger.Debug("premium user, deep analysis forced", "user", user.ID, "triggers", len(triggers))
		return d
	}

	d := Decision{Triggers: triggers}
	if len(triggers) >= e.opts.MinTriggers {
		d.ShouldRun = true
		d.Reason = fmt.Sprintf("%d criteria met: deep analysis required for corrective prescription", len(triggers))
		d.EstimatedTimeMs = EstimateDeepAnalysisTime(len(critical))
	} else {
		d.Reason = fmt.Sprintf("quick analysis sufficient (only %d %s). Deep analysis available on the premium plan",
			len(triggers), plural(len(triggers), "trigger"))
	}

	e.logger.Debug("decision evaluated",
		"should_run", d.ShouldRun,
		"triggers", len(triggers),
		"min_triggers", e.opts.MinTriggers,
	)
	return d
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// EstimateDeepAnalysisTime returns the expected deep analysis duration in ms:
// 30s base, 10s per critical deviation and 5s more for interaction analysis
// when there are three or more.
func EstimateDeepAnalysisTime(criticalDeviations int) int64 {
	ms := int64(30000 + 10000*criticalDeviations)
	if criticalDeviations >= 3 {
		ms += 5000
	}
	return ms
}

// EstimateCost converts the time estimate of d into compute units.
func (e *Engine) EstimateCost(d Decision) float64 {
	return float64(d.EstimatedTimeMs) / 1000 * e.opts.CostPerSecond
}

// EvaluateCostBenefit approves a deep analysis run. Premium always passes,
// otherwise a low score or critical deviations are required and the cost
// must stay under the ceiling.
func (e *Engine) EvaluateCostBenefit(d Decision, cost float64) bool {
	if d.HasTrigger(TriggerPremiumTier) {
		return true
	}
	worth := d.HasTrigger(TriggerScoreLow) || d.HasTrigger(TriggerCriticalDeviations)
	return worth && cost < e.opts.CostCeiling
}
