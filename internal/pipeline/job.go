package pipeline

import (
	"fmt"
	"time"

	"github.com/bdougie/formcheck/internal/decision"
	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/scoring"
)

// Job is one analysis request
type Job struct {
	ID         string       `json:"id"`
	VideoRef   string       `json:"video_ref"`
	UserID     string       `json:"user_id"`
	ExerciseID string       `json:"exercise_id"`
	Profile    *models.User `json:"profile,omitempty"`
	SkipCache  bool         `json:"skip_cache"`
	Attempt    int          `json:"attempt"`
}

// Validate checks the required identifiers of a job.
func (j Job) Validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("invalid job: missing id")
	case j.VideoRef == "":
		return fmt.Errorf("invalid job %s: missing video reference", j.ID)
	case j.UserID == "":
		return fmt.Errorf("invalid job %s: missing user id", j.ID)
	case j.ExerciseID == "":
		return fmt.Errorf("invalid job %s: missing exercise id", j.ID)
	}
	return nil
}

// Result is the persisted outcome of a completed job
type Result struct {
	JobID            string                        `json:"job_id" msgpack:"job_id"`
	UserID           string                        `json:"user_id" msgpack:"user_id"`
	ExerciseID       string                        `json:"exercise_id" msgpack:"exercise_id"`
	VideoRef         string                        `json:"video_ref" msgpack:"video_ref"`
	ContentHash      string                        `json:"content_hash" msgpack:"content_hash"`
	Score            float64                       `json:"score" msgpack:"score"`
	Classification   scoring.Classification        `json:"classification" msgpack:"classification"`
	Similarity       float64                       `json:"similarity" msgpack:"similarity"`
	Deviations       []scoring.AggregatedDeviation `json:"deviations" msgpack:"deviations"`
	Frames           []scoring.FrameAnalysis       `json:"frames" msgpack:"frames"`
	ProcessingTimeMs int64                         `json:"processing_time_ms" msgpack:"processing_time_ms"`
	Decision         decision.Decision             `json:"decision" msgpack:"decision"`
	Deep             *models.DeepAnalysis          `json:"deep_analysis,omitempty" msgpack:"deep_analysis"`
	Protocols        []models.Protocol             `json:"protocols" msgpack:"protocols"`
	Fallbacks        []string                      `json:"fallbacks,omitempty" msgpack:"fallbacks"`
	CompletedAt      time.Time                     `json:"completed_at" msgpack:"completed_at"`
}

// Outcome is returned by Orchestrator.Run for a successful job
type Outcome struct {
	Result   *Result
	CacheHit bool
}

// ProgressFunc receives monotonically increasing progress checkpoints
type ProgressFunc func(percent int, stage models.Stage)
