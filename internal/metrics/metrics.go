package metrics

import (
	"time"

	"github.com/bdougie/formcheck/internal/models"
)

// Job statuses recorded in JobMetrics
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// CacheHits flags which cache levels served the job
type CacheHits struct {
	L1 bool `json:"l1"`
	L2 bool `json:"l2"`
	L3 bool `json:"l3"`
}

// JobError is a stage error seen while processing a job
type JobError struct {
	Stage     models.Stage     `json:"stage"`
	Type      models.ErrorType `json:"type"`
	Message   string           `json:"message"`
	Recovered bool             `json:"recovered"`
}

// JobMetrics is the metrics record of one job. It is not modified after
// being handed to a Collector.
type JobMetrics struct {
	JobID      string `json:"job_id"`
	UserID     string `json:"user_id"`
	ExerciseID string `json:"exercise_id"`
	Status     string `json:"status"`

	StageTimesMs map[models.Stage]int64 `json:"stage_times_ms"`
	TotalTimeMs  int64                  `json:"total_time_ms"`

	Cache CacheHits `json:"cache"`

	DeepAnalysisTriggered bool     `json:"deep_analysis_triggered"`
	DecisionTriggers      []string `json:"decision_triggers"`

	FramesExtracted int `json:"frames_extracted"`
	FramesAnalyzed  int `json:"frames_analyzed"`
	DocsRetrieved   int `json:"docs_retrieved"`
	TokensUsed      int `json:"tokens_used"`

	QuickScore         float64  `json:"quick_score"`
	Classification     string   `json:"classification"`
	DeviationTypes     []string `json:"deviation_types"`
	DeviationsCount    int      `json:"deviations_count"`
	ProtocolsGenerated int      `json:"protocols_generated"`

	Errors    []JobError `json:"errors"`
	CreatedAt time.Time  `json:"created_at"`
}

// StageTime returns the recorded duration of stage, or 0.
func (m *JobMetrics) StageTime(stage models.Stage) int64 {
	return m.StageTimesMs[stage]
}
