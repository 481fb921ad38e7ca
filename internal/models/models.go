package models

// FrameRef points at one extracted frame on disk
type FrameRef struct {
	Path        string `json:"path"`
	Number      int    `json:"frame_number"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// FrameAngles holds the joint angles measured for a single frame, in degrees
type FrameAngles struct {
	KneeLeft   float64 `json:"knee_left" yaml:"knee_left" msgpack:"knee_left"`
	KneeRight  float64 `json:"knee_right" yaml:"knee_right" msgpack:"knee_right"`
	Hip        float64 `json:"hip" yaml:"hip" msgpack:"hip"`
	Trunk      float64 `json:"trunk" yaml:"trunk" msgpack:"trunk"`
	AnkleLeft  float64 `json:"ankle_left" yaml:"ankle_left" msgpack:"ankle_left"`
	AnkleRight float64 `json:"ankle_right" yaml:"ankle_right" msgpack:"ankle_right"`
}

// PoseFrame is one frame returned by the pose-estimation service
type PoseFrame struct {
	FrameNumber int         `json:"frame_number" msgpack:"frame_number"`
	TimestampMs int64       `json:"timestamp_ms" msgpack:"timestamp_ms"`
	Angles      FrameAngles `json:"angles" msgpack:"angles"`
}

// User is the subset of a user profile the pipeline needs
type User struct {
	ID               string  `json:"id"`
	Tier             string  `json:"tier"`
	TrainingAgeYears float64 `json:"training_age_years,omitempty"`
}

// Protocol is a corrective exercise protocol for one fault
type Protocol struct {
	Name        string   `json:"name" yaml:"name" msgpack:"name"`
	FaultType   string   `json:"fault_type" yaml:"fault_type" msgpack:"fault_type"`
	Severity    string   `json:"severity" yaml:"severity" msgpack:"severity"`
	Exercises   []string `json:"exercises" yaml:"exercises" msgpack:"exercises"`
	Frequency   string   `json:"frequency" yaml:"frequency" msgpack:"frequency"`
	DurationWks int      `json:"duration_weeks" yaml:"duration_weeks" msgpack:"duration_weeks"`
	Notes       []string `json:"notes,omitempty" yaml:"notes" msgpack:"notes"`
	Generic     bool     `json:"generic" msgpack:"generic"`
}

// Stage identifies a step of the analysis pipeline
type Stage string

const (
	StageCacheCheck     Stage = "cache_check"
	StageExtraction     Stage = "extraction"
	StagePoseEstimation Stage = "pose_estimation"
	StageQuickAnalysis  Stage = "quick_analysis"
	StageDecision       Stage = "decision"
	StageDeepAnalysis   Stage = "deep_analysis"
	StageProtocols      Stage = "protocols"
	StageSave           Stage = "save"
	StageCacheWrite     Stage = "cache_write"
	StageNotification   Stage = "notification"
)

// Stages lists every stage in execution order.
func Stages() []Stage {
	return []Stage{
		StageCacheCheck,
		StageExtraction,
		StagePoseEstimation,
		StageQuickAnalysis,
		StageDecision,
		StageDeepAnalysis,
		StageProtocols,
		StageSave,
		StageCacheWrite,
		StageNotification,
	}
}

// ErrorType is the classified kind of a stage failure
type ErrorType string

const (
	ErrExtraction    ErrorType = "extraction_error"
	ErrMediapipe     ErrorType = "mediapipe_error"
	ErrQuickAnalysis ErrorType = "quick_analysis_error"
	ErrDeepAnalysis  ErrorType = "deep_analysis_error"
	ErrProtocols     ErrorType = "protocols_error"
	ErrDatabase      ErrorType = "database_error"
	ErrCache         ErrorType = "cache_error"
	ErrNotification  ErrorType = "notification_error"
	ErrValidation    ErrorType = "validation_error"
	ErrTimeout       ErrorType = "timeout_error"
	ErrResource      ErrorType = "resource_error"
	ErrUnknown       ErrorType = "unknown_error"
)

// ErrorTypes lists every error type.
func ErrorTypes() []ErrorType {
	return []ErrorType{
		ErrExtraction,
		ErrMediapipe,
		ErrQuickAnalysis,
		ErrDeepAnalysis,
		ErrProtocols,
		ErrDatabase,
		ErrCache,
		ErrNotification,
		ErrValidation,
		ErrTimeout,
		ErrResource,
		ErrUnknown,
	}
}

// ExtractOptions controls frame extraction
type ExtractOptions struct {
	FPS       float64 `json:"fps" yaml:"fps"`
	MaxFrames int     `json:"max_frames" yaml:"max_frames"`
	Quality   int     `json:"quality" yaml:"quality"`
}

// DeepAnalysis is the narrative produced by the deep analysis stage
type DeepAnalysis struct {
	Narrative     string   `json:"narrative" msgpack:"narrative"`
	Sources       []string `json:"sources" msgpack:"sources"`
	Model         string   `json:"model" msgpack:"model"`
	DocsRetrieved int      `json:"docs_retrieved" msgpack:"docs_retrieved"`
	TokensUsed    int      `json:"tokens_used" msgpack:"tokens_used"`
	DurationMs    int64    `json:"duration_ms" msgpack:"duration_ms"`
}

// Notification is sent to a user when a job finishes
type Notification struct {
	Type  string  `json:"type"`
	JobID string  `json:"job_id"`
	Score float64 `json:"score"`
	Tier  string  `json:"tier"`
}

// KnowledgeChunk is a reference passage used as deep-analysis context
type KnowledgeChunk struct {
	FaultType string `json:"fault_type" yaml:"fault_type"`
	Severity  string `json:"severity" yaml:"severity"`
	Title     string `json:"title" yaml:"title"`
	Content   string `json:"content" yaml:"content"`
	Source    string `json:"source" yaml:"source"`
}

// ContextDoc is a knowledge chunk returned by a similarity search
type ContextDoc struct {
	Title      string  `json:"title" msgpack:"title"`
	Content    string  `json:"content" msgpack:"content"`
	Source     string  `json:"source" msgpack:"source"`
	Similarity float64 `json:"similarity" msgpack:"similarity"`
}
