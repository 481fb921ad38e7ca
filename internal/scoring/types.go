package scoring

import (
	"github.com/bdougie/formcheck/internal/models"
)

// Phase is a named movement phase of a reference standard
type Phase string

const (
	PhaseEccentricTop    Phase = "eccentric_top"
	PhaseEccentricMid    Phase = "eccentric_mid"
	PhaseIsometricBottom Phase = "isometric_bottom"
	PhaseConcentric      Phase = "concentric"
)

// FaultType is one of the catalogued movement compensations
type FaultType string

const (
	KneeValgus        FaultType = "knee_valgus"
	ButtWink          FaultType = "butt_wink"
	ForwardLean       FaultType = "forward_lean"
	HeelRise          FaultType = "heel_rise"
	AsymmetricLoading FaultType = "asymmetric_loading"
)

// FaultTypes lists every known fault type.
func FaultTypes() []FaultType {
	return []FaultType{KneeValgus, ButtWink, ForwardLean, HeelRise, AsymmetricLoading}
}

// Valid reports whether f is a known fault type.
func (f FaultType) Valid() bool {
	switch f {
	case KneeValgus, ButtWink, ForwardLean, HeelRise, AsymmetricLoading:
		return true
	}
	return false
}

// Severity of a detected deviation
type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// Rank orders severities: mild < moderate < severe. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityMild:
		return 1
	case SeverityModerate:
		return 2
	case SeveritySevere:
		return 3
	}
	return 0
}

// Critical reports whether the severity is moderate or severe.
func (s Severity) Critical() bool {
	return s == SeverityModerate || s == SeveritySevere
}

// Trend of a fault across the analysed frames
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// Classification is the descriptive label of an overall score
type Classification string

const (
	ClassExcellent   Classification = "excellent"
	ClassGood        Classification = "good"
	ClassRegular     Classification = "regular"
	ClassPoor        Classification = "poor"
	ClassCritical    Classification = "critical"
	ClassUnavailable Classification = "unavailable"
)

// ReferenceAngle is an ideal joint angle and its tolerance in degrees
type ReferenceAngle struct {
	Ideal     float64 `yaml:"ideal" json:"ideal" msgpack:"ideal"`
	Tolerance float64 `yaml:"tolerance" json:"tolerance" msgpack:"tolerance"`
}

// ReferencePhase holds the reference angle of each joint for one phase.
// A nil joint means the reference has no data for it.
type ReferencePhase struct {
	KneeLeft   *ReferenceAngle `yaml:"knee_left" json:"knee_left,omitempty" msgpack:"knee_left"`
	KneeRight  *ReferenceAngle `yaml:"knee_right" json:"knee_right,omitempty" msgpack:"knee_right"`
	Hip        *ReferenceAngle `yaml:"hip" json:"hip,omitempty" msgpack:"hip"`
	Trunk      *ReferenceAngle `yaml:"trunk" json:"trunk,omitempty" msgpack:"trunk"`
	AnkleLeft  *ReferenceAngle `yaml:"ankle_left" json:"ankle_left,omitempty" msgpack:"ankle_left"`
	AnkleRight *ReferenceAngle `yaml:"ankle_right" json:"ankle_right,omitempty" msgpack:"ankle_right"`
}

// Weights of each component of the frame similarity
type Weights struct {
	Knee     float64 `yaml:"knee" json:"knee" msgpack:"knee"`
	Hip      float64 `yaml:"hip" json:"hip" msgpack:"hip"`
	Trunk    float64 `yaml:"trunk" json:"trunk" msgpack:"trunk"`
	Ankle    float64 `yaml:"ankle" json:"ankle" msgpack:"ankle"`
	Symmetry float64 `yaml:"symmetry" json:"symmetry" msgpack:"symmetry"`
}

// DefaultWeights are used when a reference standard does not define its own.
func DefaultWeights() Weights {
	return Weights{Knee: 0.3, Hip: 0.25, Trunk: 0.2, Ankle: 0.15, Symmetry: 0.1}
}

// IsZero reports whether no weight is set.
func (w Weights) IsZero() bool {
	return w == Weights{}
}

// Thresholds are the "min-max" degree bands of each severity
type Thresholds struct {
	Mild     string `yaml:"mild" json:"mild" msgpack:"mild"`
	Moderate string `yaml:"moderate" json:"moderate" msgpack:"moderate"`
	Severe   string `yaml:"severe" json:"severe" msgpack:"severe"`
}

// CompensationRule is a catalog entry describing a fault and its severity bands
type CompensationRule struct {
	Type        FaultType  `yaml:"type" json:"type" msgpack:"type"`
	Description string     `yaml:"description" json:"description" msgpack:"description"`
	Thresholds  Thresholds `yaml:"thresholds" json:"thresholds" msgpack:"thresholds"`
}

// ReferenceStandard is the versioned reference movement of an exercise
type ReferenceStandard struct {
	ExerciseID string                   `yaml:"exercise_id" json:"exercise_id" msgpack:"exercise_id"`
	Version    int                      `yaml:"version" json:"version" msgpack:"version"`
	Weights    Weights                  `yaml:"weights" json:"weights" msgpack:"weights"`
	Phases     map[Phase]ReferencePhase `yaml:"phases" json:"phases" msgpack:"phases"`
	Rules      []CompensationRule       `yaml:"rules" json:"rules" msgpack:"rules"`
}

// Deviation is one fault detected on one frame
type Deviation struct {
	Type        FaultType `json:"type" msgpack:"type"`
	Severity    Severity  `json:"severity" msgpack:"severity"`
	Location    string    `json:"location" msgpack:"location"`
	Value       float64   `json:"value" msgpack:"value"`
	FrameNumber int       `json:"frame_number" msgpack:"frame_number"`
	Description string    `json:"description" msgpack:"description"`
}

// AggregatedDeviation summarises one fault type across all frames
type AggregatedDeviation struct {
	Type           FaultType `json:"type" msgpack:"type"`
	Severity       Severity  `json:"severity" msgpack:"severity"`
	FramesAffected []int     `json:"frames_affected" msgpack:"frames_affected"`
	Percentage     float64   `json:"percentage" msgpack:"percentage"`
	AverageValue   float64   `json:"average_value" msgpack:"average_value"`
	Trend          Trend     `json:"trend" msgpack:"trend"`
}

// JointScores is the per-component similarity of a frame
type JointScores struct {
	Knee     float64 `json:"knee" msgpack:"knee"`
	Hip      float64 `json:"hip" msgpack:"hip"`
	Trunk    float64 `json:"trunk" msgpack:"trunk"`
	Ankle    float64 `json:"ankle" msgpack:"ankle"`
	Symmetry float64 `json:"symmetry" msgpack:"symmetry"`
}

// FrameAnalysis is the scored breakdown of one frame
type FrameAnalysis struct {
	FrameNumber int                `json:"frame_number" msgpack:"frame_number"`
	TimestampMs int64              `json:"timestamp_ms" msgpack:"timestamp_ms"`
	Phase       Phase              `json:"phase" msgpack:"phase"`
	Angles      models.FrameAngles `json:"angles" msgpack:"angles"`
	Similarity  float64            `json:"similarity" msgpack:"similarity"`
	Joints      JointScores        `json:"similarity_by_joint" msgpack:"similarity_by_joint"`
	Deviations  []Deviation        `json:"deviations" msgpack:"deviations"`
	Score       float64            `json:"score" msgpack:"score"`
}

// QuickAnalysisResult is the output of the quick analysis stage
type QuickAnalysisResult struct {
	ExerciseID       string                `json:"exercise_id" msgpack:"exercise_id"`
	ReferenceVersion int                   `json:"reference_version" msgpack:"reference_version"`
	OverallScore     float64               `json:"overall_score" msgpack:"overall_score"`
	Similarity       float64               `json:"similarity_to_gold" msgpack:"similarity_to_gold"`
	Classification   Classification        `json:"classification" msgpack:"classification"`
	Frames           []FrameAnalysis       `json:"frames" msgpack:"frames"`
	Deviations       []AggregatedDeviation `json:"deviations" msgpack:"deviations"`
	ProcessingTimeMs int64                 `json:"processing_time_ms" msgpack:"processing_time_ms"`
}

// CriticalDeviations counts aggregated deviations that are moderate or severe.
func (r *QuickAnalysisResult) CriticalDeviations() int {
	n := 0
	for _, d := range r.Deviations {
		if d.Severity.Critical() {
			n++
		}
	}
	return n
}
