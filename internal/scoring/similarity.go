package scoring

import (
	"math"

	"github.com/bdougie/formcheck/internal/models"
)

// missingJointScore is used when the reference has no usable data for a joint
const missingJointScore = 0.5

// AngleSimilarity scores how close a measured angle is to the ideal, in [0,1].
//
//	diff <= t       1.0
//	t < diff <= 2t  linear 1.0 -> 0.7
//	2t < diff <= 3t linear 0.7 -> 0.4
//	diff > 3t       0.4 * e^(-(diff-3t)/50)
func AngleSimilarity(user, ideal, tolerance float64) float64 {
	diff := math.Abs(user - ideal)

	switch {
	case diff <= tolerance:
		return 1.0
	case diff <= 2*tolerance:
		return 0.7 + 0.3*(2*tolerance-diff)/tolerance
	case diff <= 3*tolerance:
		return 0.4 + 0.3*(3*tolerance-diff)/tolerance
	default:
		return 0.4 * math.Exp(-(diff-3*tolerance)/50)
	}
}

// Symmetry scores left/right balance of knees and ankles, in [0,1].
// A 20 degree knee difference or 15 degree ankle difference zeroes its half.
func Symmetry(a models.FrameAngles) float64 {
	kneeDiff := math.Abs(a.KneeLeft - a.KneeRight)
	ankleDiff := math.Abs(a.AnkleLeft - a.AnkleRight)

	knee := math.Max(0, 1-kneeDiff/20)
	ankle := math.Max(0, 1-ankleDiff/15)

	return (knee + ankle) / 2
}

// FrameSimilarity computes the weighted similarity of a frame against a phase.
// Weights are expected to sum to about 1.
func FrameSimilarity(a models.FrameAngles, ref ReferencePhase, w Weights) (float64, JointScores) {
	scores := JointScores{
		Knee:     bilateral(a.KneeLeft, a.KneeRight, ref.KneeLeft, ref.KneeRight),
		Hip:      unilateral(a.Hip, ref.Hip),
		Trunk:    unilateral(a.Trunk, ref.Trunk),
		Ankle:    bilateral(a.AnkleLeft, a.AnkleRight, ref.AnkleLeft, ref.AnkleRight),
		Symmetry: Symmetry(a),
	}

	overall := scores.Knee*w.Knee +
		scores.Hip*w.Hip +
		scores.Trunk*w.Trunk +
		scores.Ankle*w.Ankle +
		scores.Symmetry*w.Symmetry

	return clamp(overall, 0, 1), scores
}

func bilateral(left, right float64, refLeft, refRight *ReferenceAngle) float64 {
	if !usable(refLeft) || !usable(refRight) {
		return missingJointScore
	}
	l := AngleSimilarity(left, refLeft.Ideal, refLeft.Tolerance)
	r := AngleSimilarity(right, refRight.Ideal, refRight.Tolerance)
	return (l + r) / 2
}

func unilateral(v float64, ref *ReferenceAngle) float64 {
	if !usable(ref) {
		return missingJointScore
	}
	return AngleSimilarity(v, ref.Ideal, ref.Tolerance)
}

// usable rejects missing or malformed reference data
func usable(ref *ReferenceAngle) bool {
	if ref == nil {
		return false
	}
	if math.IsNaN(ref.Ideal) || math.IsInf(ref.Ideal, 0) {
		return false
	}
	return ref.Tolerance > 0 && !math.IsInf(ref.Tolerance, 0)
}

// ClassifySimilarity returns a descriptive label for a similarity in [0,1].
func ClassifySimilarity(similarity float64) string {
	switch {
	case similarity >= 0.9:
		return "excellent"
	case similarity >= 0.8:
		return "very_good"
	case similarity >= 0.7:
		return "good"
	case similarity >= 0.6:
		return "regular"
	case similarity >= 0.5:
		return "poor"
	}
	return "critical"
}

// IsAcceptableSimilarity reports whether similarity reaches threshold.
// A threshold <= 0 uses the default of 0.7.
func IsAcceptableSimilarity(similarity, threshold float64) bool {
	if threshold <= 0 {
		threshold = 0.7
	}
	return similarity >= threshold
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
