package scoring

import (
	"math"
	"testing"

	"github.com/bdougie/formcheck/internal/models"
)

const epsilon = 1e-9

func approx(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

func TestAngleSimilarityZones(t *testing.T) {
	tests := []struct {
		name      string
		user      float64
		ideal     float64
		tolerance float64
		want      float64
	}{
		{"exact match", 90, 90, 10, 1.0},
		{"inside tolerance", 95, 90, 10, 1.0},
		{"at tolerance", 100, 90, 10, 1.0},
		{"mid first ramp", 105, 90, 10, 0.85},
		{"at twice tolerance", 110, 90, 10, 0.7},
		{"mid second ramp", 115, 90, 10, 0.55},
		{"at three times tolerance", 120, 90, 10, 0.4},
		{"exponential tail", 170, 90, 10, 0.4 * math.Exp(-50.0/50)},
		{"below ideal is symmetric", 70, 90, 10, 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AngleSimilarity(tt.user, tt.ideal, tt.tolerance)
			if !approx(got, tt.want) {
				t.Errorf("AngleSimilarity(%v, %v, %v) = %v, want %v", tt.user, tt.ideal, tt.tolerance, got, tt.want)
			}
		})
	}
}

func TestAngleSimilarityBoundariesExact(t *testing.T) {
	for _, tol := range []float64{1, 5, 7.5, 10, 12, 25} {
		if got := AngleSimilarity(100+2*tol, 100, tol); got != 0.7 {
			t.Errorf("tolerance %v: similarity at 2t = %v, want exactly 0.7", tol, got)
		}
		if got := AngleSimilarity(100+3*tol, 100, tol); got != 0.4 {
			t.Errorf("tolerance %v: similarity at 3t = %v, want exactly 0.4", tol, got)
		}
		if got := AngleSimilarity(42, 42, tol); got != 1.0 {
			t.Errorf("tolerance %v: identical angles = %v, want 1.0", tol, got)
		}
	}
}

func TestAngleSimilarityMonotonic(t *testing.T) {
	const tol = 8.0
	prev := AngleSimilarity(0, 0, tol)
	for diff := 0.25; diff <= 200; diff += 0.25 {
		cur := AngleSimilarity(diff, 0, tol)
		if cur > prev+epsilon {
			t.Fatalf("similarity increased at diff %v: %v > %v", diff, cur, prev)
		}
		if cur < 0 || cur > 1 {
			t.Fatalf("similarity %v out of range at diff %v", cur, diff)
		}
		prev = cur
	}
}

func TestSymmetry(t *testing.T) {
	tests := []struct {
		name   string
		angles models.FrameAngles
		want   float64
	}{
		{"balanced", models.FrameAngles{KneeLeft: 90, KneeRight: 90, AnkleLeft: 70, AnkleRight: 70}, 1.0},
		{"knee 10 apart", models.FrameAngles{KneeLeft: 100, KneeRight: 90, AnkleLeft: 70, AnkleRight: 70}, 0.75},
		{"knee 20 apart zeroes knee half", models.FrameAngles{KneeLeft: 110, KneeRight: 90, AnkleLeft: 70, AnkleRight: 70}, 0.5},
		{"both beyond limits", models.FrameAngles{KneeLeft: 150, KneeRight: 90, AnkleLeft: 100, AnkleRight: 70}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Symmetry(tt.angles); !approx(got, tt.want) {
				t.Errorf("Symmetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func squatBottom() ReferencePhase {
	return ReferencePhase{
		KneeLeft:   &ReferenceAngle{Ideal: 90, Tolerance: 10},
		KneeRight:  &ReferenceAngle{Ideal: 90, Tolerance: 10},
		Hip:        &ReferenceAngle{Ideal: 80, Tolerance: 10},
		Trunk:      &ReferenceAngle{Ideal: 45, Tolerance: 10},
		AnkleLeft:  &ReferenceAngle{Ideal: 70, Tolerance: 8},
		AnkleRight: &ReferenceAngle{Ideal: 70, Tolerance: 8},
	}
}

func TestFrameSimilarityPerfect(t *testing.T) {
	angles := models.FrameAngles{KneeLeft: 90, KneeRight: 90, Hip: 80, Trunk: 45, AnkleLeft: 70, AnkleRight: 70}

	overall, joints := FrameSimilarity(angles, squatBottom(), DefaultWeights())

	if !approx(overall, 1.0) {
		t.Errorf("overall = %v, want 1.0", overall)
	}
	if joints.Knee != 1 || joints.Hip != 1 || joints.Trunk != 1 || joints.Ankle != 1 || joints.Symmetry != 1 {
		t.Errorf("unexpected joint scores %+v", joints)
	}
}

func TestFrameSimilarityBilateralMean(t *testing.T) {
	ref := squatBottom()
	// left knee at 2t (0.7), right knee perfect (1.0)
	angles := models.FrameAngles{KneeLeft: 110, KneeRight: 90, Hip: 80, Trunk: 45, AnkleLeft: 70, AnkleRight: 70}

	_, joints := FrameSimilarity(angles, ref, DefaultWeights())

	if !approx(joints.Knee, 0.85) {
		t.Errorf("knee = %v, want 0.85", joints.Knee)
	}
}

func TestFrameSimilarityMissingReference(t *testing.T) {
	ref := squatBottom()
	ref.Hip = nil
	ref.AnkleRight = nil
	ref.Trunk = &ReferenceAngle{Ideal: 45, Tolerance: 0}

	angles := models.FrameAngles{KneeLeft: 90, KneeRight: 90, Hip: 10, Trunk: 45, AnkleLeft: 70, AnkleRight: 70}
	_, joints := FrameSimilarity(angles, ref, DefaultWeights())

	if joints.Hip != missingJointScore {
		t.Errorf("hip = %v, want %v", joints.Hip, missingJointScore)
	}
	if joints.Ankle != missingJointScore {
		t.Errorf("ankle = %v, want %v", joints.Ankle, missingJointScore)
	}
	if joints.Trunk != missingJointScore {
		t.Errorf("trunk with zero tolerance = %v, want %v", joints.Trunk, missingJointScore)
	}
}

func TestFrameSimilarityEmptyPhase(t *testing.T) {
	overall, _ := FrameSimilarity(models.FrameAngles{}, ReferencePhase{}, DefaultWeights())
	// every joint 0.5, symmetry 1.0
	want := 0.5*(0.3+0.25+0.2+0.15) + 0.1
	if !approx(overall, want) {
		t.Errorf("overall = %v, want %v", overall, want)
	}
}

func TestClassifySimilarity(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0.95, "excellent"},
		{0.85, "very_good"},
		{0.7, "good"},
		{0.65, "regular"},
		{0.5, "poor"},
		{0.1, "critical"},
	}
	for _, tt := range tests {
		if got := ClassifySimilarity(tt.in); got != tt.want {
			t.Errorf("ClassifySimilarity(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if !IsAcceptableSimilarity(0.7, 0) {
		t.Error("0.7 should be acceptable with the default threshold")
	}
	if IsAcceptableSimilarity(0.75, 0.8) {
		t.Error("0.75 should not be acceptable with threshold 0.8")
	}
}
