package scoring

import (
	"errors"
	"testing"

	"github.com/bdougie/formcheck/internal/models"
)

var standardBands = Thresholds{Mild: "5-10", Moderate: "10-20", Severe: "20-90"}

func TestMatchPhase(t *testing.T) {
	tests := []struct {
		knee float64
		want Phase
	}{
		{170, PhaseEccentricTop},
		{150.5, PhaseEccentricTop},
		{150, PhaseEccentricMid},
		{120, PhaseEccentricMid},
		{100, PhaseIsometricBottom},
		{80, PhaseIsometricBottom},
		{79.9, PhaseConcentric},
		{40, PhaseConcentric},
	}
	for _, tt := range tests {
		if got := MatchPhase(models.FrameAngles{KneeLeft: tt.knee}); got != tt.want {
			t.Errorf("MatchPhase(knee=%v) = %s, want %s", tt.knee, got, tt.want)
		}
	}
}

func TestParseThresholdLowerBound(t *testing.T) {
	tests := []struct {
		band    string
		want    float64
		wantErr bool
	}{
		{"5-10", 5, false},
		{" 12.5 - 20 ", 12.5, false},
		{"30", 30, false},
		{"", 0, true},
		{"abc-10", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseThresholdLowerBound(tt.band)
		if tt.wantErr {
			if !errors.Is(err, ErrBadThreshold) {
				t.Errorf("ParseThresholdLowerBound(%q) error = %v, want ErrBadThreshold", tt.band, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseThresholdLowerBound(%q) = %v, %v; want %v", tt.band, got, err, tt.want)
		}
	}
}

func TestDetermineSeverity(t *testing.T) {
	tests := []struct {
		value  float64
		want   Severity
		wantOK bool
	}{
		{3, "", false},
		{5, SeverityMild, true},
		{9.9, SeverityMild, true},
		{10, SeverityModerate, true},
		{25, SeveritySevere, true},
	}
	for _, tt := range tests {
		got, ok, err := DetermineSeverity(tt.value, standardBands)
		if err != nil {
			t.Fatalf("DetermineSeverity(%v) unexpected error: %v", tt.value, err)
		}
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("DetermineSeverity(%v) = %q, %v; want %q, %v", tt.value, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestEvaluateRule(t *testing.T) {
	ref := squatBottom()
	base := models.FrameAngles{KneeLeft: 90, KneeRight: 90, Hip: 80, Trunk: 45, AnkleLeft: 70, AnkleRight: 70}

	tests := []struct {
		name     string
		fault    FaultType
		mutate   func(a *models.FrameAngles)
		wantNil  bool
		severity Severity
		location string
		value    float64
	}{
		{"valgus left", KneeValgus, func(a *models.FrameAngles) { a.KneeLeft = 102 }, false, SeverityModerate, "knee_left", 12},
		{"valgus right", KneeValgus, func(a *models.FrameAngles) { a.KneeRight = 84 }, false, SeverityMild, "knee_right", 6},
		{"valgus none", KneeValgus, func(a *models.FrameAngles) { a.KneeRight = 92 }, true, "", "", 0},
		{"butt wink", ButtWink, func(a *models.FrameAngles) { a.Hip = 55 }, false, SeveritySevere, "hip", 25},
		{"hip opened is not butt wink", ButtWink, func(a *models.FrameAngles) { a.Hip = 110 }, true, "", "", 0},
		{"forward lean", ForwardLean, func(a *models.FrameAngles) { a.Trunk = 60 }, false, SeverityModerate, "trunk", 15},
		{"upright trunk", ForwardLean, func(a *models.FrameAngles) { a.Trunk = 20 }, true, "", "", 0},
		{"heel rise", HeelRise, func(a *models.FrameAngles) { a.AnkleRight = 62 }, false, SeverityMild, "ankle_right", 8},
		{"asymmetric knees", AsymmetricLoading, func(a *models.FrameAngles) { a.KneeLeft = 112 }, false, SeveritySevere, "knees", 22},
		{"asymmetric ankles", AsymmetricLoading, func(a *models.FrameAngles) { a.AnkleLeft = 77 }, false, SeverityMild, "ankles", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			angles := base
			tt.mutate(&angles)

			rule := CompensationRule{Type: tt.fault, Description: "test", Thresholds: standardBands}
			dev, err := EvaluateRule(rule, angles, ref, 7)
			if err != nil {
				t.Fatalf("EvaluateRule() error = %v", err)
			}
			if tt.wantNil {
				if dev != nil {
					t.Fatalf("EvaluateRule() = %+v, want nil", dev)
				}
				return
			}
			if dev == nil {
				t.Fatal("EvaluateRule() = nil, want deviation")
			}
			if dev.Severity != tt.severity || dev.Location != tt.location || !approx(dev.Value, tt.value) {
				t.Errorf("got %s/%s/%v, want %s/%s/%v", dev.Severity, dev.Location, dev.Value, tt.severity, tt.location, tt.value)
			}
			if dev.FrameNumber != 7 || dev.Type != tt.fault {
				t.Errorf("unexpected frame or type: %+v", dev)
			}
		})
	}
}

func TestEvaluateRuleErrors(t *testing.T) {
	angles := models.FrameAngles{KneeLeft: 90, KneeRight: 90, Hip: 80}

	_, err := EvaluateRule(CompensationRule{Type: "shoulder_shrug", Thresholds: standardBands}, angles, squatBottom(), 1)
	if !errors.Is(err, ErrUnknownFault) {
		t.Errorf("unknown type error = %v, want ErrUnknownFault", err)
	}

	_, err = EvaluateRule(CompensationRule{Type: ButtWink, Thresholds: standardBands}, angles, ReferencePhase{}, 1)
	if !errors.Is(err, ErrMissingReference) {
		t.Errorf("missing reference error = %v, want ErrMissingReference", err)
	}

	bad := Thresholds{Mild: "x", Moderate: "10-20", Severe: "20-90"}
	_, err = EvaluateRule(CompensationRule{Type: AsymmetricLoading, Thresholds: bad}, models.FrameAngles{KneeLeft: 100}, ReferencePhase{}, 1)
	if !errors.Is(err, ErrBadThreshold) {
		t.Errorf("bad threshold error = %v, want ErrBadThreshold", err)
	}
}

func TestDetectDeviationsSkipsFailingRules(t *testing.T) {
	rules := []CompensationRule{
		{Type: "unknown", Thresholds: standardBands},
		{Type: ForwardLean, Thresholds: standardBands},
		{Type: AsymmetricLoading, Thresholds: Thresholds{Mild: "?", Moderate: "?", Severe: "?"}},
	}
	angles := models.FrameAngles{KneeLeft: 90, KneeRight: 84, Hip: 80, Trunk: 70, AnkleLeft: 70, AnkleRight: 70}

	devs, errs := DetectDeviations(rules, angles, squatBottom(), 3)

	if len(devs) != 1 || devs[0].Type != ForwardLean {
		t.Fatalf("devs = %+v, want one forward_lean", devs)
	}
	if len(errs) != 2 {
		t.Errorf("errs = %d, want 2", len(errs))
	}
}
