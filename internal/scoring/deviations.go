package scoring

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bdougie/formcheck/internal/models"
)

var (
	// ErrUnknownFault is returned for a rule whose type is not catalogued
	ErrUnknownFault = errors.New("unknown fault type")
	// ErrMissingReference is returned when a rule needs a joint the phase does not define
	ErrMissingReference = errors.New("reference angle missing")
	// ErrBadThreshold is returned when a severity band cannot be parsed
	ErrBadThreshold = errors.New("malformed severity threshold")
)

// MatchPhase assigns a frame to a phase using the left knee angle.
func MatchPhase(a models.FrameAngles) Phase {
	knee := a.KneeLeft
	switch {
	case knee > 150:
		return PhaseEccentricTop
	case knee > 100:
		return PhaseEccentricMid
	case knee >= 80:
		return PhaseIsometricBottom
	}
	return PhaseConcentric
}

// ParseThresholdLowerBound returns the lower bound of a "min-max" band.
func ParseThresholdLowerBound(band string) (float64, error) {
	lower, _, _ := strings.Cut(strings.TrimSpace(band), "-")
	lower = strings.TrimSpace(lower)
	if lower == "" {
		return 0, fmt.Errorf("%w: %q", ErrBadThreshold, band)
	}
	v, err := strconv.ParseFloat(lower, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadThreshold, band, err)
	}
	return v, nil
}

// DetermineSeverity classifies value into the highest band whose lower
// bound it reaches. ok is false when value is below the mild band.
func DetermineSeverity(value float64, t Thresholds) (sev Severity, ok bool, err error) {
	severe, err := ParseThresholdLowerBound(t.Severe)
	if err != nil {
		return "", false, err
	}
	moderate, err := ParseThresholdLowerBound(t.Moderate)
	if err != nil {
		return "", false, err
	}
	mild, err := ParseThresholdLowerBound(t.Mild)
	if err != nil {
		return "", false, err
	}

	switch {
	case value >= severe:
		return SeveritySevere, true, nil
	case value >= moderate:
		return SeverityModerate, true, nil
	case value >= mild:
		return SeverityMild, true, nil
	}
	return "", false, nil
}

// EvaluateRule applies one compensation rule to a frame. It returns nil
// when the fault is not present.
func EvaluateRule(rule CompensationRule, a models.FrameAngles, ref ReferencePhase, frame int) (*Deviation, error) {
	var (
		value    float64
		location string
	)

	switch rule.Type {
	case KneeValgus:
		if ref.KneeLeft == nil || ref.KneeRight == nil {
			return nil, fmt.Errorf("%s: %w: knee", rule.Type, ErrMissingReference)
		}
		left := math.Abs(a.KneeLeft - ref.KneeLeft.Ideal)
		right := math.Abs(a.KneeRight - ref.KneeRight.Ideal)
		value, location = sided(left, right, "knee")

	case ButtWink:
		if ref.Hip == nil {
			return nil, fmt.Errorf("%s: %w: hip", rule.Type, ErrMissingReference)
		}
		// positive when the hip closes past the ideal
		value, location = ref.Hip.Ideal-a.Hip, "hip"

	case ForwardLean:
		if ref.Trunk == nil {
			return nil, fmt.Errorf("%s: %w: trunk", rule.Type, ErrMissingReference)
		}
		value, location = a.Trunk-ref.Trunk.Ideal, "trunk"

	case HeelRise:
		if ref.AnkleLeft == nil || ref.AnkleRight == nil {
			return nil, fmt.Errorf("%s: %w: ankle", rule.Type, ErrMissingReference)
		}
		left := ref.AnkleLeft.Ideal - a.AnkleLeft
		right := ref.AnkleRight.Ideal - a.AnkleRight
		value, location = sided(left, right, "ankle")

	case AsymmetricLoading:
		knee := math.Abs(a.KneeLeft - a.KneeRight)
		ankle := math.Abs(a.AnkleLeft - a.AnkleRight)
		if knee > ankle {
			value, location = knee, "knees"
		} else {
			value, location = ankle, "ankles"
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFault, rule.Type)
	}

	if value <= 0 {
		return nil, nil
	}

	sev, ok, err := DetermineSeverity(value, rule.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rule.Type, err)
	}
	if !ok {
		return nil, nil
	}

	return &Deviation{
		Type:        rule.Type,
		Severity:    sev,
		Location:    location,
		Value:       value,
		FrameNumber: frame,
		Description: rule.Description,
	}, nil
}

func sided(left, right float64, joint string) (float64, string) {
	if left > right {
		return left, joint + "_left"
	}
	return right, joint + "_right"
}

// DetectDeviations evaluates every rule against a frame. Rules that fail
// to evaluate are skipped and their errors returned alongside the findings.
func DetectDeviations(rules []CompensationRule, a models.FrameAngles, ref ReferencePhase, frame int) ([]Deviation, []error) {
	var (
		found []Deviation
		errs  []error
	)
	for _, rule := range rules {
		dev, err := EvaluateRule(rule, a, ref, frame)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if dev != nil {
			found = append(found, *dev)
		}
	}
	return found, errs
}
