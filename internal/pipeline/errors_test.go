package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/scoring"
)

func newTestStrategy(t *testing.T) *Strategy {
	t.Helper()
	s, err := NewStrategy(nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestClassify(t *testing.T) {
	s := newTestStrategy(t)

	tests := []struct {
		name        string
		err         error
		stage       models.Stage
		wantType    models.ErrorType
		recoverable bool
		retryable   bool
		fallback    bool
	}{
		{"codec issue", errors.New("unsupported codec h265"), models.StageExtraction, models.ErrExtraction, true, true, true},
		{"missing video", errors.New("video not found"), models.StageExtraction, models.ErrExtraction, false, false, true},
		{"corrupt video", errors.New("corrupt moov atom"), models.StageExtraction, models.ErrExtraction, false, false, true},
		{"pose 5xx", statusErr(502), models.StagePoseEstimation, models.ErrMediapipe, false, true, false},
		{"pose 4xx", statusErr(422), models.StagePoseEstimation, models.ErrMediapipe, false, false, false},
		{"pose connection", errors.New("connection refused"), models.StagePoseEstimation, models.ErrMediapipe, true, false, false},
		{"pose deadline", fmt.Errorf("estimate: %w", context.DeadlineExceeded), models.StagePoseEstimation, models.ErrTimeout, true, true, false},
		{"reference missing", fmt.Errorf("squat: %w", scoring.ErrReferenceNotFound), models.StageQuickAnalysis, models.ErrQuickAnalysis, false, false, true},
		{"quick db", errors.New("database read failed"), models.StageQuickAnalysis, models.ErrQuickAnalysis, true, true, true},
		{"deep rate limit", errors.New("rate limit exceeded"), models.StageDeepAnalysis, models.ErrDeepAnalysis, true, true, true},
		{"deep other", errors.New("model returned garbage"), models.StageDeepAnalysis, models.ErrDeepAnalysis, true, false, true},
		{"protocols", errors.New("template failure"), models.StageProtocols, models.ErrProtocols, true, true, true},
		{"save connection", errors.New("connection reset by peer"), models.StageSave, models.ErrDatabase, true, true, false},
		{"save constraint", errors.New("duplicate key"), models.StageSave, models.ErrDatabase, false, true, false},
		{"notification", errors.New("publish failed"), models.StageNotification, models.ErrNotification, true, true, true},
		{"cache", errors.New("redis connection reset"), models.StageCacheCheck, models.ErrCache, true, true, false},
		{"validation overrides", errors.New("invalid frame payload"), models.StageProtocols, models.ErrValidation, false, false, false},
		{"decision stage", errors.New("boom"), models.StageDecision, models.ErrUnknown, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := s.Classify(tt.err, tt.stage)
			if pe.Type != tt.wantType {
				t.Errorf("type = %s, want %s", pe.Type, tt.wantType)
			}
			if pe.Recoverable != tt.recoverable || pe.Retryable != tt.retryable || pe.FallbackAvailable != tt.fallback {
				t.Errorf("flags = recoverable:%v retryable:%v fallback:%v, want %v %v %v",
					pe.Recoverable, pe.Retryable, pe.FallbackAvailable, tt.recoverable, tt.retryable, tt.fallback)
			}
			if pe.Stage != tt.stage || !errors.Is(pe, tt.err) {
				t.Errorf("stage %s, unwrap %v", pe.Stage, errors.Unwrap(pe))
			}
		})
	}
}

func TestClassifyKeepsProcessingError(t *testing.T) {
	s := newTestStrategy(t)
	orig := &ProcessingError{Stage: models.StageSave, Type: models.ErrResource, Err: errors.New("low memory")}
	if got := s.Classify(fmt.Errorf("wrapped: %w", orig), models.StageExtraction); got != orig {
		t.Errorf("Classify() = %+v, want original", got)
	}
}

func TestRetryPoliciesComplete(t *testing.T) {
	if err := ValidatePolicies(RetryPolicies); err != nil {
		t.Fatal(err)
	}

	partial := map[models.ErrorType]RetryPolicy{models.ErrDatabase: {MaxAttempts: 3, BaseDelay: time.Second}}
	err := ValidatePolicies(partial)
	if err == nil || !strings.Contains(err.Error(), "validation_error") {
		t.Errorf("ValidatePolicies(partial) = %v", err)
	}
	if _, err := NewStrategy(partial, testLogger()); err == nil {
		t.Error("NewStrategy accepted an incomplete table")
	}
}

func TestRetryDelay(t *testing.T) {
	s := newTestStrategy(t)
	db := &ProcessingError{Type: models.ErrDatabase, Retryable: true}
	deep := &ProcessingError{Type: models.ErrDeepAnalysis, Retryable: true}

	tests := []struct {
		pe      *ProcessingError
		attempt int
		want    time.Duration
	}{
		{db, 1, time.Second},
		{db, 2, 2 * time.Second},
		{db, 3, 4 * time.Second},
		{deep, 1, 30 * time.Second},
		{deep, 2, 60 * time.Second},
		{db, 0, time.Second},
	}
	for _, tt := range tests {
		if got := s.RetryDelay(tt.pe, tt.attempt); got != tt.want {
			t.Errorf("RetryDelay(%s, %d) = %v, want %v", tt.pe.Type, tt.attempt, got, tt.want)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	s := newTestStrategy(t)
	db := &ProcessingError{Type: models.ErrDatabase, Retryable: true}

	for attempt, want := range map[int]bool{1: true, 2: true, 3: false} {
		if got := s.ShouldRetry(db, attempt); got != want {
			t.Errorf("ShouldRetry(database, %d) = %v, want %v", attempt, got, want)
		}
	}
	if s.ShouldRetry(&ProcessingError{Type: models.ErrValidation, Retryable: true}, 1) {
		t.Error("validation errors must never retry")
	}
	if s.ShouldRetry(&ProcessingError{Type: models.ErrProtocols}, 1) {
		t.Error("non-retryable error retried")
	}
}

func TestShouldFallback(t *testing.T) {
	tests := []struct {
		name      string
		pe        ProcessingError
		exhausted bool
		want      bool
	}{
		{"no fallback", ProcessingError{Recoverable: true}, true, false},
		{"retryable exhausted", ProcessingError{Retryable: true, FallbackAvailable: true}, true, true},
		{"retryable not exhausted", ProcessingError{Retryable: true, FallbackAvailable: true}, false, false},
		{"recoverable", ProcessingError{Recoverable: true, FallbackAvailable: true}, false, true},
		{"unrecoverable", ProcessingError{FallbackAvailable: true}, false, false},
	}
	for _, tt := range tests {
		if got := shouldFallback(&tt.pe, tt.exhausted); got != tt.want {
			t.Errorf("%s: shouldFallback() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFallback(t *testing.T) {
	s := newTestStrategy(t)

	fb := s.Fallback(&ProcessingError{Stage: models.StageExtraction}, "back_squat")
	if !fb.Success || fb.Extract == nil || *fb.Extract != ReducedExtractOptions() {
		t.Errorf("extraction fallback = %+v", fb)
	}

	fb = s.Fallback(&ProcessingError{Stage: models.StageQuickAnalysis}, "back_squat")
	if !fb.Success || fb.Quick.OverallScore != 5 || fb.Quick.ExerciseID != "back_squat" {
		t.Errorf("quick fallback = %+v", fb)
	}

	fb = s.Fallback(&ProcessingError{Stage: models.StageProtocols}, "back_squat")
	if !fb.Success || len(fb.Protocols) == 0 {
		t.Errorf("protocols fallback = %+v", fb)
	}

	for _, stage := range []models.Stage{models.StagePoseEstimation, models.StageSave, models.StageCacheWrite} {
		if fb := s.Fallback(&ProcessingError{Stage: stage}, "x"); fb.Success || fb.Kind != FallbackNone {
			t.Errorf("%s fallback = %+v", stage, fb)
		}
	}
}

func TestIsCritical(t *testing.T) {
	tests := []struct {
		name string
		pe   ProcessingError
		want bool
	}{
		{"database", ProcessingError{Type: models.ErrDatabase, Stage: models.StageSave, Recoverable: true}, true},
		{"resource", ProcessingError{Type: models.ErrResource, Recoverable: true}, true},
		{"pose timeout", ProcessingError{Type: models.ErrTimeout, Stage: models.StagePoseEstimation, Recoverable: true}, true},
		{"deep recoverable", ProcessingError{Type: models.ErrDeepAnalysis, Stage: models.StageDeepAnalysis, Recoverable: true, FallbackAvailable: true}, false},
		{"unrecoverable no fallback", ProcessingError{Type: models.ErrValidation, Stage: models.StageQuickAnalysis}, true},
		{"unrecoverable with fallback", ProcessingError{Type: models.ErrExtraction, Stage: models.StageExtraction, FallbackAvailable: true}, false},
	}
	for _, tt := range tests {
		if got := IsCritical(&tt.pe); got != tt.want {
			t.Errorf("%s: IsCritical() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestErrorReport(t *testing.T) {
	pe := &ProcessingError{
		Stage:     models.StagePoseEstimation,
		Type:      models.ErrMediapipe,
		Err:       errors.New("service unavailable"),
		Retryable: true,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	report := ErrorReport(pe, "job-9")
	for _, want := range []string{"job-9", "mediapipe_error", "Critical:    YES", "NOT AVAILABLE", "2026-01-02T03:04:05Z"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}
