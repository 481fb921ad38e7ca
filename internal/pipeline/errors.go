package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/scoring"
)

// ProcessingError is a classified stage failure
type ProcessingError struct {
	Stage             models.Stage
	Type              models.ErrorType
	Err               error
	Recoverable       bool
	Retryable         bool
	FallbackAvailable bool
	Timestamp         time.Time
	Context           map[string]any
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Type, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// NewResourceError builds the error raised when the host runs short of
// memory or another resource before a job can start.
func NewResourceError(err error) *ProcessingError {
	return &ProcessingError{
		Stage:     models.StageExtraction,
		Type:      models.ErrResource,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// RetryPolicy is the stage retry budget of an error type
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// RetryPolicies maps every error type to its retry budget.
var RetryPolicies = map[models.ErrorType]RetryPolicy{
	models.ErrExtraction:    {MaxAttempts: 3, BaseDelay: 5 * time.Second},
	models.ErrMediapipe:     {MaxAttempts: 2, BaseDelay: 10 * time.Second},
	models.ErrQuickAnalysis: {MaxAttempts: 3, BaseDelay: 2 * time.Second},
	models.ErrDeepAnalysis:  {MaxAttempts: 2, BaseDelay: 30 * time.Second},
	models.ErrProtocols:     {MaxAttempts: 3, BaseDelay: time.Second},
	models.ErrDatabase:      {MaxAttempts: 3, BaseDelay: time.Second},
	models.ErrCache:         {MaxAttempts: 2, BaseDelay: 500 * time.Millisecond},
	models.ErrNotification:  {MaxAttempts: 2, BaseDelay: time.Second},
	models.ErrValidation:    {MaxAttempts: 0, BaseDelay: 0},
	models.ErrTimeout:       {MaxAttempts: 2, BaseDelay: 5 * time.Second},
	models.ErrResource:      {MaxAttempts: 1, BaseDelay: 10 * time.Second},
	models.ErrUnknown:       {MaxAttempts: 1, BaseDelay: 5 * time.Second},
}

// ValidatePolicies checks that every error type has a retry policy.
func ValidatePolicies(policies map[models.ErrorType]RetryPolicy) error {
	var missing []string
	for _, t := range models.ErrorTypes() {
		if _, ok := policies[t]; !ok {
			missing = append(missing, string(t))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("retry policy missing for: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Strategy classifies stage errors and decides retries and fallbacks
type Strategy struct {
	policies map[models.ErrorType]RetryPolicy
	logger   *slog.Logger
	now      func() time.Time
}

// NewStrategy creates a strategy using policies, which must cover every
// error type.
func NewStrategy(policies map[models.ErrorType]RetryPolicy, logger *slog.Logger) (*Strategy, error) {
	if policies == nil {
		policies = RetryPolicies
	}
	if err := ValidatePolicies(policies); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Strategy{
		policies: policies,
		logger:   logger.With("component", "error_strategy"),
		now:      time.Now,
	}, nil
}

// httpStatuser is implemented by errors carrying an HTTP status code
type httpStatuser interface {
	HTTPStatus() int
}

// Classify turns err raised at stage into a ProcessingError.
func (s *Strategy) Classify(err error, stage models.Stage) *ProcessingError {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}

	msg := strings.ToLower(err.Error())
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(msg, w) {
				return true
			}
		}
		return false
	}

	status := 0
	var hs httpStatuser
	if errors.As(err, &hs) {
		status = hs.HTTPStatus()
	}
	timedOut := errors.Is(err, context.DeadlineExceeded) || has("timeout", "timed out")

	pe = &ProcessingError{
		Stage:     stage,
		Type:      models.ErrUnknown,
		Err:       err,
		Timestamp: s.now(),
	}

	switch stage {
	case models.StageExtraction:
		pe.Type = models.ErrExtraction
		pe.Recoverable = has("codec", "format")
		pe.Retryable = !has("not found", "corrupt")
		pe.FallbackAvailable = true

	case models.StagePoseEstimation:
		pe.Type = models.ErrMediapipe
		pe.Recoverable = timedOut || has("connection")
		pe.Retryable = timedOut || status >= 500 || has("502", "503", "unavailable")

	case models.StageQuickAnalysis:
		pe.Type = models.ErrQuickAnalysis
		pe.Recoverable = !errors.Is(err, scoring.ErrReferenceNotFound) && !has("reference standard not found")
		pe.Retryable = timedOut || has("database")
		pe.FallbackAvailable = true

	case models.StageDeepAnalysis:
		pe.Type = models.ErrDeepAnalysis
		pe.Recoverable = true
		pe.Retryable = has("rate limit") || timedOut || status == 429
		pe.FallbackAvailable = true

	case models.StageProtocols:
		pe.Type = models.ErrProtocols
		pe.Recoverable = true
		pe.Retryable = true
		pe.FallbackAvailable = true

	case models.StageSave:
		pe.Type = models.ErrDatabase
		pe.Recoverable = has("connection") || timedOut
		pe.Retryable = true

	case models.StageNotification:
		pe.Type = models.ErrNotification
		pe.Recoverable = true
		pe.Retryable = true
		pe.FallbackAvailable = true

	case models.StageCacheCheck, models.StageCacheWrite:
		pe.Type = models.ErrCache
		pe.Recoverable = true
		pe.Retryable = timedOut || has("connection")

	case models.StageDecision:
	}

	if timedOut {
		pe.Type = models.ErrTimeout
		pe.Retryable = true
	}

	if has("validation", "invalid") {
		pe.Type = models.ErrValidation
		pe.Recoverable = false
		pe.Retryable = false
		pe.FallbackAvailable = false
	}

	return pe
}

// Policy returns the retry policy of an error type.
func (s *Strategy) Policy(t models.ErrorType) RetryPolicy {
	return s.policies[t]
}

// ShouldRetry reports whether pe may be retried after attempt tries.
func (s *Strategy) ShouldRetry(pe *ProcessingError, attempt int) bool {
	if !pe.Retryable {
		return false
	}
	return attempt < s.policies[pe.Type].MaxAttempts
}

// RetryDelay is base * 2^(attempt-1).
func (s *Strategy) RetryDelay(pe *ProcessingError, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return s.policies[pe.Type].BaseDelay * time.Duration(1<<(attempt-1))
}

// IsCritical reports whether pe should raise an alert.
func IsCritical(pe *ProcessingError) bool {
	switch pe.Type {
	case models.ErrDatabase, models.ErrMediapipe, models.ErrResource:
		return true
	}
	switch pe.Stage {
	case models.StagePoseEstimation, models.StageSave:
		return true
	}
	return !pe.Recoverable && !pe.FallbackAvailable
}

// ErrorReport renders pe for logs and alerts.
func ErrorReport(pe *ProcessingError, jobID string) string {
	yesNo := func(b bool) string {
		if b {
			return "YES"
		}
		return "NO"
	}
	fallback := "NOT AVAILABLE"
	if pe.FallbackAvailable {
		fallback = "AVAILABLE"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ERROR REPORT - Job %s\n", jobID)
	fmt.Fprintf(&b, "  Type:        %s\n", pe.Type)
	fmt.Fprintf(&b, "  Stage:       %s\n", pe.Stage)
	fmt.Fprintf(&b, "  Recoverable: %s\n", yesNo(pe.Recoverable))
	fmt.Fprintf(&b, "  Retryable:   %s\n", yesNo(pe.Retryable))
	fmt.Fprintf(&b, "  Fallback:    %s\n", fallback)
	fmt.Fprintf(&b, "  Critical:    %s\n", yesNo(IsCritical(pe)))
	fmt.Fprintf(&b, "  Timestamp:   %s\n", pe.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  Message:     %v", pe.Err)
	return b.String()
}
