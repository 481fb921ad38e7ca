// Package pose calls the pose-estimation service that turns extracted
// frames into joint angles.
package pose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bdougie/formcheck/internal/models"
)

var (
	// ErrConnection is returned when the service cannot be reached
	ErrConnection = errors.New("pose service connection failed")
	// ErrServiceUnavailable is returned on 503 responses
	ErrServiceUnavailable = errors.New("pose service unavailable")
)

// StatusError is a non-2xx response from the service
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("pose service returned %d", e.Code)
	}
	return fmt.Sprintf("pose service returned %d: %s", e.Code, e.Body)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int {
	return e.Code
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusServiceUnavailable {
		return ErrServiceUnavailable
	}
	return nil
}

// Config holds the service location and request timeout
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client is an HTTP client for the pose-estimation service
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. Timeout defaults to 60 seconds.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/analyze-frames",
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "pose"),
	}
}

type estimateRequest struct {
	Frames []models.FrameRef `json:"frames"`
}

type estimateResponse struct {
	Frames     []models.PoseFrame `json:"frames"`
	DurationMs int64              `json:"duration_ms"`
}

// Estimate sends frames to the service and returns the angles of each one.
func (c *Client) Estimate(ctx context.Context, frames []models.FrameRef) ([]models.PoseFrame, error) {
	body, err := json.Marshal(estimateRequest{Frames: frames})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pose request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("pose estimation: %w", ctx.Err())
		}
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("pose estimation timeout: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out estimateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid pose response: %w", err)
	}
	if len(out.Frames) == 0 {
		return nil, fmt.Errorf("invalid pose response: no frames for %d inputs", len(frames))
	}

	c.logger.Debug("pose estimated",
		"frames", len(out.Frames),
		"service_ms", out.DurationMs,
		"round_trip_ms", time.Since(started).Milliseconds(),
	)
	return out.Frames, nil
}
