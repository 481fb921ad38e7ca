package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bdougie/formcheck/internal/metrics"
	"github.com/bdougie/formcheck/internal/pipeline"
)

const metricsFile = "job_metrics.json"

// Record is the file representation of a finished job
type Record struct {
	JobID  string           `json:"job_id"`
	Status string           `json:"status"`
	Error  string           `json:"error,omitempty"`
	Result *pipeline.Result `json:"result,omitempty"`
	At     time.Time        `json:"at"`
}

// FileStore keeps results and metrics as JSON files under a directory. It
// serves local runs without a database.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the directory layout under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "results"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for results: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) resultPath(jobID string) string {
	return filepath.Join(s.dir, "results", filepath.Base(jobID)+".json")
}

// SaveResult writes the result of a completed job.
func (s *FileStore) SaveResult(_ context.Context, r *pipeline.Result) error {
	return s.writeRecord(Record{JobID: r.JobID, Status: StatusCompleted, Result: r, At: r.CompletedAt})
}

// MarkFailed records a failed job.
func (s *FileStore) MarkFailed(_ context.Context, jobID, message string) error {
	return s.writeRecord(Record{JobID: jobID, Status: StatusFailed, Error: message, At: time.Now()})
}

func (s *FileStore) writeRecord(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSON(s.resultPath(rec.JobID), rec); err != nil {
		return fmt.Errorf("database save job %s: %w", rec.JobID, err)
	}
	return nil
}

// GetRecord loads the stored record of a job.
func (s *FileStore) GetRecord(jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec Record
	if err := readJSON(s.resultPath(jobID), &rec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, err
	}
	return &rec, nil
}

// InsertMetrics appends a batch to the metrics file.
func (s *FileStore) InsertMetrics(_ context.Context, batch []metrics.JobMetrics) error {
	if len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, metricsFile)
	var existing []metrics.JobMetrics
	if err := readJSON(path, &existing); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return writeJSON(path, append(existing, batch...))
}

// ListMetrics returns the stored metrics created since.
func (s *FileStore) ListMetrics(_ context.Context, since time.Time) ([]metrics.JobMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []metrics.JobMetrics
	if err := readJSON(filepath.Join(s.dir, metricsFile), &all); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if !m.CreatedAt.Before(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptRecord, filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create results file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := json.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
