package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrJobNotFound is returned for unknown job ids
var ErrJobNotFound = errors.New("job not found")

// Job states
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateRetrying  = "retrying"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Status is the tracked state of a job
type Status struct {
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	Progress  int       `json:"progress"`
	Stage     string    `json:"stage,omitempty"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CacheHit  bool      `json:"cache_hit,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job will not run again.
func (s Status) Terminal() bool {
	return s.State == StateCompleted || s.State == StateFailed
}

// StatusStore keeps job status records
type StatusStore interface {
	Put(ctx context.Context, s Status) error
	Get(ctx context.Context, jobID string) (Status, error)
}

// MemoryStatusStore keeps statuses in process memory
type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMemoryStatusStore creates an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]Status)}
}

func (m *MemoryStatusStore) Put(_ context.Context, s Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[s.JobID] = s
	return nil
}

func (m *MemoryStatusStore) Get(_ context.Context, jobID string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[jobID]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return s, nil
}

// RedisStatusStore keeps statuses in job:{id} hashes
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatusStore creates a store whose records expire after ttl.
// A zero ttl defaults to seven days.
func NewRedisStatusStore(client *redis.Client, ttl time.Duration) *RedisStatusStore {
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStatusStore{client: client, ttl: ttl}
}

func statusKey(jobID string) string {
	return "job:" + jobID
}

func (r *RedisStatusStore) Put(ctx context.Context, s Status) error {
	key := statusKey(s.JobID)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, map[string]interface{}{
			"job_id":     s.JobID,
			"state":      s.State,
			"progress":   s.Progress,
			"stage":      s.Stage,
			"attempts":   s.Attempts,
			"error":      s.Error,
			"cache_hit":  strconv.FormatBool(s.CacheHit),
			"created_at": s.CreatedAt.UTC().Format(time.RFC3339Nano),
			"updated_at": s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
		p.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store status of job %s: %w", s.JobID, err)
	}
	return nil
}

func (r *RedisStatusStore) Get(ctx context.Context, jobID string) (Status, error) {
	fields, err := r.client.HGetAll(ctx, statusKey(jobID)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("failed to load status of job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return Status{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	s := Status{
		JobID: fields["job_id"],
		State: fields["state"],
		Stage: fields["stage"],
		Error: fields["error"],
	}
	s.Progress, _ = strconv.Atoi(fields["progress"])
	s.Attempts, _ = strconv.Atoi(fields["attempts"])
	s.CacheHit, _ = strconv.ParseBool(fields["cache_hit"])
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return s, nil
}
