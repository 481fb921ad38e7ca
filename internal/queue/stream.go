package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bdougie/formcheck/internal/pipeline"
)

// StreamConfig names the Redis stream jobs are read from
type StreamConfig struct {
	Stream   string        `yaml:"stream"`
	Group    string        `yaml:"group"`
	Consumer string        `yaml:"consumer"`
	Block    time.Duration `yaml:"block"`
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Stream == "" {
		c.Stream = "formcheck:jobs"
	}
	if c.Group == "" {
		c.Group = "formcheck-workers"
	}
	if c.Consumer == "" {
		c.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	return c
}

// DeadLetter returns the stream failed jobs are copied to.
func (c StreamConfig) DeadLetter() string {
	return c.withDefaults().Stream + ":dlq"
}

// StreamSource feeds a Pool from a Redis stream consumer group. A message
// is acknowledged once its job reaches a terminal state; failed jobs are
// copied to the dead letter stream first.
type StreamSource struct {
	client *redis.Client
	pool   *Pool
	cfg    StreamConfig
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]streamMessage
}

type streamMessage struct {
	id      string
	payload string
}

// NewStreamSource creates a source and registers its acknowledgement hook
// on pool.
func NewStreamSource(client *redis.Client, pool *Pool, cfg StreamConfig, logger *slog.Logger) *StreamSource {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &StreamSource{
		client:   client,
		pool:     pool,
		cfg:      cfg,
		logger:   logger.With("component", "stream", "stream", cfg.Stream, "consumer", cfg.Consumer),
		inflight: make(map[string]streamMessage),
	}
	pool.OnFinished(s.finished)
	return s
}

// Ensure creates the consumer group if it does not exist.
func (s *StreamSource) Ensure(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", s.cfg.Group, err)
	}
	return nil
}

// Run reads messages until ctx is done.
func (s *StreamSource) Run(ctx context.Context) error {
	if err := s.Ensure(ctx); err != nil {
		return err
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.pool.Pending() >= s.pool.cfg.MaxPending {
			if !sleep(ctx, s.cfg.Block) {
				return nil
			}
			continue
		}

		msg, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("failed to read from stream", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		if msg == nil {
			continue
		}
		s.handle(ctx, *msg)
	}
}

func (s *StreamSource) read(ctx context.Context) (*redis.XMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, ">"},
		Count:    1,
		Block:    s.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return &streams[0].Messages[0], nil
}

func (s *StreamSource) handle(ctx context.Context, msg redis.XMessage) {
	payload, _ := msg.Values["payload"].(string)
	req, err := parseRequest(msg)
	if err == nil {
		s.mu.Lock()
		if _, dup := s.inflight[req.JobID]; dup {
			err = fmt.Errorf("%w: job %s is already in flight", ErrInvalidRequest, req.JobID)
		} else {
			s.inflight[req.JobID] = streamMessage{id: msg.ID, payload: payload}
		}
		s.mu.Unlock()
	}
	if err == nil {
		_, err = s.pool.Submit(ctx, req)
		if err != nil {
			s.mu.Lock()
			delete(s.inflight, req.JobID)
			s.mu.Unlock()
		}
	}
	if errors.Is(err, ErrStopped) {
		// left pending in the group for another consumer
		return
	}
	if err != nil {
		s.logger.Warn("rejected stream message", "message", msg.ID, "error", err)
		s.deadLetter(ctx, msg.ID, req.JobID, payload, err.Error())
		s.ack(ctx, msg.ID)
	}
}

func parseRequest(msg redis.XMessage) (Request, error) {
	var req Request
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return req, fmt.Errorf("%w: message %s has no payload", ErrInvalidRequest, msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return req, fmt.Errorf("%w: failed to parse job payload: %v", ErrInvalidRequest, err)
	}
	if id, ok := msg.Values["jobId"].(string); ok && id != "" {
		req.JobID = id
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	return req, nil
}

func (s *StreamSource) finished(job pipeline.Job, _ *pipeline.Outcome, err error) {
	s.mu.Lock()
	msg, ok := s.inflight[job.ID]
	delete(s.inflight, job.ID)
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err != nil {
		s.deadLetter(ctx, msg.id, job.ID, msg.payload, err.Error())
	}
	s.ack(ctx, msg.id)
}

func (s *StreamSource) ack(ctx context.Context, id string) {
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		s.logger.Error("failed to ack message", "message", id, "error", err)
	}
}

func (s *StreamSource) deadLetter(ctx context.Context, messageID, jobID, payload, reason string) {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.DeadLetter(),
		Values: map[string]interface{}{
			"original_message_id": messageID,
			"original_queue":      s.cfg.Stream,
			"reason":              reason,
			"moved_at":            time.Now().UTC().Format(time.RFC3339),
			"worker_id":           s.cfg.Consumer,
			"jobId":               jobID,
			"payload":             payload,
		},
	}).Err()
	if err != nil {
		s.logger.Error("failed to move message to dead letter stream", "message", messageID, "error", err)
	}
}

// Enqueue appends req to stream and returns the job id.
func Enqueue(ctx context.Context, client *redis.Client, stream string, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if stream == "" {
		stream = StreamConfig{}.withDefaults().Stream
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode job %s: %w", req.JobID, err)
	}
	err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"jobId":   req.JobID,
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", req.JobID, err)
	}
	return req.JobID, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
