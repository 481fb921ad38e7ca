package embeddings

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
	"sync"
	"time"
)

// ErrQueueFull is returned when the work queue cannot take more requests
var ErrQueueFull = errors.New("embedding queue is full, try again later")

// ErrClosed is returned after Close
var ErrClosed = errors.New("embedding service closed")

// Result represents the result of embedding generation
type Result struct {
	Content   string
	Embedding []float32
	Error     error
}

// Work represents a unit of embedding work
type Work struct {
	ctx     context.Context
	Content string
	Result  chan<- Result
}

// Config selects the Ollama embedding model
type Config struct {
	BaseURL string
	Model   string
	Workers int
	Timeout time.Duration
}

// Service generates embeddings with a pool of workers and caches them by
// content.
type Service struct {
	numWorkers int
	workQueue  chan Work
	cache      sync.Map
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool

	generate func(ctx context.Context, content string) ([]float32, error)
	logger   *slog.Logger
}

// NewService creates a service backed by the Ollama embeddings API and
// starts its workers.
func NewService(cfg Config, logger *slog.Logger) *Service {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	o := &ollamaEmbedder{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/api/embeddings",
		model:    cfg.Model,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
	return newService(cfg.Workers, o.embed, logger)
}

func newService(numWorkers int, generate func(context.Context, string) ([]float32, error), logger *slog.Logger) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		numWorkers: numWorkers,
		workQueue:  make(chan Work, 100),
		generate:   generate,
		logger:     logger.With("component", "embeddings"),
	}
	s.startWorkers()
	return s
}

func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				if cached, ok := s.cache.Load(work.Content); ok {
					work.Result <- Result{Content: work.Content, Embedding: cached.([]float32)}
					continue
				}

				embedding, err := s.generate(work.ctx, work.Content)
				if err == nil {
					s.cache.Store(work.Content, embedding)
				}
				work.Result <- Result{
					Content:   work.Content,
					Embedding: embedding,
					Error:     err,
				}
			}
		}()
	}
}

// GetEmbedding requests an embedding asynchronously. The channel receives
// exactly one result.
func (s *Service) GetEmbedding(ctx context.Context, content string) <-chan Result {
	resultChan := make(chan Result, 1)

	if cached, ok := s.cache.Load(content); ok {
		resultChan <- Result{Content: content, Embedding: cached.([]float32)}
		return resultChan
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		resultChan <- Result{Content: content, Error: ErrClosed}
		return resultChan
	}

	select {
	case s.workQueue <- Work{ctx: ctx, Content: content, Result: resultChan}:
	default:
		resultChan <- Result{Content: content, Error: ErrQueueFull}
	}
	return resultChan
}

// Embed returns the embedding of content, waiting at most until ctx is done.
func (s *Service) Embed(ctx context.Context, content string) ([]float32, error) {
	select {
	case r := <-s.GetEmbedding(ctx, content):
		return r.Embedding, r.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the service and waits for all workers to finish.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.workQueue)
	s.mu.Unlock()
	s.wg.Wait()
}

type ollamaEmbedder struct {
	endpoint string
	model    string
	client   *http.Client
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (o *ollamaEmbedder) embed(ctx context.Context, content string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: o.model, Prompt: content})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("ollama embeddings returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding for model %s", o.model)
	}

	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
