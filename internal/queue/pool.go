// Package queue admits analysis jobs into a bounded worker pool and feeds it
// from a Redis stream.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"

	"github.com/bdougie/formcheck/internal/decision"
	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/pipeline"
)

var (
	// ErrInvalidRequest is returned for requests missing required fields
	ErrInvalidRequest = errors.New("invalid job request")
	// ErrQueueFull is returned when the pending queue is at capacity
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned after Shutdown
	ErrStopped = errors.New("pool stopped")
	// ErrStalled is the cancellation cause of a job that stopped progressing
	ErrStalled = errors.New("job stalled")
)

// Runner executes one job
type Runner interface {
	Run(ctx context.Context, job pipeline.Job, progress pipeline.ProgressFunc) (*pipeline.Outcome, error)
}

// Request asks for the analysis of a video
type Request struct {
	JobID      string `json:"job_id,omitempty"`
	VideoRef   string `json:"video_ref"`
	UserID     string `json:"user_id"`
	ExerciseID string `json:"exercise_id"`
	Tier       string `json:"tier,omitempty"`
	SkipCache  bool   `json:"skip_cache,omitempty"`

	// PreviousScore and PreviousDeviations describe the user's last
	// analysis, when known, and only affect admission order.
	PreviousScore      *float64 `json:"previous_score,omitempty"`
	PreviousDeviations int      `json:"previous_deviations,omitempty"`
}

// Validate checks the required fields.
func (r Request) Validate() error {
	var missing []string
	if r.VideoRef == "" {
		missing = append(missing, "video")
	}
	if r.UserID == "" {
		missing = append(missing, "user")
	}
	if r.ExerciseID == "" {
		missing = append(missing, "exercise")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidRequest, missing)
	}
	return nil
}

// Config sizes the pool
type Config struct {
	Concurrency int           `yaml:"concurrency"`
	RateLimit   int           `yaml:"rate_limit"`
	RateWindow  time.Duration `yaml:"rate_window"`
	MaxPending  int           `yaml:"max_pending"`

	JobTimeout   time.Duration `yaml:"job_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	StallAfter      time.Duration `yaml:"stall_after"`
	MaxStalledCount int           `yaml:"max_stalled_count"`

	// MinFreeMemoryMB refuses to start jobs below this much available
	// memory. Zero disables the check.
	MinFreeMemoryMB uint64 `yaml:"min_free_memory_mb"`
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     3,
		RateLimit:       10,
		RateWindow:      time.Minute,
		MaxPending:      100,
		JobTimeout:      10 * time.Minute,
		MaxAttempts:     3,
		RetryBackoff:    5 * time.Second,
		StallAfter:      2 * time.Minute,
		MaxStalledCount: 2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.RateLimit <= 0 {
		c.RateLimit = def.RateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	if c.MaxPending <= 0 {
		c.MaxPending = def.MaxPending
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.StallAfter <= 0 {
		c.StallAfter = def.StallAfter
	}
	if c.MaxStalledCount <= 0 {
		c.MaxStalledCount = def.MaxStalledCount
	}
	return c
}

// FinishedFunc is called once per job when it completes or fails for good
type FinishedFunc func(job pipeline.Job, outcome *pipeline.Outcome, err error)

type entry struct {
	job      pipeline.Job
	priority decision.QueueEntry
	created  time.Time
}

type active struct {
	cancel    context.CancelCauseFunc
	progress  int
	stage     models.Stage
	lastMoved time.Time
	checks    int
}

// Pool runs jobs with bounded concurrency and a start-rate limit. Pending
// jobs are admitted in decision.Prioritize order.
type Pool struct {
	cfg       Config
	runner    Runner
	status    StatusStore
	isPremium func(tier string) bool
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu      sync.Mutex
	pending []*entry
	running map[string]*active
	hooks   []FinishedFunc
	stopped bool

	wake chan struct{}
	sem  chan struct{}
	jobs sync.WaitGroup

	stopDispatch context.CancelFunc
	cancelJobs   context.CancelFunc
	dispatchDone chan struct{}

	now          func() time.Time
	memAvailable func() (uint64, error)
}

// Option configures a Pool
type Option func(*Pool)

// WithStatusStore records job statuses in s.
func WithStatusStore(s StatusStore) Option {
	return func(p *Pool) { p.status = s }
}

// WithPremium sets the premium tier test used for admission order.
func WithPremium(isPremium func(tier string) bool) Option {
	return func(p *Pool) { p.isPremium = isPremium }
}

// NewPool creates a pool running jobs through runner.
func NewPool(runner Runner, cfg Config, logger *slog.Logger, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:       cfg,
		runner:    runner,
		status:    NewMemoryStatusStore(),
		isPremium: func(string) bool { return false },
		limiter:   rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateLimit)), 1),
		logger:    logger.With("component", "pool"),
		running:   make(map[string]*active),
		wake:      make(chan struct{}, 1),
		sem:       make(chan struct{}, cfg.Concurrency),
		now:       time.Now,
		memAvailable: func() (uint64, error) {
			v, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return v.Available, nil
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Status returns the status store of the pool.
func (p *Pool) Status() StatusStore {
	return p.status
}

// OnFinished registers fn to run when a job reaches a terminal state.
func (p *Pool) OnFinished(fn FinishedFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

// Submit queues a request and returns its job id.
func (p *Pool) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	}

	job := pipeline.Job{
		ID:         id,
		VideoRef:   req.VideoRef,
		UserID:     req.UserID,
		ExerciseID: req.ExerciseID,
		SkipCache:  req.SkipCache,
	}
	if req.Tier != "" {
		job.Profile = &models.User{ID: req.UserID, Tier: req.Tier}
	}
	priority := decision.QueueEntry{
		JobID:      id,
		Premium:    p.isPremium(req.Tier),
		Score:      10,
		Deviations: req.PreviousDeviations,
	}
	if req.PreviousScore != nil {
		priority.Score = *req.PreviousScore
	}

	now := p.now()
	p.mu.Lock()
	switch {
	case p.stopped:
		p.mu.Unlock()
		return "", ErrStopped
	case len(p.pending) >= p.cfg.MaxPending:
		p.mu.Unlock()
		return "", ErrQueueFull
	case p.knownLocked(id):
		p.mu.Unlock()
		return "", fmt.Errorf("%w: job %s is already queued", ErrInvalidRequest, id)
	}
	p.pending = append(p.pending, &entry{job: job, priority: priority, created: now})
	p.mu.Unlock()

	p.putStatus(ctx, Status{JobID: id, State: StateQueued, CreatedAt: now, UpdatedAt: now})
	p.signal()
	p.logger.Info("job queued", "job", id, "user", req.UserID, "exercise", req.ExerciseID, "premium", priority.Premium)
	return id, nil
}

func (p *Pool) knownLocked(id string) bool {
	if _, ok := p.running[id]; ok {
		return true
	}
	for _, e := range p.pending {
		if e.job.ID == id {
			return true
		}
	}
	return false
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Running returns the number of jobs in progress.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Start begins admitting jobs. Jobs run under ctx.
func (p *Pool) Start(ctx context.Context) {
	jobCtx, cancelJobs := context.WithCancel(ctx)
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	p.cancelJobs = cancelJobs
	p.stopDispatch = stopDispatch
	p.dispatchDone = make(chan struct{})

	go p.dispatch(dispatchCtx, jobCtx)
	p.logger.Info("pool started",
		"concurrency", p.cfg.Concurrency,
		"rate", fmt.Sprintf("%d/%s", p.cfg.RateLimit, p.cfg.RateWindow),
		"job_timeout", p.cfg.JobTimeout,
	)
}

// Shutdown stops admitting jobs and waits for running ones until ctx is
// done, then cancels them.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if p.stopDispatch == nil {
		return nil
	}
	p.stopDispatch()
	<-p.dispatchDone

	done := make(chan struct{})
	go func() {
		p.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelJobs()
		return nil
	case <-ctx.Done():
		p.cancelJobs()
		<-done
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) dispatch(ctx, jobCtx context.Context) {
	defer close(p.dispatchDone)
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		if !p.waitPending(ctx) {
			<-p.sem
			return
		}
		if err := p.limiter.Wait(ctx); err != nil {
			<-p.sem
			return
		}

		e, r := p.admit(jobCtx)
		p.jobs.Add(1)
		go p.run(jobCtx, e, r)
	}
}

func (p *Pool) waitPending(ctx context.Context) bool {
	for {
		if p.Pending() > 0 {
			return true
		}
		select {
		case <-p.wake:
		case <-ctx.Done():
			return false
		}
	}
}

// admit takes the highest priority pending job and marks it running.
func (p *Pool) admit(ctx context.Context) (*entry, *active) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]decision.QueueEntry, len(p.pending))
	for i, e := range p.pending {
		entries[i] = e.priority
	}
	first := decision.Prioritize(entries)[0]

	var e *entry
	for i, pe := range p.pending {
		if pe.job.ID == first.JobID {
			e = pe
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}

	r := &active{lastMoved: p.now()}
	p.running[e.job.ID] = r
	return e, r
}

func (p *Pool) run(ctx context.Context, e *entry, r *active) {
	defer p.jobs.Done()
	defer func() { <-p.sem }()

	e.job.Attempt++
	job := e.job
	logger := p.logger.With("job", job.ID, "attempt", job.Attempt)

	runCtx, cancel := context.WithCancelCause(ctx)
	p.mu.Lock()
	r.cancel = cancel
	p.mu.Unlock()
	timeoutCtx, cancelTimeout := context.WithTimeout(runCtx, p.cfg.JobTimeout)

	started := p.now()
	p.putStatus(ctx, Status{
		JobID: job.ID, State: StateRunning, Attempts: job.Attempt,
		CreatedAt: e.created, UpdatedAt: started,
	})

	var (
		outcome *pipeline.Outcome
		err     = p.checkResources()
	)
	if err == nil {
		logger.Info("job started")
		outcome, err = p.runner.Run(timeoutCtx, job, p.progressFunc(ctx, e, r))
		if err != nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil {
			err = fmt.Errorf("job timeout after %s: %w", p.cfg.JobTimeout, err)
		}
	}
	stalled := errors.Is(context.Cause(runCtx), ErrStalled)
	cancelTimeout()
	cancel(nil)

	p.mu.Lock()
	delete(p.running, job.ID)
	p.mu.Unlock()

	if stalled {
		err = fmt.Errorf("%w: %v", ErrStalled, err)
	}
	p.finish(ctx, e, outcome, err, logger)
}

func (p *Pool) progressFunc(ctx context.Context, e *entry, r *active) pipeline.ProgressFunc {
	return func(percent int, stage models.Stage) {
		p.mu.Lock()
		if percent <= r.progress {
			p.mu.Unlock()
			return
		}
		r.progress = percent
		r.stage = stage
		r.lastMoved = p.now()
		r.checks = 0
		attempt := e.job.Attempt
		p.mu.Unlock()

		p.putStatus(ctx, Status{
			JobID: e.job.ID, State: StateRunning, Progress: percent, Stage: string(stage),
			Attempts: attempt, CreatedAt: e.created, UpdatedAt: p.now(),
		})
	}
}

func (p *Pool) finish(ctx context.Context, e *entry, outcome *pipeline.Outcome, err error, logger *slog.Logger) {
	job := e.job
	now := p.now()

	if err == nil {
		p.putStatus(ctx, Status{
			JobID: job.ID, State: StateCompleted, Progress: 100, Attempts: job.Attempt,
			CacheHit: outcome != nil && outcome.CacheHit, CreatedAt: e.created, UpdatedAt: now,
		})
		logger.Info("job completed", "cache_hit", outcome != nil && outcome.CacheHit)
		p.finished(job, outcome, nil)
		return
	}

	if ctx.Err() != nil {
		logger.Warn("job interrupted by shutdown", "error", err)
		return
	}

	if requeueable(err) && job.Attempt < p.cfg.MaxAttempts {
		delay := p.cfg.RetryBackoff << (job.Attempt - 1)
		p.putStatus(ctx, Status{
			JobID: job.ID, State: StateRetrying, Attempts: job.Attempt, Error: err.Error(),
			CreatedAt: e.created, UpdatedAt: now,
		})
		logger.Warn("job failed, requeueing", "delay", delay, "error", err)
		time.AfterFunc(delay, func() { p.requeue(e) })
		return
	}

	p.putStatus(ctx, Status{
		JobID: job.ID, State: StateFailed, Attempts: job.Attempt, Error: err.Error(),
		CreatedAt: e.created, UpdatedAt: now,
	})
	logger.Error("job failed", "error", err)
	p.finished(job, nil, err)
}

func (p *Pool) requeue(e *entry) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, e)
	p.mu.Unlock()
	p.signal()
}

func (p *Pool) finished(job pipeline.Job, outcome *pipeline.Outcome, err error) {
	p.mu.Lock()
	hooks := append([]FinishedFunc(nil), p.hooks...)
	p.mu.Unlock()
	for _, fn := range hooks {
		fn(job, outcome, err)
	}
}

// requeueable reports whether a failed job may run again. Validation
// failures never succeed on a retry.
func requeueable(err error) bool {
	var pe *pipeline.ProcessingError
	if errors.As(err, &pe) && pe.Type == models.ErrValidation {
		return false
	}
	return !errors.Is(err, ErrInvalidRequest)
}

func (p *Pool) checkResources() error {
	if p.cfg.MinFreeMemoryMB == 0 {
		return nil
	}
	avail, err := p.memAvailable()
	if err != nil {
		p.logger.Warn("memory check failed", "error", err)
		return nil
	}
	if mb := avail / 1024 / 1024; mb < p.cfg.MinFreeMemoryMB {
		return pipeline.NewResourceError(fmt.Errorf("insufficient memory: %d MB available, %d MB required", mb, p.cfg.MinFreeMemoryMB))
	}
	return nil
}

// CheckStalled counts running jobs whose progress has not moved for
// StallAfter. A job found stalled MaxStalledCount checks in a row is
// cancelled and requeued.
func (p *Pool) CheckStalled() int {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	stalled := 0
	for id, r := range p.running {
		if now.Sub(r.lastMoved) < p.cfg.StallAfter {
			continue
		}
		stalled++
		r.checks++
		if r.checks >= p.cfg.MaxStalledCount && r.cancel != nil {
			p.logger.Warn("cancelling stalled job", "job", id, "progress", r.progress, "stage", r.stage, "idle", now.Sub(r.lastMoved))
			r.cancel(ErrStalled)
		}
	}
	return stalled
}

func (p *Pool) putStatus(ctx context.Context, s Status) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.status.Put(ctx, s); err != nil {
		p.logger.Warn("status update failed", "job", s.JobID, "state", s.State, "error", err)
	}
}
