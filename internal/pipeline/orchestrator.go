package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdougie/formcheck/internal/decision"
	"github.com/bdougie/formcheck/internal/metrics"
	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/protocols"
	"github.com/bdougie/formcheck/internal/scoring"
)

// Cache stores values under colon-delimited keys
type Cache interface {
	GetValue(ctx context.Context, key string, v any) (bool, error)
	SetValue(ctx context.Context, key string, v any, ttl time.Duration) error
}

// FrameExtractor turns a video into frames on disk
type FrameExtractor interface {
	Extract(ctx context.Context, videoRef string, opts models.ExtractOptions) ([]models.FrameRef, error)
	ContentHash(videoRef string) (string, error)
	Cleanup(frames []models.FrameRef) error
}

// PoseEstimator measures joint angles on frames
type PoseEstimator interface {
	Estimate(ctx context.Context, frames []models.FrameRef) ([]models.PoseFrame, error)
}

// QuickAnalyzer scores pose frames against a reference
type QuickAnalyzer interface {
	Analyze(ctx context.Context, exerciseID string, frames []models.PoseFrame) (*scoring.QuickAnalysisResult, error)
}

// UserSource looks up user profiles
type UserSource interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
}

// DeepAnalyzer runs the expensive analysis stage
type DeepAnalyzer interface {
	Analyze(ctx context.Context, quick *scoring.QuickAnalysisResult, exerciseID string) (*models.DeepAnalysis, error)
}

// ProtocolGenerator builds corrective protocols
type ProtocolGenerator interface {
	Generate(ctx context.Context, req protocols.Request) ([]models.Protocol, error)
}

// ResultStore persists job outcomes
type ResultStore interface {
	SaveResult(ctx context.Context, r *Result) error
	MarkFailed(ctx context.Context, jobID, message string) error
}

// Notifier delivers job notifications
type Notifier interface {
	Notify(ctx context.Context, userID string, n models.Notification) error
}

// MetricsRecorder receives the metrics of every finished job
type MetricsRecorder interface {
	Record(ctx context.Context, m metrics.JobMetrics)
}

// Deps are the collaborators of an Orchestrator. Cache, Users, Deep,
// Protocols, Notifier, AltNotifier and Metrics are optional.
type Deps struct {
	Cache       Cache
	Extractor   FrameExtractor
	Pose        PoseEstimator
	Quick       QuickAnalyzer
	Users       UserSource
	Decider     *decision.Engine
	Deep        DeepAnalyzer
	Protocols   ProtocolGenerator
	Store       ResultStore
	Notifier    Notifier
	AltNotifier Notifier
	Metrics     MetricsRecorder
	Strategy    *Strategy
	Logger      *slog.Logger
}

// Options configure an Orchestrator
type Options struct {
	Extract models.ExtractOptions
}

// DefaultExtractOptions is the extraction used on the first attempt.
func DefaultExtractOptions() models.ExtractOptions {
	return models.ExtractOptions{FPS: 2, MaxFrames: 6, Quality: 85}
}

// Orchestrator runs the analysis stages of a job in order, applying the
// retry and fallback policy of its Strategy to every stage.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New validates deps and creates an orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: frame extractor is required")
	case deps.Pose == nil:
		return nil, errors.New("pipeline: pose estimator is required")
	case deps.Quick == nil:
		return nil, errors.New("pipeline: quick analyzer is required")
	case deps.Decider == nil:
		return nil, errors.New("pipeline: decision engine is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: result store is required")
	case deps.Strategy == nil:
		return nil, errors.New("pipeline: error strategy is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.Extract == (models.ExtractOptions{}) {
		opts.Extract = DefaultExtractOptions()
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.With("component", "orchestrator"),
		now:    time.Now,
		sleep:  sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jobState accumulates timings and errors while a job runs
type jobState struct {
	job      Job
	start    time.Time
	logger   *slog.Logger
	progress ProgressFunc
	last     int
	m        metrics.JobMetrics
	frames   []models.FrameRef
	fallback []string
}

func (s *jobState) report(percent int, stage models.Stage) {
	if percent <= s.last {
		return
	}
	s.last = percent
	if s.progress != nil {
		s.progress(percent, stage)
	}
}

func (s *jobState) addTime(stage models.Stage, d time.Duration) {
	s.m.StageTimesMs[stage] += d.Milliseconds()
}

func (s *jobState) addError(pe *ProcessingError, recovered bool) {
	s.m.Errors = append(s.m.Errors, metrics.JobError{
		Stage:     pe.Stage,
		Type:      pe.Type,
		Message:   pe.Err.Error(),
		Recovered: recovered,
	})
}

// runStage executes fn with the retry policy of the classified error. The
// returned error is nil on success. exhausted is true when a retryable
// error ran out of attempts.
func runStage[T any](ctx context.Context, o *Orchestrator, st *jobState, stage models.Stage, fn func(context.Context) (T, error)) (T, *ProcessingError, bool) {
	var zero T
	for attempt := 1; ; attempt++ {
		started := o.now()
		v, err := fn(ctx)
		st.addTime(stage, o.now().Sub(started))
		if err == nil {
			return v, nil, false
		}

		pe := o.deps.Strategy.Classify(err, stage)
		if pe.Context == nil {
			pe.Context = map[string]any{}
		}
		pe.Context["attempt"] = attempt
		pe.Context["job_id"] = st.job.ID

		if ctx.Err() != nil {
			return zero, pe, false
		}
		if !o.deps.Strategy.ShouldRetry(pe, attempt) {
			return zero, pe, pe.Retryable
		}

		delay := o.deps.Strategy.RetryDelay(pe, attempt)
		st.logger.Warn("stage failed, retrying",
			"stage", stage,
			"type", pe.Type,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := o.sleep(ctx, delay); err != nil {
			return zero, o.deps.Strategy.Classify(err, stage), false
		}
	}
}

// fallback reports whether pe is handled by a stage fallback. A recovered
// error is recorded; an unrecovered one is left to the caller.
func (o *Orchestrator) fallback(st *jobState, pe *ProcessingError, exhausted bool) (FallbackResult, bool) {
	if !shouldFallback(pe, exhausted) {
		return FallbackResult{}, false
	}
	fb := o.deps.Strategy.Fallback(pe, st.job.ExerciseID)
	if !fb.Success {
		return fb, false
	}
	st.addError(pe, true)
	st.fallback = append(st.fallback, string(fb.Kind))
	st.logger.Warn("stage recovered by fallback", "stage", pe.Stage, "fallback", fb.Kind, "error", pe.Err)
	return fb, true
}

// Run executes every stage of job. On failure the job is marked failed and
// no result is returned.
func (o *Orchestrator) Run(ctx context.Context, job Job, progress ProgressFunc) (*Outcome, error) {
	st := &jobState{
		job:      job,
		start:    o.now(),
		logger:   o.logger.With("job", job.ID),
		progress: progress,
		m: metrics.JobMetrics{
			JobID:        job.ID,
			UserID:       job.UserID,
			ExerciseID:   job.ExerciseID,
			StageTimesMs: make(map[models.Stage]int64),
		},
	}
	ctx, hits := metrics.WithHitRecorder(ctx)

	defer func() {
		if len(st.frames) == 0 {
			return
		}
		if err := o.deps.Extractor.Cleanup(st.frames); err != nil {
			st.logger.Warn("frame cleanup failed", "error", err)
		}
	}()

	if err := job.Validate(); err != nil {
		return nil, o.fail(ctx, st, hits, o.deps.Strategy.Classify(err, models.StageCacheCheck))
	}

	st.logger.Info("job started", "user", job.UserID, "exercise", job.ExerciseID, "attempt", job.Attempt)

	// cache check
	hash, cached := o.checkCache(ctx, st)
	if cached != nil {
		metrics.MarkHit(ctx, string(decision.L1))
		cached.JobID = job.ID
		cached.UserID = job.UserID
		cached.VideoRef = job.VideoRef
		cached.ContentHash = hash
		cached.ProcessingTimeMs = o.now().Sub(st.start).Milliseconds()
		cached.CompletedAt = o.now()
		if err := o.deps.Store.SaveResult(ctx, cached); err != nil {
			st.logger.Warn("failed to save cached result", "error", err)
		}
		st.report(100, models.StageCacheCheck)
		st.m.Status = metrics.StatusCompleted
		st.m.QuickScore = cached.Score
		st.m.Classification = string(cached.Classification)
		o.record(ctx, st, hits)
		st.logger.Info("job served from cache", "score", cached.Score)
		return &Outcome{Result: cached, CacheHit: true}, nil
	}
	st.report(5, models.StageCacheCheck)

	// extraction
	frames, pe, exhausted := runStage(ctx, o, st, models.StageExtraction, func(ctx context.Context) ([]models.FrameRef, error) {
		return o.deps.Extractor.Extract(ctx, job.VideoRef, o.opts.Extract)
	})
	if pe != nil {
		fb, ok := o.fallback(st, pe, exhausted)
		if !ok {
			return nil, o.fail(ctx, st, hits, pe)
		}
		started := o.now()
		frames, pe = o.extractReduced(ctx, job, *fb.Extract)
		st.addTime(models.StageExtraction, o.now().Sub(started))
		if pe != nil {
			return nil, o.fail(ctx, st, hits, pe)
		}
	}
	st.frames = frames
	st.m.FramesExtracted = len(frames)
	st.report(10, models.StageExtraction)

	// pose estimation has no fallback
	poses, pe, _ := runStage(ctx, o, st, models.StagePoseEstimation, func(ctx context.Context) ([]models.PoseFrame, error) {
		return o.deps.Pose.Estimate(ctx, frames)
	})
	if pe != nil {
		return nil, o.fail(ctx, st, hits, pe)
	}
	st.m.FramesAnalyzed = len(poses)
	st.report(20, models.StagePoseEstimation)

	// quick analysis
	quick, pe, exhausted := runStage(ctx, o, st, models.StageQuickAnalysis, func(ctx context.Context) (*scoring.QuickAnalysisResult, error) {
		return o.deps.Quick.Analyze(ctx, job.ExerciseID, poses)
	})
	if pe != nil {
		fb, ok := o.fallback(st, pe, exhausted)
		if !ok {
			return nil, o.fail(ctx, st, hits, pe)
		}
		quick = fb.Quick
	}
	st.m.QuickScore = quick.OverallScore
	st.m.Classification = string(quick.Classification)
	st.m.DeviationsCount = len(quick.Deviations)
	for _, d := range quick.Deviations {
		st.m.DeviationTypes = append(st.m.DeviationTypes, string(d.Type))
	}
	st.report(40, models.StageQuickAnalysis)

	// decision
	user, pe := o.resolveUser(ctx, st)
	if pe != nil {
		return nil, o.fail(ctx, st, hits, pe)
	}
	started := o.now()
	dec := o.decide(st, quick, user)
	st.addTime(models.StageDecision, o.now().Sub(started))
	st.m.DecisionTriggers = dec.Triggers
	st.report(50, models.StageDecision)

	// deep analysis
	var deep *models.DeepAnalysis
	if dec.ShouldRun && o.deps.Deep != nil {
		st.m.DeepAnalysisTriggered = true
		deep, pe, exhausted = runStage(ctx, o, st, models.StageDeepAnalysis, func(ctx context.Context) (*models.DeepAnalysis, error) {
			return o.deps.Deep.Analyze(ctx, quick, job.ExerciseID)
		})
		if pe != nil {
			if _, ok := o.fallback(st, pe, exhausted); !ok {
				return nil, o.fail(ctx, st, hits, pe)
			}
			deep = nil
		}
		if deep != nil {
			st.m.DocsRetrieved = deep.DocsRetrieved
			st.m.TokensUsed = deep.TokensUsed
		}
		st.report(60, models.StageDeepAnalysis)
	} else {
		st.report(80, models.StageDeepAnalysis)
	}

	// protocols
	protos, pe := o.generateProtocols(ctx, st, quick, user, deep)
	if pe != nil {
		return nil, o.fail(ctx, st, hits, pe)
	}
	st.m.ProtocolsGenerated = len(protos)
	st.report(90, models.StageProtocols)

	result := &Result{
		JobID:            job.ID,
		UserID:           job.UserID,
		ExerciseID:       job.ExerciseID,
		VideoRef:         job.VideoRef,
		ContentHash:      hash,
		Score:            quick.OverallScore,
		Classification:   quick.Classification,
		Similarity:       quick.Similarity,
		Deviations:       quick.Deviations,
		Frames:           quick.Frames,
		ProcessingTimeMs: o.now().Sub(st.start).Milliseconds(),
		Decision:         dec,
		Deep:             deep,
		Protocols:        protos,
		Fallbacks:        st.fallback,
		CompletedAt:      o.now(),
	}

	// save has no fallback
	_, pe, _ = runStage(ctx, o, st, models.StageSave, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.deps.Store.SaveResult(ctx, result)
	})
	if pe != nil {
		return nil, o.fail(ctx, st, hits, pe)
	}
	st.report(95, models.StageSave)

	o.writeCache(ctx, st, hash, result)
	st.report(98, models.StageCacheWrite)

	o.notify(ctx, st, user, result)
	st.report(99, models.StageNotification)

	st.m.Status = metrics.StatusCompleted
	o.record(ctx, st, hits)
	st.report(100, models.StageNotification)

	st.logger.Info("job completed",
		"score", fmt.Sprintf("%.2f", result.Score),
		"classification", result.Classification,
		"deep", deep != nil,
		"protocols", len(protos),
		"duration_ms", result.ProcessingTimeMs,
	)
	return &Outcome{Result: result}, nil
}

// checkCache returns the content hash and, on an L1 hit, the cached result.
// Cache failures are recorded and treated as a miss.
func (o *Orchestrator) checkCache(ctx context.Context, st *jobState) (string, *Result) {
	started := o.now()
	defer func() { st.addTime(models.StageCacheCheck, o.now().Sub(started)) }()

	hash, err := o.deps.Extractor.ContentHash(st.job.VideoRef)
	if err != nil {
		pe := o.deps.Strategy.Classify(err, models.StageCacheCheck)
		st.addError(pe, true)
		st.logger.Warn("content hash failed", "error", err)
		return "", nil
	}

	if st.job.SkipCache || o.deps.Cache == nil {
		return hash, nil
	}

	strategy := decision.CacheStrategyFor(st.job.ExerciseID, st.job.UserID, hash)
	var cached Result
	found, err := o.deps.Cache.GetValue(ctx, strategy.Key, &cached)
	if err != nil {
		pe := o.deps.Strategy.Classify(err, models.StageCacheCheck)
		st.addError(pe, true)
		st.logger.Warn("cache lookup failed", "key", strategy.Key, "error", err)
		return hash, nil
	}
	if !found {
		return hash, nil
	}
	return hash, &cached
}

func (o *Orchestrator) extractReduced(ctx context.Context, job Job, opts models.ExtractOptions) ([]models.FrameRef, *ProcessingError) {
	frames, err := o.deps.Extractor.Extract(ctx, job.VideoRef, opts)
	if err != nil {
		pe := o.deps.Strategy.Classify(err, models.StageExtraction)
		pe.FallbackAvailable = false
		return nil, pe
	}
	return frames, nil
}

func (o *Orchestrator) resolveUser(ctx context.Context, st *jobState) (models.User, *ProcessingError) {
	job := st.job
	if job.Profile != nil {
		u := *job.Profile
		if u.ID == "" {
			u.ID = job.UserID
		}
		return u, nil
	}
	if o.deps.Users == nil {
		return models.User{ID: job.UserID}, nil
	}

	user, pe, _ := runStage(ctx, o, st, models.StageDecision, func(ctx context.Context) (models.User, error) {
		return o.deps.Users.GetUser(ctx, job.UserID)
	})
	if pe != nil {
		if pe.Type == models.ErrValidation {
			return models.User{}, pe
		}
		st.addError(pe, true)
		st.logger.Warn("user lookup failed, assuming free tier", "error", pe.Err)
		return models.User{ID: job.UserID}, nil
	}
	return user, nil
}

// decide evaluates the decision and applies the cost/benefit gate
func (o *Orchestrator) decide(st *jobState, quick *scoring.QuickAnalysisResult, user models.User) decision.Decision {
	dec := o.deps.Decider.Evaluate(quick, user)
	if !dec.ShouldRun {
		return dec
	}
	cost := o.deps.Decider.EstimateCost(dec)
	if !o.deps.Decider.EvaluateCostBenefit(dec, cost) {
		st.logger.Info("deep analysis rejected by cost/benefit", "cost", cost, "triggers", dec.Triggers)
		dec.ShouldRun = false
		dec.EstimatedTimeMs = 0
		dec.Reason = fmt.Sprintf("quick analysis sufficient: deep analysis cost %.0f not justified", cost)
	}
	return dec
}

func (o *Orchestrator) generateProtocols(ctx context.Context, st *jobState, quick *scoring.QuickAnalysisResult, user models.User, deep *models.DeepAnalysis) ([]models.Protocol, *ProcessingError) {
	if o.deps.Protocols == nil {
		return protocols.Generic(), nil
	}
	req := protocols.Request{Deviations: quick.Deviations, User: user}
	if deep != nil {
		req.DeepContext = deep.Narrative
	}

	protos, pe, exhausted := runStage(ctx, o, st, models.StageProtocols, func(ctx context.Context) ([]models.Protocol, error) {
		return o.deps.Protocols.Generate(ctx, req)
	})
	if pe != nil {
		fb, ok := o.fallback(st, pe, exhausted)
		if !ok {
			return nil, pe
		}
		return fb.Protocols, nil
	}
	return protos, nil
}

func (o *Orchestrator) writeCache(ctx context.Context, st *jobState, hash string, result *Result) {
	if o.deps.Cache == nil || hash == "" {
		return
	}
	strategy := decision.CacheStrategyFor(st.job.ExerciseID, st.job.UserID, hash)

	started := o.now()
	err := o.deps.Cache.SetValue(ctx, strategy.Key, result, strategy.TTL())
	st.addTime(models.StageCacheWrite, o.now().Sub(started))
	if err != nil {
		st.addError(o.deps.Strategy.Classify(err, models.StageCacheWrite), true)
		st.logger.Warn("cache write failed", "key", strategy.Key, "error", err)
	}
}

// notify never fails the job
func (o *Orchestrator) notify(ctx context.Context, st *jobState, user models.User, result *Result) {
	if o.deps.Notifier == nil {
		return
	}
	n := models.Notification{
		Type:  "analysis_complete",
		JobID: st.job.ID,
		Score: result.Score,
		Tier:  user.Tier,
	}

	_, pe, exhausted := runStage(ctx, o, st, models.StageNotification, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.deps.Notifier.Notify(ctx, st.job.UserID, n)
	})
	if pe == nil {
		return
	}

	if o.deps.AltNotifier != nil {
		if _, ok := o.fallback(st, pe, exhausted); ok {
			err := o.deps.AltNotifier.Notify(ctx, st.job.UserID, n)
			if err != nil {
				st.logger.Warn("alternate notification failed", "error", err)
			}
			return
		}
	}
	st.addError(pe, true)
	st.logger.Warn("notification failed", "error", pe.Err)
}

// fail marks the job failed and returns the error to propagate
func (o *Orchestrator) fail(ctx context.Context, st *jobState, hits *metrics.HitRecorder, pe *ProcessingError) error {
	st.addError(pe, false)

	if IsCritical(pe) {
		st.logger.Error("critical job failure\n" + ErrorReport(pe, st.job.ID))
	} else {
		st.logger.Error("job failed", "stage", pe.Stage, "type", pe.Type, "error", pe.Err)
	}

	if st.job.ID != "" {
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.deps.Store.MarkFailed(markCtx, st.job.ID, pe.Error()); err != nil {
			st.logger.Error("failed to mark job failed", "error", err)
		}
	}

	st.m.Status = metrics.StatusFailed
	o.record(ctx, st, hits)

	return fmt.Errorf("job %s failed: %w", st.job.ID, pe)
}

func (o *Orchestrator) record(ctx context.Context, st *jobState, hits *metrics.HitRecorder) {
	if o.deps.Metrics == nil {
		return
	}
	st.m.TotalTimeMs = o.now().Sub(st.start).Milliseconds()
	st.m.Cache = hits.Hits()
	st.m.CreatedAt = o.now()
	o.deps.Metrics.Record(context.WithoutCancel(ctx), st.m)
}
