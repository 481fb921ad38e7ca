package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/formcheck/internal/metrics"
	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/pipeline"
	"github.com/bdougie/formcheck/internal/scoring"
)

var (
	// ErrNotFound is returned when a job has no stored record
	ErrNotFound = errors.New("record not found")
	// ErrUserNotFound is returned for unknown users. Its message classifies
	// as a validation failure.
	ErrUserNotFound = errors.New("user validation failed: not found")
	// ErrCorruptRecord is returned when a stored row holds values outside
	// their closed set
	ErrCorruptRecord = errors.New("corrupt record")
)

// Job statuses stored in video_analyses
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// PostgresConfig holds connection details for PostgreSQL. URL takes
// precedence over the individual fields.
type PostgresConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`

	// EmbeddingDims is the dimension of the knowledge_chunks vector column
	EmbeddingDims int `yaml:"embedding_dims"`
}

// ConnString builds the connection string.
func (c PostgresConfig) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + c.Port,
		Path:   "/" + c.DBName,
	}
	return u.String()
}

// Postgres stores results, users, metrics and knowledge chunks
type Postgres struct {
	pool   *pgxpool.Pool
	dims   int
	logger *slog.Logger
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, config PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if config.EmbeddingDims <= 0 {
		config.EmbeddingDims = 768
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, dims: config.EmbeddingDims, logger: logger.With("component", "postgres")}, nil
}

// Close closes the database connection
func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveResult writes a completed result in one transaction, replacing any
// earlier attempt of the same job.
func (s *Postgres) SaveResult(ctx context.Context, r *pipeline.Result) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO video_analyses
				(job_id, user_id, exercise_id, video_ref, content_hash, status, error,
				 processing_time_ms, fallbacks, created_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8, $9, $9)
			ON CONFLICT (job_id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				exercise_id = EXCLUDED.exercise_id,
				video_ref = EXCLUDED.video_ref,
				content_hash = EXCLUDED.content_hash,
				status = EXCLUDED.status,
				error = NULL,
				processing_time_ms = EXCLUDED.processing_time_ms,
				fallbacks = EXCLUDED.fallbacks,
				completed_at = EXCLUDED.completed_at`,
			r.JobID, r.UserID, r.ExerciseID, r.VideoRef, r.ContentHash, StatusCompleted,
			r.ProcessingTimeMs, r.Fallbacks, r.CompletedAt)
		if err != nil {
			return fmt.Errorf("failed to store analysis: %w", err)
		}

		b := &pgx.Batch{}
		for _, table := range []string{
			"quick_analysis_results", "analysis_frames", "frame_deviations",
			"analysis_deviations", "deep_analysis_results", "corrective_protocols",
		} {
			b.Queue("DELETE FROM "+table+" WHERE job_id = $1", r.JobID)
		}

		b.Queue(`
			INSERT INTO quick_analysis_results
				(job_id, score, classification, similarity, should_run, reason, estimated_time_ms, triggers)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.JobID, r.Score, string(r.Classification), r.Similarity,
			r.Decision.ShouldRun, r.Decision.Reason, r.Decision.EstimatedTimeMs, r.Decision.Triggers)

		for _, f := range r.Frames {
			b.Queue(`
				INSERT INTO analysis_frames
					(job_id, frame_number, timestamp_ms, phase,
					 knee_left, knee_right, hip, trunk, ankle_left, ankle_right,
					 similarity, knee_similarity, hip_similarity, trunk_similarity,
					 ankle_similarity, symmetry, score)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
				r.JobID, f.FrameNumber, f.TimestampMs, string(f.Phase),
				f.Angles.KneeLeft, f.Angles.KneeRight, f.Angles.Hip, f.Angles.Trunk,
				f.Angles.AnkleLeft, f.Angles.AnkleRight,
				f.Similarity, f.Joints.Knee, f.Joints.Hip, f.Joints.Trunk, f.Joints.Ankle, f.Joints.Symmetry,
				f.Score)
			for _, d := range f.Deviations {
				b.Queue(`
					INSERT INTO frame_deviations
						(job_id, frame_number, type, severity, location, value, description)
					VALUES ($1, $2, $3, $4, $5, $6, $7)`,
					r.JobID, f.FrameNumber, string(d.Type), string(d.Severity), d.Location, d.Value, d.Description)
			}
		}

		for i, d := range r.Deviations {
			b.Queue(`
				INSERT INTO analysis_deviations
					(job_id, position, type, severity, frames_affected, percentage, average_value, trend)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				r.JobID, i, string(d.Type), string(d.Severity), d.FramesAffected, d.Percentage, d.AverageValue, string(d.Trend))
		}

		if r.Deep != nil {
			b.Queue(`
				INSERT INTO deep_analysis_results
					(job_id, narrative, sources, model, docs_retrieved, tokens_used, duration_ms)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				r.JobID, r.Deep.Narrative, r.Deep.Sources, r.Deep.Model,
				r.Deep.DocsRetrieved, r.Deep.TokensUsed, r.Deep.DurationMs)
		}

		for i, p := range r.Protocols {
			b.Queue(`
				INSERT INTO corrective_protocols
					(job_id, position, name, fault_type, severity, exercises, frequency,
					 duration_weeks, notes, generic)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				r.JobID, i, p.Name, p.FaultType, p.Severity, p.Exercises, p.Frequency,
				p.DurationWks, p.Notes, p.Generic)
		}

		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("failed to store analysis details: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("database save job %s: %w", r.JobID, err)
	}

	s.logger.Debug("result saved", "job", r.JobID, "frames", len(r.Frames), "deviations", len(r.Deviations))
	return nil
}

// MarkFailed records a failed job and its error message.
func (s *Postgres) MarkFailed(ctx context.Context, jobID, message string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_analyses (job_id, status, error, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`,
		jobID, StatusFailed, message, time.Now())
	if err != nil {
		return fmt.Errorf("database mark job %s failed: %w", jobID, err)
	}
	return nil
}

// GetResult loads the stored result of a completed job.
func (s *Postgres) GetResult(ctx context.Context, jobID string) (*pipeline.Result, error) {
	r := &pipeline.Result{JobID: jobID}
	var (
		status, classification string
		errMsg                 *string
		hash                   *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT v.user_id, v.exercise_id, v.video_ref, v.content_hash, v.status, v.error,
		       v.processing_time_ms, v.fallbacks, v.completed_at,
		       q.score, q.classification, q.similarity, q.should_run, q.reason,
		       q.estimated_time_ms, q.triggers
		FROM video_analyses v
		JOIN quick_analysis_results q ON q.job_id = v.job_id
		WHERE v.job_id = $1`, jobID).Scan(
		&r.UserID, &r.ExerciseID, &r.VideoRef, &hash, &status, &errMsg,
		&r.ProcessingTimeMs, &r.Fallbacks, &r.CompletedAt,
		&r.Score, &classification, &r.Similarity, &r.Decision.ShouldRun, &r.Decision.Reason,
		&r.Decision.EstimatedTimeMs, &r.Decision.Triggers)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if hash != nil {
		r.ContentHash = *hash
	}
	r.Classification = scoring.Classification(classification)

	if err := s.loadFrames(ctx, r); err != nil {
		return nil, err
	}
	if err := s.loadDeviations(ctx, r); err != nil {
		return nil, err
	}
	if err := s.loadDeep(ctx, r); err != nil {
		return nil, err
	}
	if err := s.loadProtocols(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Postgres) loadFrames(ctx context.Context, r *pipeline.Result) error {
	rows, err := s.pool.Query(ctx, `
		SELECT frame_number, timestamp_ms, phase,
		       knee_left, knee_right, hip, trunk, ankle_left, ankle_right,
		       similarity, knee_similarity, hip_similarity, trunk_similarity,
		       ankle_similarity, symmetry, score
		FROM analysis_frames WHERE job_id = $1 ORDER BY frame_number`, r.JobID)
	if err != nil {
		return fmt.Errorf("failed to load frames: %w", err)
	}
	defer rows.Close()

	index := make(map[int]int)
	for rows.Next() {
		var (
			f     scoring.FrameAnalysis
			phase string
		)
		if err := rows.Scan(&f.FrameNumber, &f.TimestampMs, &phase,
			&f.Angles.KneeLeft, &f.Angles.KneeRight, &f.Angles.Hip, &f.Angles.Trunk,
			&f.Angles.AnkleLeft, &f.Angles.AnkleRight,
			&f.Similarity, &f.Joints.Knee, &f.Joints.Hip, &f.Joints.Trunk, &f.Joints.Ankle,
			&f.Joints.Symmetry, &f.Score); err != nil {
			return fmt.Errorf("failed to scan frame: %w", err)
		}
		f.Phase = scoring.Phase(phase)
		index[f.FrameNumber] = len(r.Frames)
		r.Frames = append(r.Frames, f)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	devRows, err := s.pool.Query(ctx, `
		SELECT frame_number, type, severity, location, value, description
		FROM frame_deviations WHERE job_id = $1 ORDER BY frame_number`, r.JobID)
	if err != nil {
		return fmt.Errorf("failed to load frame deviations: %w", err)
	}
	defer devRows.Close()

	for devRows.Next() {
		var (
			d              scoring.Deviation
			fault, severity string
		)
		if err := devRows.Scan(&d.FrameNumber, &fault, &severity, &d.Location, &d.Value, &d.Description); err != nil {
			return fmt.Errorf("failed to scan frame deviation: %w", err)
		}
		if d.Type, d.Severity, err = parseFault(fault, severity); err != nil {
			return fmt.Errorf("job %s frame %d: %w", r.JobID, d.FrameNumber, err)
		}
		if i, ok := index[d.FrameNumber]; ok {
			r.Frames[i].Deviations = append(r.Frames[i].Deviations, d)
		}
	}
	return devRows.Err()
}

func (s *Postgres) loadDeviations(ctx context.Context, r *pipeline.Result) error {
	rows, err := s.pool.Query(ctx, `
		SELECT type, severity, frames_affected, percentage, average_value, trend
		FROM analysis_deviations WHERE job_id = $1 ORDER BY position`, r.JobID)
	if err != nil {
		return fmt.Errorf("failed to load deviations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d                      scoring.AggregatedDeviation
			fault, severity, trend string
			frames                 []int32
		)
		if err := rows.Scan(&fault, &severity, &frames, &d.Percentage, &d.AverageValue, &trend); err != nil {
			return fmt.Errorf("failed to scan deviation: %w", err)
		}
		if d.Type, d.Severity, err = parseFault(fault, severity); err != nil {
			return fmt.Errorf("job %s: %w", r.JobID, err)
		}
		d.Trend = scoring.Trend(trend)
		d.FramesAffected = make([]int, len(frames))
		for i, n := range frames {
			d.FramesAffected[i] = int(n)
		}
		r.Deviations = append(r.Deviations, d)
	}
	return rows.Err()
}

func (s *Postgres) loadDeep(ctx context.Context, r *pipeline.Result) error {
	var d models.DeepAnalysis
	err := s.pool.QueryRow(ctx, `
		SELECT narrative, sources, model, docs_retrieved, tokens_used, duration_ms
		FROM deep_analysis_results WHERE job_id = $1`, r.JobID).Scan(
		&d.Narrative, &d.Sources, &d.Model, &d.DocsRetrieved, &d.TokensUsed, &d.DurationMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load deep analysis: %w", err)
	}
	r.Deep = &d
	return nil
}

func (s *Postgres) loadProtocols(ctx context.Context, r *pipeline.Result) error {
	rows, err := s.pool.Query(ctx, `
		SELECT name, fault_type, severity, exercises, frequency, duration_weeks, notes, generic
		FROM corrective_protocols WHERE job_id = $1 ORDER BY position`, r.JobID)
	if err != nil {
		return fmt.Errorf("failed to load protocols: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.Protocol
		if err := rows.Scan(&p.Name, &p.FaultType, &p.Severity, &p.Exercises, &p.Frequency,
			&p.DurationWks, &p.Notes, &p.Generic); err != nil {
			return fmt.Errorf("failed to scan protocol: %w", err)
		}
		r.Protocols = append(r.Protocols, p)
	}
	return rows.Err()
}

// parseFault validates stored fault and severity values
func parseFault(fault, severity string) (scoring.FaultType, scoring.Severity, error) {
	ft := scoring.FaultType(fault)
	if !ft.Valid() {
		return "", "", fmt.Errorf("%w: unknown fault type %q", ErrCorruptRecord, fault)
	}
	sev := scoring.Severity(severity)
	if sev.Rank() == 0 {
		return "", "", fmt.Errorf("%w: unknown severity %q", ErrCorruptRecord, severity)
	}
	return ft, sev, nil
}

// JobStatus returns the stored status and error message of a job.
func (s *Postgres) JobStatus(ctx context.Context, jobID string) (string, string, error) {
	var (
		status string
		msg    *string
	)
	err := s.pool.QueryRow(ctx, "SELECT status, error FROM video_analyses WHERE job_id = $1", jobID).Scan(&status, &msg)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to load job status: %w", err)
	}
	if msg == nil {
		return status, "", nil
	}
	return status, *msg, nil
}

// GetUser loads a user profile.
func (s *Postgres) GetUser(ctx context.Context, userID string) (models.User, error) {
	u := models.User{ID: userID}
	err := s.pool.QueryRow(ctx,
		"SELECT tier, training_age_years FROM users WHERE id = $1", userID).Scan(&u.Tier, &u.TrainingAgeYears)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("database load user %s: %w", userID, err)
	}
	return u, nil
}

// UpsertUser creates or updates a user profile.
func (s *Postgres) UpsertUser(ctx context.Context, u models.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, tier, training_age_years, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET tier = EXCLUDED.tier, training_age_years = EXCLUDED.training_age_years`,
		u.ID, u.Tier, u.TrainingAgeYears, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store user %s: %w", u.ID, err)
	}
	return nil
}

// InsertMetrics implements metrics.Store.
func (s *Postgres) InsertMetrics(ctx context.Context, batch []metrics.JobMetrics) error {
	if len(batch) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, m := range batch {
		b.Queue(`
			INSERT INTO job_metrics
				(job_id, user_id, exercise_id, status, total_time_ms,
				 l1_hit, l2_hit, l3_hit, deep_analysis_triggered, decision_triggers,
				 frames_extracted, frames_analyzed, docs_retrieved, tokens_used,
				 quick_score, classification, deviation_types, deviations_count,
				 protocols_generated, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
			ON CONFLICT (job_id, created_at) DO NOTHING`,
			m.JobID, m.UserID, m.ExerciseID, m.Status, m.TotalTimeMs,
			m.Cache.L1, m.Cache.L2, m.Cache.L3, m.DeepAnalysisTriggered, m.DecisionTriggers,
			m.FramesExtracted, m.FramesAnalyzed, m.DocsRetrieved, m.TokensUsed,
			m.QuickScore, m.Classification, m.DeviationTypes, m.DeviationsCount,
			m.ProtocolsGenerated, m.CreatedAt)

		for stage, ms := range m.StageTimesMs {
			b.Queue(`
				INSERT INTO job_metric_stages (job_id, created_at, stage, duration_ms)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT DO NOTHING`,
				m.JobID, m.CreatedAt, string(stage), ms)
		}
		for i, e := range m.Errors {
			b.Queue(`
				INSERT INTO job_metric_errors (job_id, created_at, position, stage, type, message, recovered)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT DO NOTHING`,
				m.JobID, m.CreatedAt, i, string(e.Stage), string(e.Type), e.Message, e.Recovered)
		}
	}

	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("database insert %d metrics: %w", len(batch), err)
	}
	return nil
}

// ListMetrics returns the metrics records created since.
func (s *Postgres) ListMetrics(ctx context.Context, since time.Time) ([]metrics.JobMetrics, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, user_id, exercise_id, status, total_time_ms,
		       l1_hit, l2_hit, l3_hit, deep_analysis_triggered, decision_triggers,
		       frames_extracted, frames_analyzed, docs_retrieved, tokens_used,
		       quick_score, classification, deviation_types, deviations_count,
		       protocols_generated, created_at
		FROM job_metrics WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics: %w", err)
	}
	defer rows.Close()

	type key struct {
		job string
		at  time.Time
	}
	var out []metrics.JobMetrics
	index := make(map[key]int)
	for rows.Next() {
		m := metrics.JobMetrics{StageTimesMs: make(map[models.Stage]int64)}
		if err := rows.Scan(&m.JobID, &m.UserID, &m.ExerciseID, &m.Status, &m.TotalTimeMs,
			&m.Cache.L1, &m.Cache.L2, &m.Cache.L3, &m.DeepAnalysisTriggered, &m.DecisionTriggers,
			&m.FramesExtracted, &m.FramesAnalyzed, &m.DocsRetrieved, &m.TokensUsed,
			&m.QuickScore, &m.Classification, &m.DeviationTypes, &m.DeviationsCount,
			&m.ProtocolsGenerated, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan metrics: %w", err)
		}
		index[key{m.JobID, m.CreatedAt.UTC()}] = len(out)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	stageRows, err := s.pool.Query(ctx, `
		SELECT job_id, created_at, stage, duration_ms
		FROM job_metric_stages WHERE created_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load stage metrics: %w", err)
	}
	defer stageRows.Close()
	for stageRows.Next() {
		var (
			k     key
			stage string
			ms    int64
		)
		if err := stageRows.Scan(&k.job, &k.at, &stage, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan stage metrics: %w", err)
		}
		k.at = k.at.UTC()
		if i, ok := index[k]; ok {
			out[i].StageTimesMs[models.Stage(stage)] = ms
		}
	}
	if err := stageRows.Err(); err != nil {
		return nil, err
	}
	stageRows.Close()

	errRows, err := s.pool.Query(ctx, `
		SELECT job_id, created_at, stage, type, message, recovered
		FROM job_metric_errors WHERE created_at >= $1 ORDER BY position`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load error metrics: %w", err)
	}
	defer errRows.Close()
	for errRows.Next() {
		var (
			k           key
			stage, kind string
			e           metrics.JobError
		)
		if err := errRows.Scan(&k.job, &k.at, &stage, &kind, &e.Message, &e.Recovered); err != nil {
			return nil, fmt.Errorf("failed to scan error metrics: %w", err)
		}
		e.Stage, e.Type = models.Stage(stage), models.ErrorType(kind)
		k.at = k.at.UTC()
		if i, ok := index[k]; ok {
			out[i].Errors = append(out[i].Errors, e)
		}
	}
	return out, errRows.Err()
}

// AddKnowledgeChunk stores a knowledge chunk with its embedding.
func (s *Postgres) AddKnowledgeChunk(ctx context.Context, c models.KnowledgeChunk, embedding []float32) error {
	if len(embedding) != s.dims {
		return fmt.Errorf("invalid embedding: %d dimensions, schema expects %d", len(embedding), s.dims)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO knowledge_chunks (fault_type, severity, title, content, source, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.FaultType, c.Severity, c.Title, c.Content, c.Source, pgvector.NewVector(embedding), time.Now())
	if err != nil {
		return fmt.Errorf("failed to store knowledge chunk %q: %w", c.Title, err)
	}
	return nil
}

// SearchContext returns the chunks of a fault type closest to the query
// embedding. Chunks matching the severity rank first.
func (s *Postgres) SearchContext(ctx context.Context, faultType, severity string, query []float32, limit int) ([]models.ContextDoc, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT title, content, source, 1 - (embedding <=> $1) AS similarity
		FROM knowledge_chunks
		WHERE fault_type = $2
		ORDER BY (severity = $3) DESC, embedding <=> $1
		LIMIT $4`,
		pgvector.NewVector(query), faultType, severity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search knowledge: %w", err)
	}
	defer rows.Close()

	var docs []models.ContextDoc
	for rows.Next() {
		var d models.ContextDoc
		if err := rows.Scan(&d.Title, &d.Content, &d.Source, &d.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
