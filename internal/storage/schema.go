package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		tier TEXT NOT NULL DEFAULT 'free',
		training_age_years DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS video_analyses (
		job_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		exercise_id TEXT NOT NULL DEFAULT '',
		video_ref TEXT NOT NULL DEFAULT '',
		content_hash TEXT,
		status TEXT NOT NULL,
		error TEXT,
		processing_time_ms BIGINT NOT NULL DEFAULT 0,
		fallbacks TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS video_analyses_user_idx ON video_analyses (user_id, completed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS quick_analysis_results (
		job_id TEXT PRIMARY KEY REFERENCES video_analyses (job_id) ON DELETE CASCADE,
		score DOUBLE PRECISION NOT NULL,
		classification TEXT NOT NULL,
		similarity DOUBLE PRECISION NOT NULL,
		should_run BOOLEAN NOT NULL,
		reason TEXT NOT NULL,
		estimated_time_ms BIGINT NOT NULL,
		triggers TEXT[] NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS analysis_frames (
		job_id TEXT NOT NULL REFERENCES video_analyses (job_id) ON DELETE CASCADE,
		frame_number INTEGER NOT NULL,
		timestamp_ms BIGINT NOT NULL,
		phase TEXT NOT NULL,
		knee_left DOUBLE PRECISION NOT NULL,
		knee_right DOUBLE PRECISION NOT NULL,
		hip DOUBLE PRECISION NOT NULL,
		trunk DOUBLE PRECISION NOT NULL,
		ankle_left DOUBLE PRECISION NOT NULL,
		ankle_right DOUBLE PRECISION NOT NULL,
		similarity DOUBLE PRECISION NOT NULL,
		knee_similarity DOUBLE PRECISION NOT NULL,
		hip_similarity DOUBLE PRECISION NOT NULL,
		trunk_similarity DOUBLE PRECISION NOT NULL,
		ankle_similarity DOUBLE PRECISION NOT NULL,
		symmetry DOUBLE PRECISION NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (job_id, frame_number)
	)`,
	`CREATE TABLE IF NOT EXISTS frame_deviations (
		job_id TEXT NOT NULL REFERENCES video_analyses (job_id) ON DELETE CASCADE,
		frame_number INTEGER NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		location TEXT NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		description TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS frame_deviations_job_idx ON frame_deviations (job_id)`,
	`CREATE TABLE IF NOT EXISTS analysis_deviations (
		job_id TEXT NOT NULL REFERENCES video_analyses (job_id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		frames_affected INTEGER[] NOT NULL,
		percentage DOUBLE PRECISION NOT NULL,
		average_value DOUBLE PRECISION NOT NULL,
		trend TEXT NOT NULL,
		PRIMARY KEY (job_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS deep_analysis_results (
		job_id TEXT PRIMARY KEY REFERENCES video_analyses (job_id) ON DELETE CASCADE,
		narrative TEXT NOT NULL,
		sources TEXT[] NOT NULL DEFAULT '{}',
		model TEXT NOT NULL,
		docs_retrieved INTEGER NOT NULL,
		tokens_used INTEGER NOT NULL,
		duration_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS corrective_protocols (
		job_id TEXT NOT NULL REFERENCES video_analyses (job_id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		fault_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		exercises TEXT[] NOT NULL DEFAULT '{}',
		frequency TEXT NOT NULL,
		duration_weeks INTEGER NOT NULL,
		notes TEXT[] NOT NULL DEFAULT '{}',
		generic BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (job_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS job_metrics (
		job_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		exercise_id TEXT NOT NULL,
		status TEXT NOT NULL,
		total_time_ms BIGINT NOT NULL,
		l1_hit BOOLEAN NOT NULL,
		l2_hit BOOLEAN NOT NULL,
		l3_hit BOOLEAN NOT NULL,
		deep_analysis_triggered BOOLEAN NOT NULL,
		decision_triggers TEXT[] NOT NULL DEFAULT '{}',
		frames_extracted INTEGER NOT NULL,
		frames_analyzed INTEGER NOT NULL,
		docs_retrieved INTEGER NOT NULL,
		tokens_used INTEGER NOT NULL,
		quick_score DOUBLE PRECISION NOT NULL,
		classification TEXT NOT NULL,
		deviation_types TEXT[] NOT NULL DEFAULT '{}',
		deviations_count INTEGER NOT NULL,
		protocols_generated INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (job_id, created_at)
	)`,
	`CREATE INDEX IF NOT EXISTS job_metrics_created_idx ON job_metrics (created_at)`,
	`CREATE TABLE IF NOT EXISTS job_metric_stages (
		job_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		stage TEXT NOT NULL,
		duration_ms BIGINT NOT NULL,
		PRIMARY KEY (job_id, created_at, stage)
	)`,
	`CREATE TABLE IF NOT EXISTS job_metric_errors (
		job_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		position INTEGER NOT NULL,
		stage TEXT NOT NULL,
		type TEXT NOT NULL,
		message TEXT NOT NULL,
		recovered BOOLEAN NOT NULL,
		PRIMARY KEY (job_id, created_at, position)
	)`,
}

// knowledgeSchema returns the statements of the vector-indexed knowledge
// table for the configured embedding dimension.
func knowledgeSchema(dims int) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id BIGSERIAL PRIMARY KEY,
			fault_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`, dims),
		`CREATE INDEX IF NOT EXISTS knowledge_chunks_fault_idx ON knowledge_chunks (fault_type, severity)`,
		`CREATE INDEX IF NOT EXISTS knowledge_chunks_embedding_idx ON knowledge_chunks
			USING hnsw (embedding vector_cosine_ops)`,
	}
}

// InitSchema creates the tables used by the pipeline if they do not exist.
func (s *Postgres) InitSchema(ctx context.Context) error {
	stmts := append(append([]string{}, schemaStatements...), knowledgeSchema(s.dims)...)
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.logger.Info("schema ready", "statements", len(stmts), "embedding_dims", s.dims)
	return nil
}
