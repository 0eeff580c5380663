package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = "id, transcript_id, status, attempts, idempotency_key, force, retry_next_at, locked_until, error_message, created_at, updated_at"

func scanJob(sc scanner) (*AnalysisJob, error) {
	var (
		j         AnalysisJob
		status    string
		force     int
		retryNext sql.NullString
		locked    sql.NullString
		errMsg    sql.NullString
		created   string
		updated   string
	)
	if err := sc.Scan(&j.ID, &j.TranscriptID, &status, &j.Attempts, &j.IdempotencyKey, &force, &retryNext, &locked, &errMsg, &created, &updated); err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.Force = force != 0
	j.RetryNextAt = parseTimeNull(retryNext)
	j.LockedUntil = parseTimeNull(locked)
	j.ErrorMessage = stringOrEmpty(errMsg)
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	return &j, nil
}

// InsertAnalysisJob records a durable analysis job. A duplicate idempotency
// key returns the existing job with inserted=false.
func (s *Store) InsertAnalysisJob(ctx context.Context, transcriptID int64, idempotencyKey string, force bool) (*AnalysisJob, bool, error) {
	if idempotencyKey == "" {
		return nil, false, errors.New("idempotency key is required")
	}
	now := fmtTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO analysis_jobs (transcript_id, status, idempotency_key, force, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(idempotency_key) DO NOTHING`,
		transcriptID, string(JobPending), idempotencyKey, boolToInt(force), now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert analysis job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	job, err := s.GetAnalysisJobByKey(ctx, idempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return job, affected > 0, nil
}

// GetAnalysisJob fetches a job by id.
func (s *Store) GetAnalysisJob(ctx context.Context, id int64) (*AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis job: %w", err)
	}
	return job, nil
}

// GetAnalysisJobByKey fetches a job by idempotency key.
func (s *Store) GetAnalysisJobByKey(ctx context.Context, key string) (*AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE idempotency_key = ?`, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis job by key: %w", err)
	}
	return job, nil
}

// ListAnalysisJobs returns jobs, newest first.
func (s *Store) ListAnalysisJobs(ctx context.Context, limit int) ([]*AnalysisJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM analysis_jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list analysis jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*AnalysisJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkAnalysisJob transitions a job's status, recording attempts and error.
func (s *Store) MarkAnalysisJob(ctx context.Context, id int64, status JobStatus, attempts int, errMessage string, retryNextAt *time.Time) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE analysis_jobs
         SET status = ?, attempts = ?, error_message = ?, retry_next_at = ?, locked_until = NULL, updated_at = ?
         WHERE id = ?`,
		string(status), attempts, nullableString(errMessage), fmtTimePtr(retryNextAt), fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark analysis job: %w", err)
	}
	return nil
}

// MarkAnalysisJobByKey is MarkAnalysisJob addressed by idempotency key.
func (s *Store) MarkAnalysisJobByKey(ctx context.Context, key string, status JobStatus, errMessage string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE analysis_jobs
         SET status = ?, error_message = ?, locked_until = NULL, updated_at = ?
         WHERE idempotency_key = ?`,
		string(status), nullableString(errMessage), fmtTime(time.Now()), key,
	)
	if err != nil {
		return fmt.Errorf("mark analysis job by key: %w", err)
	}
	return nil
}

const analysisColumns = "id, transcript_id, idempotency_key, prompt_snapshot, output_text, model_provider, model_id, model_revision, tokens_in, tokens_out, cost, created_at"

func scanAnalysis(sc scanner) (*Analysis, error) {
	var (
		a        Analysis
		revision sql.NullString
		created  string
	)
	if err := sc.Scan(&a.ID, &a.TranscriptID, &a.IdempotencyKey, &a.PromptSnapshot, &a.OutputText, &a.ModelProvider, &a.ModelID, &revision, &a.TokensIn, &a.TokensOut, &a.Cost, &created); err != nil {
		return nil, err
	}
	a.ModelRevision = stringOrEmpty(revision)
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// InsertAnalysis stores a completed analysis. A duplicate idempotency key
// returns the existing analysis with inserted=false, which is how a crashed
// worker's retry converges instead of double-writing.
func (s *Store) InsertAnalysis(ctx context.Context, analysis *Analysis) (*Analysis, bool, error) {
	if analysis == nil {
		return nil, false, errors.New("analysis is nil")
	}
	if analysis.IdempotencyKey == "" {
		return nil, false, errors.New("idempotency key is required")
	}
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO transcript_analyses (transcript_id, idempotency_key, prompt_snapshot, output_text, model_provider, model_id, model_revision, tokens_in, tokens_out, cost, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(idempotency_key) DO NOTHING`,
		analysis.TranscriptID, analysis.IdempotencyKey, analysis.PromptSnapshot, analysis.OutputText,
		analysis.ModelProvider, analysis.ModelID, nullableString(analysis.ModelRevision),
		analysis.TokensIn, analysis.TokensOut, analysis.Cost, fmtTime(time.Now()),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert analysis: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM transcript_analyses WHERE idempotency_key = ?`, analysis.IdempotencyKey)
	stored, err := scanAnalysis(row)
	if err != nil {
		return nil, false, fmt.Errorf("reload analysis: %w", err)
	}
	return stored, affected > 0, nil
}

// GetAnalysis fetches an analysis by id.
func (s *Store) GetAnalysis(ctx context.Context, id int64) (*Analysis, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM transcript_analyses WHERE id = ?`, id)
	analysis, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return analysis, nil
}

// LatestAnalysisForTranscript returns the newest analysis for a transcript,
// or ErrNotFound.
func (s *Store) LatestAnalysisForTranscript(ctx context.Context, transcriptID int64) (*Analysis, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+analysisColumns+` FROM transcript_analyses WHERE transcript_id = ? ORDER BY id DESC LIMIT 1`,
		transcriptID,
	)
	analysis, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest analysis: %w", err)
	}
	return analysis, nil
}

// ListAnalysesForTranscript returns all analyses for a transcript, newest first.
func (s *Store) ListAnalysesForTranscript(ctx context.Context, transcriptID int64) ([]*Analysis, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+analysisColumns+` FROM transcript_analyses WHERE transcript_id = ? ORDER BY id DESC`,
		transcriptID,
	)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var analyses []*Analysis
	for rows.Next() {
		analysis, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		analyses = append(analyses, analysis)
	}
	return analyses, rows.Err()
}
