// Package repo contains PostgreSQL implementations of the domain
// repositories.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/realenhance/server/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository backed by PostgreSQL.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new JobRepositoryPG.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// Create inserts a new job in pending state.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	results, err := json.Marshal(job.Results)
	if err != nil {
		return fmt.Errorf("marshal stage results: %w", err)
	}

	query := `
INSERT INTO jobs (
  id, tenant_id, user_id,
  stage_enhance, stage_declutter, stage_staging,
  status, current_stage, source_key, source_mime, results
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING created_at, updated_at;
`
	return r.pool.QueryRow(ctx, query,
		job.ID,
		job.TenantID,
		job.UserID,
		job.Stages.Enhance,
		job.Stages.Declutter,
		job.Stages.Staging,
		job.Status,
		job.CurrentStage,
		job.SourceKey,
		job.SourceMIME,
		results,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

// GetByID fetches a job by id.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, tenant_id, user_id,
       stage_enhance, stage_declutter, stage_staging,
       status, current_stage, cancel_requested,
       source_key, source_mime, results, error_message,
       created_at, updated_at
FROM jobs
WHERE id = $1;
`, jobID)
	return scanJob(row)
}

// UpdateStatus transitions a job's lifecycle state.
func (r *JobRepositoryPG) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET status = $2, error_message = $3, updated_at = NOW()
WHERE id = $1;
`, jobID, status, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetCurrentStage records which stage the worker is executing.
func (r *JobRepositoryPG) SetCurrentStage(ctx context.Context, jobID string, stage domain.Stage) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET current_stage = $2, updated_at = NOW()
WHERE id = $1;
`, jobID, stage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetStageResult merges one stage's resolution into the results document.
func (r *JobRepositoryPG) SetStageResult(ctx context.Context, jobID string, stage domain.Stage, result domain.StageResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal stage result: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET results = jsonb_set(COALESCE(results, '{}'::jsonb), ARRAY[$2::text], $3::jsonb),
    updated_at = NOW()
WHERE id = $1;
`, jobID, string(stage), payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RequestCancel flips the cancellation flag. The worker honors it between
// stages.
func (r *JobRepositoryPG) RequestCancel(ctx context.Context, jobID string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET cancel_requested = TRUE, updated_at = NOW()
WHERE id = $1 AND status IN ('pending', 'processing');
`, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ResetForRerun returns a terminal job to pending for an edit re-run. Stage
// results, the cancellation flag and the error message are cleared so a
// previously cancelled or failed job runs every requested stage again.
func (r *JobRepositoryPG) ResetForRerun(ctx context.Context, jobID string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET status = 'pending',
    cancel_requested = FALSE,
    results = '{}'::jsonb,
    error_message = '',
    current_stage = '',
    updated_at = NOW()
WHERE id = $1 AND status IN ('completed', 'failed');
`, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CancelRequested reads the cancellation flag.
func (r *JobRepositoryPG) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag bool
	err := r.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, jobID).Scan(&flag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrNotFound
		}
		return false, err
	}
	return flag, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j       domain.Job
		results []byte
	)
	err := row.Scan(
		&j.ID, &j.TenantID, &j.UserID,
		&j.Stages.Enhance, &j.Stages.Declutter, &j.Stages.Staging,
		&j.Status, &j.CurrentStage, &j.CancelRequested,
		&j.SourceKey, &j.SourceMIME, &results, &j.ErrorMessage,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	j.Results = map[domain.Stage]domain.StageResult{}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &j.Results); err != nil {
			return nil, fmt.Errorf("decode stage results: %w", err)
		}
	}
	return &j, nil
}
