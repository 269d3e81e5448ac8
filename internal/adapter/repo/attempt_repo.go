package repo

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/realenhance/server/internal/domain"
)

// AttemptRepositoryPG implements domain.AttemptRepository. Rows are only ever
// inserted; the table is the pipeline's audit trail.
type AttemptRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepositoryPG.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepositoryPG {
	return &AttemptRepositoryPG{pool: pool}
}

// Append inserts one attempt record and fills in its generated id and
// timestamp.
func (r *AttemptRepositoryPG) Append(ctx context.Context, attempt *domain.StageAttempt) error {
	query := `
INSERT INTO stage_attempts (
  job_id, stage, attempt_index,
  temperature, top_p, top_k, strict_dimension,
  output_key, dimension_ok, dimension_method,
  verdict_pass, verdict_confidence, verdict_provider, verdict_reasons,
  retry_granted, retry_reason
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
RETURNING id, created_at;
`
	return r.pool.QueryRow(ctx, query,
		attempt.JobID,
		attempt.Stage,
		attempt.Index,
		attempt.Temperature,
		attempt.TopP,
		attempt.TopK,
		attempt.StrictDimension,
		attempt.OutputKey,
		attempt.DimensionOK,
		attempt.DimensionMethod,
		attempt.VerdictPass,
		attempt.VerdictConfidence,
		attempt.VerdictProvider,
		attempt.VerdictReasons,
		attempt.RetryGranted,
		attempt.RetryReason,
	).Scan(&attempt.ID, &attempt.CreatedAt)
}

// ListByJob returns every attempt for a job ordered by stage and index.
func (r *AttemptRepositoryPG) ListByJob(ctx context.Context, jobID string) ([]domain.StageAttempt, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, job_id, stage, attempt_index,
       temperature, top_p, top_k, strict_dimension,
       output_key, dimension_ok, dimension_method,
       verdict_pass, verdict_confidence, verdict_provider, verdict_reasons,
       retry_granted, retry_reason, created_at
FROM stage_attempts
WHERE job_id = $1
ORDER BY stage, attempt_index;
`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.StageAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// CountForStage returns how many attempts the stage has accumulated. The
// controller uses it to resume attempt numbering after a redelivery.
func (r *AttemptRepositoryPG) CountForStage(ctx context.Context, jobID string, stage domain.Stage) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM stage_attempts WHERE job_id = $1 AND stage = $2;
`, jobID, stage).Scan(&n)
	return n, err
}

func scanAttempt(row pgx.Row) (*domain.StageAttempt, error) {
	var a domain.StageAttempt
	err := row.Scan(
		&a.ID, &a.JobID, &a.Stage, &a.Index,
		&a.Temperature, &a.TopP, &a.TopK, &a.StrictDimension,
		&a.OutputKey, &a.DimensionOK, &a.DimensionMethod,
		&a.VerdictPass, &a.VerdictConfidence, &a.VerdictProvider, &a.VerdictReasons,
		&a.RetryGranted, &a.RetryReason, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
