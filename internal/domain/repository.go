package domain

import "context"

// JobRepository defines persistence for job entities.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	UpdateStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error
	SetCurrentStage(ctx context.Context, jobID string, stage Stage) error
	SetStageResult(ctx context.Context, jobID string, stage Stage, result StageResult) error
	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	// ResetForRerun returns a terminal job to pending with its stage
	// results, cancellation flag and error cleared, so an edit re-runs
	// every requested stage from scratch.
	ResetForRerun(ctx context.Context, jobID string) error
}

// AttemptRepository persists the append-only stage attempt log.
type AttemptRepository interface {
	Append(ctx context.Context, attempt *StageAttempt) error
	ListByJob(ctx context.Context, jobID string) ([]StageAttempt, error)
	CountForStage(ctx context.Context, jobID string, stage Stage) (int, error)
}
