package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/realenhance/server/internal/dimension"
	"github.com/realenhance/server/internal/domain"
	"github.com/realenhance/server/internal/generate"
	"github.com/realenhance/server/internal/infra"
	"github.com/realenhance/server/internal/validate"
)

// Validator is the structural validation capability the controller consumes.
// The hybrid orchestrator satisfies it; tests substitute stubs.
type Validator interface {
	Validate(ctx context.Context, original, edited validate.Artifact) validate.Verdict
}

// ArtifactStore persists stage outputs and resolves their public URLs.
type ArtifactStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) (string, error)
	URLFor(key string) string
}

// Ledger is the quota finalization surface the controller notifies once a
// job's stage set is fully resolved.
type Ledger interface {
	Finalize(ctx context.Context, jobID string, stage12OK, stage2OK bool) (string, error)
	IncrementRetry(ctx context.Context, jobID string) (bool, error)
}

// Controller runs a job's requested stages strictly in order, wiring the
// dimension guard and hybrid validator around each generation call and
// consulting the retry manager on every failure.
type Controller struct {
	gen       generate.Generator
	guard     *dimension.Guard
	validator Validator
	store     ArtifactStore
	jobs      domain.JobRepository
	attempts  domain.AttemptRepository
	ledger    Ledger
	retryCfg  RetryConfig
	logger    zerolog.Logger
	metrics   *infra.Metrics
}

// NewController wires the pipeline. metrics may be nil in tests.
func NewController(
	gen generate.Generator,
	guard *dimension.Guard,
	validator Validator,
	store ArtifactStore,
	jobs domain.JobRepository,
	attempts domain.AttemptRepository,
	ledger Ledger,
	retryCfg RetryConfig,
	logger zerolog.Logger,
	metrics *infra.Metrics,
) *Controller {
	return &Controller{
		gen:       gen,
		guard:     guard,
		validator: validator,
		store:     store,
		jobs:      jobs,
		attempts:  attempts,
		ledger:    ledger,
		retryCfg:  retryCfg,
		logger:    logger,
		metrics:   metrics,
	}
}

type artifact struct {
	key  string
	url  string
	mime string
	data []byte
}

// Run processes one job to completion. It is safe to re-enter for a job whose
// prior delivery partially completed: terminal jobs are acknowledged without
// side effects and attempt indices resume from the persisted attempt log.
func (c *Controller) Run(ctx context.Context, jobID string) error {
	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status == domain.JobStatusCompleted || job.Status == domain.JobStatusFailed {
		c.logger.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("pipeline: job already terminal, skipping redelivery")
		return nil
	}

	if err := c.jobs.UpdateStatus(ctx, jobID, domain.JobStatusProcessing, ""); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	sourceData, err := c.store.Load(ctx, job.SourceKey)
	if err != nil {
		if ferr := c.failJob(ctx, jobID, fmt.Sprintf("load source image: %v", err)); ferr != nil {
			c.logger.Error().Err(ferr).Str("job_id", jobID).Msg("pipeline: resolve after source load failure failed")
		}
		return fmt.Errorf("load source image: %w", err)
	}
	baseline := artifact{
		key:  job.SourceKey,
		url:  c.store.URLFor(job.SourceKey),
		mime: job.SourceMIME,
		data: sourceData,
	}

	stage12OK := true
	stage2OK := true
	cancelled := false

	for _, stage := range domain.StageOrder {
		if !job.Stages.Has(stage) {
			continue
		}

		if prev, ok := job.Results[stage]; ok {
			// Resolved on a prior delivery; never re-run resolved stages.
			switch prev.State {
			case domain.StageStatePassed:
				data, err := c.store.Load(ctx, prev.OutputKey)
				if err == nil {
					baseline = artifact{key: prev.OutputKey, url: prev.OutputURL, mime: "image/png", data: data}
					continue
				}
				c.logger.Warn().Err(err).Str("job_id", jobID).Str("stage", string(stage)).Msg("pipeline: prior output missing, re-running stage")
			case domain.StageStateFailed, domain.StageStateSkipped:
				c.markStageFailure(stage, &stage12OK, &stage2OK)
				continue
			}
		}

		if !cancelled {
			flag, err := c.jobs.CancelRequested(ctx, jobID)
			if err != nil {
				c.logger.Warn().Err(err).Str("job_id", jobID).Msg("pipeline: cancel check failed, continuing")
			} else if flag {
				cancelled = true
			}
		}
		if cancelled {
			c.setStageResult(ctx, job, stage, domain.StageResult{
				State:  domain.StageStateSkipped,
				Reason: "job cancelled before stage started",
			})
			c.markStageFailure(stage, &stage12OK, &stage2OK)
			continue
		}

		if err := c.jobs.SetCurrentStage(ctx, jobID, stage); err != nil {
			c.logger.Warn().Err(err).Str("job_id", jobID).Msg("pipeline: set current stage failed")
		}

		output, result := c.runStage(ctx, job, stage, baseline)
		c.setStageResult(ctx, job, stage, result)

		if result.State == domain.StageStatePassed {
			// Later stages baseline on the most recent successful output.
			baseline = output
			c.countStage(stage, "passed")
		} else {
			c.markStageFailure(stage, &stage12OK, &stage2OK)
			c.countStage(stage, "failed")
		}
	}

	if !job.Stages.Enhance && !job.Stages.Declutter {
		stage12OK = false
	}
	if !job.Stages.Staging {
		stage2OK = false
	}

	if err := c.finalizeLedger(ctx, jobID, stage12OK, stage2OK); err != nil {
		// The job stays in processing so the janitor returns it to the
		// queue; the persisted stage results make the redelivery skip
		// straight back to this finalize.
		return fmt.Errorf("finalize ledger: %w", err)
	}

	status := domain.JobStatusCompleted
	errMsg := ""
	if cancelled {
		status = domain.JobStatusFailed
		errMsg = "cancelled"
	} else if !job.Succeeded() {
		status = domain.JobStatusFailed
		errMsg = "one or more stages failed"
	}
	if err := c.jobs.UpdateStatus(ctx, jobID, status, errMsg); err != nil {
		return fmt.Errorf("finalize job status: %w", err)
	}
	c.logger.Info().Str("job_id", jobID).Str("status", string(status)).Msg("pipeline: job resolved")
	return nil
}

// runStage executes generation, dimension checking and validation for one
// stage, looping on retry grants until the stage passes or fails.
func (c *Controller) runStage(ctx context.Context, job *domain.Job, stage domain.Stage, baseline artifact) (artifact, domain.StageResult) {
	baseDims, err := c.guard.Dims(baseline.data)
	if err != nil {
		return artifact{}, domain.StageResult{
			State:  domain.StageStateFailed,
			Reason: fmt.Sprintf("baseline metadata unreadable: %v", err),
		}
	}

	attemptIndex, err := c.attempts.CountForStage(ctx, job.ID, stage)
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("pipeline: attempt count unavailable, starting at zero")
		attemptIndex = 0
	}

	validationFailures := 0
	dimensionRetries := 0
	transientRetries := 0
	strict := false
	sampling := Tighten(c.retryCfg, 0)

	for {
		instruction := generate.BuildInstruction(string(stage), strict, baseDims.Width, baseDims.Height)

		genRes, err := c.gen.Generate(ctx, generate.Request{
			JobID:       job.ID,
			Stage:       string(stage),
			Source:      generate.SourceImage{URL: baseline.url, Data: baseline.data, MIME: baseline.mime},
			Instruction: instruction,
			Sampling:    sampling,
		})
		if err != nil {
			if generate.IsTransient(err) {
				d := DecideTransient(transientRetries, c.retryCfg)
				if d.ShouldRetry && c.amendmentAllowed(ctx, job.ID) {
					transientRetries++
					c.countRetry(stage, "transient")
					c.logger.Warn().Err(err).Str("job_id", job.ID).Str("stage", string(stage)).Msg("pipeline: transient generation error, retrying")
					continue
				}
			}
			return artifact{}, domain.StageResult{
				State:  domain.StageStateFailed,
				Reason: fmt.Sprintf("generation failed: %v", err),
			}
		}

		attemptIndex++
		attempt := &domain.StageAttempt{
			JobID:           job.ID,
			Stage:           stage,
			Index:           attemptIndex,
			Temperature:     sampling.Temperature,
			TopP:            sampling.TopP,
			TopK:            sampling.TopK,
			StrictDimension: strict,
		}

		dimRes := c.guard.Compare(baseline.data, genRes.Data)
		attempt.DimensionOK = dimRes.OK
		if !dimRes.OK {
			d := DecideDimension(dimensionRetries, c.retryCfg)
			attempt.RetryGranted = d.ShouldRetry
			attempt.RetryReason = d.Reason
			c.appendAttempt(ctx, attempt)

			if d.ShouldRetry && c.amendmentAllowed(ctx, job.ID) {
				dimensionRetries++
				strict = true
				c.countRetry(stage, "dimension")
				c.logger.Info().Str("job_id", job.ID).Str("stage", string(stage)).Str("detail", dimRes.Message).Msg("pipeline: dimension mismatch, strict retry")
				continue
			}
			return artifact{}, domain.StageResult{
				State:  domain.StageStateFailed,
				Reason: dimRes.Message,
			}
		}

		output := genRes.Data
		if dimRes.WithinTolerance && !dimRes.Exact {
			normalized, method, err := c.guard.Normalize(baseline.data, genRes.Data)
			if err != nil {
				c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("pipeline: normalize failed, using raw output")
			} else {
				output = normalized
				attempt.DimensionMethod = method
			}
		}

		key := fmt.Sprintf("jobs/%s/%s/attempt-%02d.png", job.ID, stage, attemptIndex)
		savedKey, err := c.store.Save(ctx, key, output)
		if err != nil {
			c.appendAttempt(ctx, attempt)
			return artifact{}, domain.StageResult{
				State:  domain.StageStateFailed,
				Reason: fmt.Sprintf("persist output: %v", err),
			}
		}
		attempt.OutputKey = savedKey
		outputURL := c.store.URLFor(savedKey)

		verdict := c.validator.Validate(ctx,
			validate.Artifact{URL: baseline.url, Data: baseline.data, MIME: baseline.mime},
			validate.Artifact{URL: outputURL, Data: output, MIME: "image/png"},
		)
		attempt.VerdictPass = verdict.Pass
		attempt.VerdictConfidence = verdict.Confidence
		attempt.VerdictProvider = verdict.Provider
		attempt.VerdictReasons = verdict.ReasonStrings()

		blocking := verdict.BlockingReasons()
		if verdict.Pass || len(blocking) == 0 {
			// Warning-only findings do not block; they surface in status.
			attempt.RetryGranted = false
			c.appendAttempt(ctx, attempt)
			return artifact{key: savedKey, url: outputURL, mime: "image/png", data: output},
				domain.StageResult{
					State:     domain.StageStatePassed,
					OutputKey: savedKey,
					OutputURL: outputURL,
					Warnings:  verdict.WarningMessages(),
				}
		}

		d := DecideValidation(verdict, validationFailures, c.retryCfg)
		attempt.RetryGranted = d.ShouldRetry
		attempt.RetryReason = d.Reason
		c.appendAttempt(ctx, attempt)

		if d.ShouldRetry && c.amendmentAllowed(ctx, job.ID) {
			validationFailures++
			sampling = d.Sampling
			strict = false
			c.countRetry(stage, "validation")
			c.logger.Info().
				Str("job_id", job.ID).
				Str("stage", string(stage)).
				Int("tighten_level", d.TightenLevel).
				Msg("pipeline: structural violation, retrying with tightened sampling")
			continue
		}

		return artifact{}, domain.StageResult{
			State:  domain.StageStateFailed,
			Reason: strings.Join(verdict.ReasonStrings(), "; "),
		}
	}
}

// A reservation must never stay open behind a terminal job: transient ledger
// failures retry in place, and a persistent failure keeps the job
// requeueable instead of marking it terminal.
const finalizeAttempts = 3

func (c *Controller) finalizeLedger(ctx context.Context, jobID string, stage12OK, stage2OK bool) error {
	var err error
	for attempt := 1; ; attempt++ {
		if _, err = c.ledger.Finalize(ctx, jobID, stage12OK, stage2OK); err == nil {
			return nil
		}
		if attempt == finalizeAttempts {
			c.logger.Error().Err(err).Str("job_id", jobID).Msg("pipeline: ledger finalize failed, leaving job requeueable")
			return err
		}
		c.logger.Warn().Err(err).Str("job_id", jobID).Int("attempt", attempt).Msg("pipeline: ledger finalize failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
}

// failJob resolves a job that never reached the stage loop: the full
// reservation is released, then the job is marked failed. The status update
// is skipped when the release fails so the job stays requeueable.
func (c *Controller) failJob(ctx context.Context, jobID, reason string) error {
	if err := c.finalizeLedger(ctx, jobID, false, false); err != nil {
		return err
	}
	return c.jobs.UpdateStatus(ctx, jobID, domain.JobStatusFailed, reason)
}

// amendmentAllowed charges one retry against the job's amendment budget and
// reports whether the ledger still permits amendments.
func (c *Controller) amendmentAllowed(ctx context.Context, jobID string) bool {
	locked, err := c.ledger.IncrementRetry(ctx, jobID)
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("pipeline: retry increment failed, allowing retry")
		return true
	}
	if locked {
		c.logger.Warn().Str("job_id", jobID).Msg("pipeline: amendment ceiling reached, no further retries")
	}
	return !locked
}

func (c *Controller) appendAttempt(ctx context.Context, attempt *domain.StageAttempt) {
	if err := c.attempts.Append(ctx, attempt); err != nil {
		c.logger.Error().Err(err).Str("job_id", attempt.JobID).Msg("pipeline: append attempt failed")
	}
}

func (c *Controller) setStageResult(ctx context.Context, job *domain.Job, stage domain.Stage, result domain.StageResult) {
	if job.Results == nil {
		job.Results = map[domain.Stage]domain.StageResult{}
	}
	job.Results[stage] = result
	if err := c.jobs.SetStageResult(ctx, job.ID, stage, result); err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Str("stage", string(stage)).Msg("pipeline: persist stage result failed")
	}
}

func (c *Controller) markStageFailure(stage domain.Stage, stage12OK, stage2OK *bool) {
	switch stage {
	case domain.StageEnhance, domain.StageDeclutter:
		*stage12OK = false
	case domain.StageStaging:
		*stage2OK = false
	}
}

func (c *Controller) countStage(stage domain.Stage, outcome string) {
	if c.metrics != nil {
		c.metrics.StagesResolved.WithLabelValues(string(stage), outcome).Inc()
	}
}

func (c *Controller) countRetry(stage domain.Stage, cause string) {
	if c.metrics != nil {
		c.metrics.StageRetries.WithLabelValues(string(stage), cause).Inc()
	}
}
