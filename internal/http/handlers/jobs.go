package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/realenhance/server/internal/domain"
	"github.com/realenhance/server/internal/middleware"
	"github.com/realenhance/server/internal/queue"
)

type jobCreateRequest struct {
	Stages struct {
		Enhance   bool `json:"enhance"`
		Declutter bool `json:"declutter"`
		Staging   bool `json:"staging"`
	} `json:"stages"`
	ImageBase64 string `json:"imageBase64"`
	MIME        string `json:"mime"`
}

type jobCreateResponse struct {
	JobID          string `json:"jobId"`
	Status         string `json:"status"`
	ReservedImages int    `json:"reservedImages"`
	FromIncluded   int    `json:"fromIncluded"`
	FromAddon      int    `json:"fromAddon"`
}

// JobsCreate accepts a photo and a stage set, reserves quota, persists the
// job and hands it to the worker pool. Quota rejection is reported before any
// generation work happens.
func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())
	userID := middleware.UserFromContext(r.Context())

	var req jobCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	stages := domain.StageSet{
		Enhance:   req.Stages.Enhance,
		Declutter: req.Stages.Declutter,
		Staging:   req.Stages.Staging,
	}
	if stages.BillableImages() == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "at least one stage is required")
		return
	}
	imageData, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil || len(imageData) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "imageBase64 is required")
		return
	}
	mime := req.MIME
	if mime == "" {
		mime = "image/png"
	}

	jobID := uuid.NewString()

	// Quota settles before anything is persisted: a rejected request must
	// leave no artifacts behind.
	reservation, err := a.Ledger.Reserve(r.Context(), tenantID, userID, jobID, stages)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrQuotaExceeded):
			a.error(w, http.StatusForbidden, "quota_exceeded", "monthly image quota exceeded")
		case errors.Is(err, domain.ErrNotFound):
			a.error(w, http.StatusNotFound, "not_found", "unknown tenant")
		default:
			a.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: reserve failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to reserve quota")
		}
		return
	}

	sourceKey, err := a.Store.Save(r.Context(), fmt.Sprintf("uploads/%s/source.png", jobID), imageData)
	if err != nil {
		if _, ferr := a.Ledger.Finalize(r.Context(), jobID, false, false); ferr != nil {
			a.Logger.Error().Err(ferr).Str("job_id", jobID).Msg("jobs: release after store failure failed")
		}
		a.Logger.Error().Err(err).Msg("jobs: persist upload failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to store image")
		return
	}

	job := &domain.Job{
		ID:         jobID,
		TenantID:   tenantID,
		UserID:     userID,
		Stages:     stages,
		Status:     domain.JobStatusPending,
		SourceKey:  sourceKey,
		SourceMIME: mime,
	}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		// Roll the reservation back so the tenant is not charged for a job
		// that never existed.
		if _, ferr := a.Ledger.Finalize(r.Context(), jobID, false, false); ferr != nil {
			a.Logger.Error().Err(ferr).Str("job_id", jobID).Msg("jobs: release after create failure failed")
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: create failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}

	if err := a.Queue.Enqueue(r.Context(), queue.Message{JobID: jobID, TenantID: tenantID}); err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: enqueue failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
		return
	}

	split := reservation.Split
	a.json(w, http.StatusAccepted, jobCreateResponse{
		JobID:          jobID,
		Status:         string(domain.JobStatusPending),
		ReservedImages: split.Total(),
		FromIncluded:   split.Stage12.Included + split.Stage2.Included,
		FromAddon:      split.Stage12.Addon + split.Stage2.Addon,
	})
}

type stageStatusResponse struct {
	State     string   `json:"state"`
	OutputURL string   `json:"outputUrl,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

type jobStatusResponse struct {
	JobID        string                         `json:"jobId"`
	Status       string                         `json:"status"`
	CurrentStage string                         `json:"currentStage,omitempty"`
	Stages       map[string]stageStatusResponse `json:"stages"`
	Error        string                         `json:"error,omitempty"`
	CreatedAt    time.Time                      `json:"createdAt"`
	UpdatedAt    time.Time                      `json:"updatedAt"`
}

// JobStatus returns a job's lifecycle state with per-stage results. Hot polls
// are served from the Redis cache when possible.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}

	if a.Status != nil {
		if cached, ok, err := a.Status.Get(r.Context(), jobID); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil || job.TenantID != tenantID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	resp := jobStatusResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		CurrentStage: string(job.CurrentStage),
		Stages:       map[string]stageStatusResponse{},
		Error:        job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	for _, stage := range domain.StageOrder {
		if !job.Stages.Has(stage) {
			resp.Stages[string(stage)] = stageStatusResponse{State: string(domain.StageStateNotRequested)}
			continue
		}
		res, ok := job.Results[stage]
		if !ok {
			// Requested but not yet resolved by the worker.
			resp.Stages[string(stage)] = stageStatusResponse{State: string(domain.StageStatePending)}
			continue
		}
		resp.Stages[string(stage)] = stageStatusResponse{
			State:     string(res.State),
			OutputURL: res.OutputURL,
			Warnings:  res.Warnings,
			Reason:    res.Reason,
		}
	}

	if a.Status != nil {
		if payload, err := json.Marshal(resp); err == nil {
			if err := a.Status.Set(r.Context(), jobID, payload); err != nil {
				a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("jobs: status cache write failed")
			}
		}
	}
	a.json(w, http.StatusOK, resp)
}

// JobCancel requests cancellation. The worker honors the flag between
// stages; stages already running finish first.
func (a *App) JobCancel(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}

	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil || job.TenantID != tenantID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err := a.Jobs.RequestCancel(r.Context(), jobID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusConflict, "conflict", "job already finished")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: cancel failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}
	if a.Status != nil {
		_ = a.Status.Invalidate(r.Context(), jobID)
	}
	a.json(w, http.StatusAccepted, map[string]string{"jobId": jobID, "status": "cancel_requested"})
}

// JobEdit re-queues a finished job for another pass. Edits draw on the same
// amendment budget as automatic retries; once the ceiling is reached the job
// is locked and no further amendments are accepted.
func (a *App) JobEdit(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}

	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil || job.TenantID != tenantID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if job.Status != domain.JobStatusCompleted && job.Status != domain.JobStatusFailed {
		a.error(w, http.StatusConflict, "conflict", "job is still in progress")
		return
	}

	locked, err := a.Ledger.IncrementEdit(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "no reservation for job")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: edit increment failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to record edit")
		return
	}
	if locked {
		a.error(w, http.StatusConflict, "amendments_locked", domain.ErrAmendmentsLocked.Error())
		return
	}

	if err := a.Jobs.ResetForRerun(r.Context(), jobID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusConflict, "conflict", "job is still in progress")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: reset for edit failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to requeue job")
		return
	}
	if err := a.Queue.Enqueue(r.Context(), queue.Message{JobID: jobID, TenantID: tenantID}); err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: edit enqueue failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
		return
	}
	if a.Status != nil {
		_ = a.Status.Invalidate(r.Context(), jobID)
	}
	a.json(w, http.StatusAccepted, map[string]string{"jobId": jobID, "status": "requeued"})
}

type attemptResponse struct {
	Stage             string    `json:"stage"`
	Index             int       `json:"index"`
	Temperature       float64   `json:"temperature"`
	TopP              float64   `json:"topP"`
	TopK              int       `json:"topK"`
	StrictDimension   bool      `json:"strictDimension"`
	DimensionOK       bool      `json:"dimensionOk"`
	DimensionMethod   string    `json:"dimensionMethod,omitempty"`
	VerdictPass       bool      `json:"verdictPass"`
	VerdictConfidence float64   `json:"verdictConfidence"`
	VerdictProvider   string    `json:"verdictProvider,omitempty"`
	VerdictReasons    []string  `json:"verdictReasons,omitempty"`
	RetryGranted      bool      `json:"retryGranted"`
	RetryReason       string    `json:"retryReason,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// JobAttempts exposes the append-only attempt log for one job.
func (a *App) JobAttempts(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())
	jobID := chi.URLParam(r, "job_id")

	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil || job.TenantID != tenantID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	attempts, err := a.Attempts.ListByJob(r.Context(), jobID)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("jobs: list attempts failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list attempts")
		return
	}

	out := make([]attemptResponse, 0, len(attempts))
	for _, at := range attempts {
		out = append(out, attemptResponse{
			Stage:             string(at.Stage),
			Index:             at.Index,
			Temperature:       at.Temperature,
			TopP:              at.TopP,
			TopK:              at.TopK,
			StrictDimension:   at.StrictDimension,
			DimensionOK:       at.DimensionOK,
			DimensionMethod:   at.DimensionMethod,
			VerdictPass:       at.VerdictPass,
			VerdictConfidence: at.VerdictConfidence,
			VerdictProvider:   at.VerdictProvider,
			VerdictReasons:    at.VerdictReasons,
			RetryGranted:      at.RetryGranted,
			RetryReason:       at.RetryReason,
			CreatedAt:         at.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"jobId": jobID, "attempts": out})
}
