package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/realenhance/server/internal/domain"
	"github.com/realenhance/server/internal/ledger"
	"github.com/realenhance/server/internal/middleware"
	"github.com/realenhance/server/internal/queue"
)

type fakeLedger struct {
	reserveErr error
	finalized  []string
	edits      int
	lockAfter  int
}

func (f *fakeLedger) Reserve(ctx context.Context, tenantID, userID, jobID string, stages domain.StageSet) (*ledger.Reservation, error) {
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	split, err := ledger.PlanAllocation(stages, 10, 0)
	if err != nil {
		return nil, err
	}
	return &ledger.Reservation{
		JobID:    jobID,
		TenantID: tenantID,
		Stages:   stages,
		Split:    split,
		Status:   ledger.StatusReserved,
	}, nil
}

func (f *fakeLedger) Finalize(ctx context.Context, jobID string, stage12OK, stage2OK bool) (string, error) {
	f.finalized = append(f.finalized, jobID)
	return ledger.StatusReleased, nil
}

func (f *fakeLedger) IncrementEdit(ctx context.Context, jobID string) (bool, error) {
	f.edits++
	return f.lockAfter > 0 && f.edits >= f.lockAfter, nil
}

func (f *fakeLedger) Snapshot(ctx context.Context, tenantID string) (*ledger.UsageSnapshot, error) {
	return &ledger.UsageSnapshot{TenantID: tenantID, MonthKey: "2026-09", IncludedLimit: 100}, nil
}

type fakeQueue struct {
	messages []queue.Message
	err      error
}

func (f *fakeQueue) Enqueue(ctx context.Context, msg queue.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

type fakeStore struct {
	saved map[string][]byte
}

func (f *fakeStore) Save(ctx context.Context, key string, data []byte) (string, error) {
	if f.saved == nil {
		f.saved = map[string][]byte{}
	}
	f.saved[key] = data
	return key, nil
}

func (f *fakeStore) URLFor(key string) string { return "http://static.test/" + key }

type fakeJobRepo struct {
	jobs map[string]*domain.Job
}

func newFakeJobRepo() *fakeJobRepo { return &fakeJobRepo{jobs: map[string]*domain.Job{}} }

func (f *fakeJobRepo) Create(ctx context.Context, job *domain.Job) error {
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobRepo) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobRepo) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) error {
	f.jobs[jobID].Status = status
	return nil
}

func (f *fakeJobRepo) SetCurrentStage(ctx context.Context, jobID string, stage domain.Stage) error {
	return nil
}

func (f *fakeJobRepo) SetStageResult(ctx context.Context, jobID string, stage domain.Stage, result domain.StageResult) error {
	return nil
}

func (f *fakeJobRepo) ResetForRerun(ctx context.Context, jobID string) error {
	job, ok := f.jobs[jobID]
	if !ok || (job.Status != domain.JobStatusCompleted && job.Status != domain.JobStatusFailed) {
		return domain.ErrNotFound
	}
	job.Status = domain.JobStatusPending
	job.CancelRequested = false
	job.Results = nil
	job.ErrorMessage = ""
	job.CurrentStage = ""
	return nil
}

func (f *fakeJobRepo) RequestCancel(ctx context.Context, jobID string) error {
	job, ok := f.jobs[jobID]
	if !ok || job.Status == domain.JobStatusCompleted || job.Status == domain.JobStatusFailed {
		return domain.ErrNotFound
	}
	job.CancelRequested = true
	return nil
}

func (f *fakeJobRepo) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	return f.jobs[jobID].CancelRequested, nil
}

type fakeAttemptRepo struct {
	attempts []domain.StageAttempt
}

func (f *fakeAttemptRepo) Append(ctx context.Context, attempt *domain.StageAttempt) error {
	f.attempts = append(f.attempts, *attempt)
	return nil
}

func (f *fakeAttemptRepo) ListByJob(ctx context.Context, jobID string) ([]domain.StageAttempt, error) {
	return f.attempts, nil
}

func (f *fakeAttemptRepo) CountForStage(ctx context.Context, jobID string, stage domain.Stage) (int, error) {
	return len(f.attempts), nil
}

type testEnv struct {
	app    *App
	led    *fakeLedger
	q      *fakeQueue
	jobs   *fakeJobRepo
	store  *fakeStore
	server http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		led:   &fakeLedger{},
		q:     &fakeQueue{},
		jobs:  newFakeJobRepo(),
		store: &fakeStore{},
	}
	env.app = &App{
		Logger:   zerolog.Nop(),
		Jobs:     env.jobs,
		Attempts: &fakeAttemptRepo{},
		Ledger:   env.led,
		Queue:    env.q,
		Store:    env.store,
	}

	r := chi.NewRouter()
	r.Get("/v1/healthz", env.app.Health)
	r.Group(func(r chi.Router) {
		r.Use(middleware.TenantContext)
		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", env.app.JobsCreate)
			r.Get("/{job_id}", env.app.JobStatus)
			r.Get("/{job_id}/attempts", env.app.JobAttempts)
			r.Post("/{job_id}/cancel", env.app.JobCancel)
			r.Post("/{job_id}/edits", env.app.JobEdit)
		})
		r.Get("/v1/usage", env.app.Usage)
	})
	env.server = r
	return env
}

func createJobBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"stages":      map[string]bool{"enhance": true, "staging": true},
		"imageBase64": base64.StdEncoding.EncodeToString([]byte("fake-png-bytes")),
		"mime":        "image/png",
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func TestJobsCreateAccepted(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/", bytes.NewReader(createJobBody(t)))
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp jobCreateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == "" || resp.ReservedImages != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(env.q.messages) != 1 || env.q.messages[0].JobID != resp.JobID {
		t.Fatalf("job not enqueued: %+v", env.q.messages)
	}
	if _, ok := env.jobs.jobs[resp.JobID]; !ok {
		t.Fatalf("job not persisted")
	}
}

func TestJobsCreateQuotaExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.led.reserveErr = domain.ErrQuotaExceeded

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/", bytes.NewReader(createJobBody(t)))
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("quota_exceeded")) {
		t.Fatalf("body %s missing quota_exceeded", rec.Body.String())
	}
	if len(env.q.messages) != 0 {
		t.Fatal("rejected job must not be enqueued")
	}
	if len(env.store.saved) != 0 {
		t.Fatalf("rejected job must not leave artifacts: %v", env.store.saved)
	}
}

func TestJobsCreateRequiresStages(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(map[string]any{
		"stages":      map[string]bool{},
		"imageBase64": base64.StdEncoding.EncodeToString([]byte("x")),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/", bytes.NewReader(body))
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestJobsCreateRequiresTenant(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/", bytes.NewReader(createJobBody(t)))
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}

func TestJobStatusHidesOtherTenants(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.jobs["job-1"] = &domain.Job{
		ID:       "job-1",
		TenantID: "tenant-1",
		Status:   domain.JobStatusProcessing,
		Stages:   domain.StageSet{Enhance: true},
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil)
	req.Header.Set("X-Tenant-ID", "tenant-2")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant read got %d, want 404", rec.Code)
	}
}

func TestJobStatusExposesWarningsAndResults(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.jobs["job-1"] = &domain.Job{
		ID:       "job-1",
		TenantID: "tenant-1",
		Status:   domain.JobStatusCompleted,
		Stages:   domain.StageSet{Enhance: true},
		Results: map[domain.Stage]domain.StageResult{
			domain.StageEnhance: {
				State:     domain.StageStatePassed,
				OutputURL: "http://static.test/jobs/job-1/enhance/attempt-01.png",
				Warnings:  []string{"shadows brightened"},
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil)
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp jobStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	enhance, ok := resp.Stages["enhance"]
	if !ok {
		t.Fatalf("enhance stage missing: %+v", resp)
	}
	if enhance.State != "passed" || len(enhance.Warnings) != 1 || enhance.OutputURL == "" {
		t.Fatalf("unexpected stage payload: %+v", enhance)
	}
}

func TestJobCancel(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.jobs["job-1"] = &domain.Job{
		ID:       "job-1",
		TenantID: "tenant-1",
		Status:   domain.JobStatusProcessing,
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/cancel", nil)
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if !env.jobs.jobs["job-1"].CancelRequested {
		t.Fatal("cancel flag not set")
	}

	// A terminal job cannot be cancelled.
	env.jobs.jobs["job-1"].Status = domain.JobStatusCompleted
	env.jobs.jobs["job-1"].CancelRequested = false
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/cancel", nil))
	if rec.Code != http.StatusUnauthorized {
		// Without a tenant header the middleware rejects first.
		t.Fatalf("status %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/cancel", nil)
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("terminal cancel got %d, want 409", rec.Code)
	}
}

func TestJobEditRequeuesFinishedJob(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.jobs["job-1"] = &domain.Job{
		ID:       "job-1",
		TenantID: "tenant-1",
		Status:   domain.JobStatusCompleted,
		Stages:   domain.StageSet{Staging: true},
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/edits", nil)
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if env.jobs.jobs["job-1"].Status != domain.JobStatusPending {
		t.Fatalf("job status %s, want pending", env.jobs.jobs["job-1"].Status)
	}
	if len(env.q.messages) != 1 || env.q.messages[0].JobID != "job-1" {
		t.Fatalf("edit not enqueued: %+v", env.q.messages)
	}
	if env.led.edits != 1 {
		t.Fatalf("edit count %d, want 1", env.led.edits)
	}
}

func TestJobEditClearsStaleCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.jobs["job-1"] = &domain.Job{
		ID:              "job-1",
		TenantID:        "tenant-1",
		Status:          domain.JobStatusFailed,
		Stages:          domain.StageSet{Enhance: true},
		CancelRequested: true,
		ErrorMessage:    "cancelled",
		Results: map[domain.Stage]domain.StageResult{
			domain.StageEnhance: {State: domain.StageStateSkipped},
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/edits", nil)
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	job := env.jobs.jobs["job-1"]
	if job.CancelRequested {
		t.Fatal("stale cancellation flag survived the edit; rerun would skip every stage")
	}
	if len(job.Results) != 0 {
		t.Fatalf("stale results survived the edit: %+v", job.Results)
	}
	if job.Status != domain.JobStatusPending || job.ErrorMessage != "" {
		t.Fatalf("job not reset for rerun: %s %q", job.Status, job.ErrorMessage)
	}
}

func TestJobStatusReportsPendingStages(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.jobs["job-1"] = &domain.Job{
		ID:       "job-1",
		TenantID: "tenant-1",
		Status:   domain.JobStatusProcessing,
		Stages:   domain.StageSet{Enhance: true, Staging: true},
		Results: map[domain.Stage]domain.StageResult{
			domain.StageEnhance: {State: domain.StageStatePassed, OutputURL: "http://static.test/out.png"},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil)
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp jobStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := resp.Stages["staging"].State; got != "pending" {
		t.Fatalf("unresolved requested stage reported %q, want pending", got)
	}
	if got := resp.Stages["declutter"].State; got != "not_requested" {
		t.Fatalf("unrequested stage reported %q, want not_requested", got)
	}
	if got := resp.Stages["enhance"].State; got != "passed" {
		t.Fatalf("resolved stage reported %q, want passed", got)
	}
}

func TestJobEditRejectedWhenInProgress(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.jobs["job-1"] = &domain.Job{
		ID:       "job-1",
		TenantID: "tenant-1",
		Status:   domain.JobStatusProcessing,
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/edits", nil)
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}
	if env.led.edits != 0 {
		t.Fatal("in-progress edit must not touch the amendment budget")
	}
}

func TestJobEditLockedAtCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.led.lockAfter = 1
	env.jobs.jobs["job-1"] = &domain.Job{
		ID:       "job-1",
		TenantID: "tenant-1",
		Status:   domain.JobStatusFailed,
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/edits", nil)
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("amendments_locked")) {
		t.Fatalf("body %s missing amendments_locked", rec.Body.String())
	}
	if len(env.q.messages) != 0 {
		t.Fatal("locked edit must not be enqueued")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}
