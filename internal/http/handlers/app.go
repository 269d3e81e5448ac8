// Package handlers implements the HTTP API surface.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/realenhance/server/internal/domain"
	"github.com/realenhance/server/internal/infra"
	"github.com/realenhance/server/internal/ledger"
	"github.com/realenhance/server/internal/queue"
)

// LedgerService is the quota surface the API consumes.
type LedgerService interface {
	Reserve(ctx context.Context, tenantID, userID, jobID string, stages domain.StageSet) (*ledger.Reservation, error)
	Finalize(ctx context.Context, jobID string, stage12OK, stage2OK bool) (string, error)
	IncrementEdit(ctx context.Context, jobID string) (bool, error)
	Snapshot(ctx context.Context, tenantID string) (*ledger.UsageSnapshot, error)
}

// Enqueuer hands accepted jobs to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

// ArtifactStore is the subset of storage the API needs: persisting uploads
// and resolving public URLs for stage outputs.
type ArtifactStore interface {
	Save(ctx context.Context, key string, data []byte) (string, error)
	URLFor(key string) string
}

// App carries the handler dependencies.
type App struct {
	Cfg      *infra.Config
	Logger   infra.Logger
	Jobs     domain.JobRepository
	Attempts domain.AttemptRepository
	Ledger   LedgerService
	Queue    Enqueuer
	Status   *queue.StatusCache
	Store    ArtifactStore
	SQL      infra.SQLExecutor
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]string{"error": code, "message": message})
}
