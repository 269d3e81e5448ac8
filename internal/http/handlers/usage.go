package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/realenhance/server/internal/domain"
	"github.com/realenhance/server/internal/infra"
	"github.com/realenhance/server/internal/ledger"
	"github.com/realenhance/server/internal/middleware"
	"github.com/realenhance/server/internal/sqlinline"
)

type reservationRow struct {
	JobID            string     `json:"jobId"`
	Status           string     `json:"status"`
	TotalImages      int        `json:"totalImages"`
	FromIncluded     int        `json:"fromIncluded"`
	FromAddon        int        `json:"fromAddon"`
	RetryCount       int        `json:"retryCount"`
	EditCount        int        `json:"editCount"`
	AmendmentsLocked bool       `json:"amendmentsLocked"`
	CreatedAt        time.Time  `json:"createdAt"`
	FinalizedAt      *time.Time `json:"finalizedAt,omitempty"`
}

type usageResponse struct {
	*ledger.UsageSnapshot
	Stage12Used  int              `json:"stage12Used"`
	Stage2Used   int              `json:"stage2Used"`
	Reservations []reservationRow `json:"reservations"`
}

// Usage returns the tenant's current-month quota snapshot, per-stage
// counters and recent reservation history.
func (a *App) Usage(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())

	snap, err := a.Ledger.Snapshot(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "unknown tenant")
			return
		}
		a.Logger.Error().Err(err).Str("tenant_id", tenantID).Msg("usage: snapshot failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read usage")
		return
	}

	resp := usageResponse{UsageSnapshot: snap, Reservations: []reservationRow{}}

	row := a.SQL.QueryRow(r.Context(), sqlinline.QMonthlyStageCounters, tenantID, snap.MonthKey)
	if err := row.Scan(&resp.Stage12Used, &resp.Stage2Used); err != nil && !infra.IsNoRows(err) {
		a.Logger.Error().Err(err).Str("tenant_id", tenantID).Msg("usage: stage counters failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read usage")
		return
	}

	rows, err := a.SQL.Query(r.Context(), sqlinline.QRecentReservations, tenantID, snap.MonthKey, 20)
	if err != nil {
		a.Logger.Error().Err(err).Str("tenant_id", tenantID).Msg("usage: reservations query failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read usage")
		return
	}
	defer rows.Close()
	for rows.Next() {
		var res reservationRow
		if err := rows.Scan(
			&res.JobID, &res.Status, &res.TotalImages,
			&res.FromIncluded, &res.FromAddon,
			&res.RetryCount, &res.EditCount, &res.AmendmentsLocked,
			&res.CreatedAt, &res.FinalizedAt,
		); err != nil {
			a.Logger.Error().Err(err).Str("tenant_id", tenantID).Msg("usage: reservation scan failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to read usage")
			return
		}
		resp.Reservations = append(resp.Reservations, res)
	}
	if err := rows.Err(); err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to read usage")
		return
	}

	a.json(w, http.StatusOK, resp)
}
