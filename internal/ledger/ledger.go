package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/realenhance/server/internal/domain"
	"github.com/realenhance/server/internal/infra"
)

// Reservation is one ledger row: quota debited for a job before processing.
type Reservation struct {
	JobID            string
	TenantID         string
	UserID           string
	MonthKey         string
	Stages           domain.StageSet
	Split            Split
	Status           string
	RetryCount       int
	EditCount        int
	AmendmentsLocked bool
	CreatedAt        time.Time
	FinalizedAt      *time.Time
}

// UsageSnapshot is a tenant's current-month quota position.
type UsageSnapshot struct {
	TenantID      string `json:"tenantId"`
	MonthKey      string `json:"monthKey"`
	IncludedLimit int    `json:"includedLimit"`
	IncludedUsed  int    `json:"includedUsed"`
	AddonUsed     int    `json:"addonUsed"`
	AddonBalance  int    `json:"addonBalance"`
	Remaining     int    `json:"remaining"`
}

// Ledger implements quota accounting over PostgreSQL. All read-then-write
// sequences against account and monthly-usage rows run inside serializable
// transactions with row locks, so concurrent jobs for one tenant cannot
// over-commit.
type Ledger struct {
	pool             *pgxpool.Pool
	amendmentCeiling int
	logger           infra.Logger
	metrics          *infra.Metrics
	now              func() time.Time
}

// NewLedger creates a Ledger. metrics may be nil in tests.
func NewLedger(pool *pgxpool.Pool, amendmentCeiling int, logger infra.Logger, metrics *infra.Metrics) *Ledger {
	return &Ledger{
		pool:             pool,
		amendmentCeiling: amendmentCeiling,
		logger:           logger,
		metrics:          metrics,
		now:              time.Now,
	}
}

// Serializable transactions abort with SQLSTATE 40001 when concurrent
// same-tenant traffic conflicts. Those aborts are safe to rerun, so they
// retry in place instead of surfacing to callers.
const txAttempts = 4

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// Reserve debits the tenant's account for the job's billable images inside a
// single serializable transaction. The monthly usage row is created lazily on
// first reservation of the month. Returns domain.ErrQuotaExceeded with no
// state mutated when the remaining balance cannot cover the request.
func (l *Ledger) Reserve(ctx context.Context, tenantID, userID, jobID string, stages domain.StageSet) (*Reservation, error) {
	for attempt := 1; ; attempt++ {
		res, err := l.reserveOnce(ctx, tenantID, userID, jobID, stages)
		if err == nil || !isSerializationFailure(err) || attempt == txAttempts {
			return res, err
		}
		l.logger.Debug().Str("job_id", jobID).Int("attempt", attempt).Msg("ledger: reserve serialization conflict, retrying")
	}
}

func (l *Ledger) reserveOnce(ctx context.Context, tenantID, userID, jobID string, stages domain.StageSet) (*Reservation, error) {
	month := MonthKey(l.now())

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var includedLimit, addonBalance int
	err = tx.QueryRow(ctx, `
SELECT included_limit, addon_balance
FROM tenant_accounts
WHERE tenant_id = $1
FOR UPDATE;
`, tenantID).Scan(&includedLimit, &addonBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("lock tenant account: %w", err)
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO monthly_usage (tenant_id, month_key)
VALUES ($1, $2)
ON CONFLICT (tenant_id, month_key) DO NOTHING;
`, tenantID, month); err != nil {
		return nil, fmt.Errorf("ensure monthly usage row: %w", err)
	}

	var includedUsed, addonUsed int
	err = tx.QueryRow(ctx, `
SELECT included_used, addon_used
FROM monthly_usage
WHERE tenant_id = $1 AND month_key = $2
FOR UPDATE;
`, tenantID, month).Scan(&includedUsed, &addonUsed)
	if err != nil {
		return nil, fmt.Errorf("lock monthly usage: %w", err)
	}

	split, err := PlanAllocation(stages, includedLimit-includedUsed, addonBalance)
	if err != nil {
		if l.metrics != nil {
			l.metrics.QuotaRejections.Inc()
		}
		l.logger.Warn().
			Str("tenant_id", tenantID).
			Str("job_id", jobID).
			Int("required", stages.BillableImages()).
			Int("remaining", includedLimit-includedUsed+addonBalance).
			Msg("ledger: quota exceeded")
		return nil, err
	}

	incTotal := split.Stage12.Included + split.Stage2.Included
	addonTotal := split.Stage12.Addon + split.Stage2.Addon

	if _, err := tx.Exec(ctx, `
UPDATE monthly_usage
SET included_used = included_used + $3,
    addon_used = addon_used + $4,
    stage12_used = stage12_used + $5,
    stage2_used = stage2_used + $6,
    updated_at = NOW()
WHERE tenant_id = $1 AND month_key = $2;
`, tenantID, month, incTotal, addonTotal, split.Stage12.Total(), split.Stage2.Total()); err != nil {
		return nil, fmt.Errorf("debit monthly usage: %w", err)
	}

	if addonTotal > 0 {
		if _, err := tx.Exec(ctx, `
UPDATE tenant_accounts
SET addon_balance = addon_balance - $2, updated_at = NOW()
WHERE tenant_id = $1;
`, tenantID, addonTotal); err != nil {
			return nil, fmt.Errorf("debit addon balance: %w", err)
		}
	}

	res := &Reservation{
		JobID:    jobID,
		TenantID: tenantID,
		UserID:   userID,
		MonthKey: month,
		Stages:   stages,
		Split:    split,
		Status:   StatusReserved,
	}
	err = tx.QueryRow(ctx, `
INSERT INTO usage_reservations (
  job_id, tenant_id, user_id, month_key,
  stage12_requested, stage2_requested, total_images,
  stage12_included, stage12_addon, stage2_included, stage2_addon,
  status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING created_at;
`,
		jobID, tenantID, userID, month,
		stages.Enhance || stages.Declutter, stages.Staging, split.Total(),
		split.Stage12.Included, split.Stage12.Addon, split.Stage2.Included, split.Stage2.Addon,
		StatusReserved,
	).Scan(&res.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve tx: %w", err)
	}

	l.logger.Info().
		Str("tenant_id", tenantID).
		Str("job_id", jobID).
		Int("reserved", split.Total()).
		Int("from_included", incTotal).
		Int("from_addon", addonTotal).
		Msg("ledger: reservation created")
	return res, nil
}

// Finalize resolves a reservation: successful bundles are consumed, failed or
// un-run bundles are refunded exactly as recorded at reserve time. Idempotent
// per job id; a reservation already in a terminal status is left untouched
// and its status returned.
func (l *Ledger) Finalize(ctx context.Context, jobID string, stage12OK, stage2OK bool) (string, error) {
	for attempt := 1; ; attempt++ {
		status, err := l.finalizeOnce(ctx, jobID, stage12OK, stage2OK)
		if err == nil || !isSerializationFailure(err) || attempt == txAttempts {
			return status, err
		}
		l.logger.Debug().Str("job_id", jobID).Int("attempt", attempt).Msg("ledger: finalize serialization conflict, retrying")
	}
}

func (l *Ledger) finalizeOnce(ctx context.Context, jobID string, stage12OK, stage2OK bool) (string, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return "", fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		tenantID, month, status string
		split                   Split
	)
	err = tx.QueryRow(ctx, `
SELECT tenant_id, month_key, status,
       stage12_included, stage12_addon, stage2_included, stage2_addon
FROM usage_reservations
WHERE job_id = $1
FOR UPDATE;
`, jobID).Scan(&tenantID, &month, &status,
		&split.Stage12.Included, &split.Stage12.Addon, &split.Stage2.Included, &split.Stage2.Addon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("lock reservation: %w", err)
	}

	if status != StatusReserved {
		// Forward-only transitions: a second finalize is a no-op.
		return status, tx.Commit(ctx)
	}

	next := ResolveStatus(split, stage12OK, stage2OK)
	refund := RefundFor(split, stage12OK, stage2OK)

	refundStage12 := 0
	if split.Stage12.Total() > 0 && !stage12OK {
		refundStage12 = split.Stage12.Total()
	}
	refundStage2 := 0
	if split.Stage2.Total() > 0 && !stage2OK {
		refundStage2 = split.Stage2.Total()
	}

	if refund.Total() > 0 {
		if _, err := tx.Exec(ctx, `
UPDATE monthly_usage
SET included_used = included_used - $3,
    addon_used = addon_used - $4,
    stage12_used = stage12_used - $5,
    stage2_used = stage2_used - $6,
    updated_at = NOW()
WHERE tenant_id = $1 AND month_key = $2;
`, tenantID, month, refund.Included, refund.Addon, refundStage12, refundStage2); err != nil {
			return "", fmt.Errorf("refund monthly usage: %w", err)
		}
		if refund.Addon > 0 {
			if _, err := tx.Exec(ctx, `
UPDATE tenant_accounts
SET addon_balance = addon_balance + $2, updated_at = NOW()
WHERE tenant_id = $1;
`, tenantID, refund.Addon); err != nil {
				return "", fmt.Errorf("restore addon balance: %w", err)
			}
		}
	}

	if _, err := tx.Exec(ctx, `
UPDATE usage_reservations
SET status = $2, finalized_at = NOW()
WHERE job_id = $1;
`, jobID, next); err != nil {
		return "", fmt.Errorf("update reservation status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit finalize tx: %w", err)
	}

	l.logger.Info().
		Str("job_id", jobID).
		Str("status", next).
		Int("refunded", refund.Total()).
		Msg("ledger: reservation finalized")
	return next, nil
}

// IncrementRetry charges one retry against the job's amendment budget and
// reports whether the amendments-locked flag is now set. The lock is a
// fairness guard independent of quota: one job cannot monopolize provider
// calls with unbounded retries.
func (l *Ledger) IncrementRetry(ctx context.Context, jobID string) (bool, error) {
	return l.incrementAmendment(ctx, jobID, "retry_count")
}

// IncrementEdit charges one user-requested edit against the amendment budget.
func (l *Ledger) IncrementEdit(ctx context.Context, jobID string) (bool, error) {
	return l.incrementAmendment(ctx, jobID, "edit_count")
}

func (l *Ledger) incrementAmendment(ctx context.Context, jobID, column string) (bool, error) {
	// column is one of two compile-time constants, never user input.
	query := fmt.Sprintf(`
UPDATE usage_reservations
SET %s = %s + 1,
    amendments_locked = amendments_locked OR (retry_count + edit_count + 1 >= $2)
WHERE job_id = $1
RETURNING amendments_locked;
`, column, column)

	var locked bool
	if err := l.pool.QueryRow(ctx, query, jobID, l.amendmentCeiling).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrNotFound
		}
		return false, fmt.Errorf("increment %s: %w", column, err)
	}
	return locked, nil
}

// Snapshot returns the tenant's current-month quota position. A missing
// monthly usage row reads as zero consumption.
func (l *Ledger) Snapshot(ctx context.Context, tenantID string) (*UsageSnapshot, error) {
	month := MonthKey(l.now())

	snap := &UsageSnapshot{TenantID: tenantID, MonthKey: month}
	err := l.pool.QueryRow(ctx, `
SELECT a.included_limit, a.addon_balance,
       COALESCE(u.included_used, 0), COALESCE(u.addon_used, 0)
FROM tenant_accounts a
LEFT JOIN monthly_usage u
  ON u.tenant_id = a.tenant_id AND u.month_key = $2
WHERE a.tenant_id = $1;
`, tenantID, month).Scan(&snap.IncludedLimit, &snap.AddonBalance, &snap.IncludedUsed, &snap.AddonUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("read usage snapshot: %w", err)
	}

	snap.Remaining = snap.IncludedLimit - snap.IncludedUsed + snap.AddonBalance
	if snap.Remaining < 0 {
		snap.Remaining = 0
	}
	return snap, nil
}
