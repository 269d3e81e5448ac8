package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/realenhance/server/internal/domain"
	"github.com/realenhance/server/internal/infra"
)

func TestIsSerializationFailure(t *testing.T) {
	conflict := fmt.Errorf("commit reserve tx: %w", &pgconn.PgError{Code: "40001"})
	if !isSerializationFailure(conflict) {
		t.Fatal("wrapped 40001 must be retryable")
	}
	deadlock := &pgconn.PgError{Code: "40P01"}
	if !isSerializationFailure(deadlock) {
		t.Fatal("deadlock must be retryable")
	}
	if isSerializationFailure(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("constraint violation must not be retried")
	}
	if isSerializationFailure(fmt.Errorf("connection refused")) {
		t.Fatal("plain error must not be retried")
	}
}

func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "db", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a
// pool cleaned up with the test.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("realenhance_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, infra.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func seedTenant(t *testing.T, pool *pgxpool.Pool, tenantID string, includedLimit, addonBalance int) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
INSERT INTO tenant_accounts (tenant_id, included_limit, addon_balance)
VALUES ($1, $2, $3);
`, tenantID, includedLimit, addonBalance)
	require.NoError(t, err)
}

func monthlyCounters(t *testing.T, pool *pgxpool.Pool, tenantID, month string) (included, addon int) {
	t.Helper()
	err := pool.QueryRow(context.Background(), `
SELECT included_used, addon_used FROM monthly_usage
WHERE tenant_id = $1 AND month_key = $2;
`, tenantID, month).Scan(&included, &addon)
	require.NoError(t, err)
	return included, addon
}

func TestLedgerFinalizeIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	ctx := context.Background()
	seedTenant(t, pool, "tenant-1", 1, 1)

	led := NewLedger(pool, 3, zerolog.Nop(), nil)

	res, err := led.Reserve(ctx, "tenant-1", "user-1", "job-1", domain.StageSet{Enhance: true, Staging: true})
	require.NoError(t, err)
	// One included unit, spill to addon for the second.
	assert.Equal(t, Allocation{Included: 1}, res.Split.Stage12)
	assert.Equal(t, Allocation{Addon: 1}, res.Split.Stage2)

	status, err := led.Finalize(ctx, "job-1", true, false)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyReleased, status)

	included, addon := monthlyCounters(t, pool, "tenant-1", res.MonthKey)
	assert.Equal(t, 1, included, "consumed bundle stays debited")
	assert.Equal(t, 0, addon, "failed bundle refunded")

	var addonBalance int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT addon_balance FROM tenant_accounts WHERE tenant_id = 'tenant-1'`).Scan(&addonBalance))
	assert.Equal(t, 1, addonBalance, "addon unit restored")

	// A second finalize, even with different flags, is a no-op.
	status, err = led.Finalize(ctx, "job-1", false, false)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyReleased, status)

	included, addon = monthlyCounters(t, pool, "tenant-1", res.MonthKey)
	assert.Equal(t, 1, included, "double finalize must not refund twice")
	assert.Equal(t, 0, addon)
}

func TestLedgerQuotaExceededLeavesNoTrace(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	ctx := context.Background()
	seedTenant(t, pool, "tenant-1", 1, 0)

	led := NewLedger(pool, 3, zerolog.Nop(), nil)

	_, err := led.Reserve(ctx, "tenant-1", "user-1", "job-1", domain.StageSet{Enhance: true, Staging: true})
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)

	var reservations int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM usage_reservations WHERE tenant_id = 'tenant-1'`).Scan(&reservations))
	assert.Zero(t, reservations, "rejected reserve must not persist a reservation")

	var included int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(included_used), 0) FROM monthly_usage WHERE tenant_id = 'tenant-1'`).Scan(&included))
	assert.Zero(t, included, "rejected reserve must not debit usage")
}

func TestLedgerConcurrentReservesNeverOvercommit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	ctx := context.Background()
	seedTenant(t, pool, "tenant-1", 3, 0)

	led := NewLedger(pool, 3, zerolog.Nop(), nil)

	const workers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := led.Reserve(ctx, "tenant-1", "user-1", fmt.Sprintf("job-%d", n), domain.StageSet{Enhance: true})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.LessOrEqual(t, succeeded, 3, "more reservations than the limit allows")

	var included int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT included_used FROM monthly_usage WHERE tenant_id = 'tenant-1'`).Scan(&included))
	assert.Equal(t, succeeded, included, "debited units must match successful reservations exactly")
}
