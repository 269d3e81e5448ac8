package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/realenhance/server/internal/adapter/repo"
	"github.com/realenhance/server/internal/dimension"
	"github.com/realenhance/server/internal/generate"
	"github.com/realenhance/server/internal/infra"
	"github.com/realenhance/server/internal/ledger"
	"github.com/realenhance/server/internal/pipeline"
	"github.com/realenhance/server/internal/queue"
	"github.com/realenhance/server/internal/sqlinline"
	"github.com/realenhance/server/internal/storage"
	"github.com/realenhance/server/internal/validate"
)

const (
	dequeueTimeout = 5 * time.Second

	// Jobs stuck in processing this long are assumed orphaned by a dead
	// worker and returned to the queue.
	staleJobAge     = 15 * time.Minute
	janitorInterval = 5 * time.Minute
	janitorBatch    = 20
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	redisClient, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	defer redisClient.Close()

	store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: storage setup failed")
	}

	registry := prometheus.NewRegistry()
	metrics := infra.NewMetrics(registry)

	httpClient := &http.Client{Timeout: 90 * time.Second}

	gen := generate.NewGeminiGenerator(generate.GeminiOptions{
		BaseURL:    cfg.GeminiBaseURL,
		APIKey:     cfg.GeminiAPIKey,
		Model:      cfg.GeminiModel,
		HTTPClient: httpClient,
	})

	validator := buildValidator(cfg, httpClient, logger, metrics)

	retryCfg := pipeline.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.MaxStageAttempts
	retryCfg.DecayFactor = cfg.SamplingDecay

	controller := pipeline.NewController(
		gen,
		dimension.NewGuard(cfg.DimensionTolerancePct),
		validator,
		store,
		repo.NewJobRepository(pool),
		repo.NewAttemptRepository(pool),
		ledger.NewLedger(pool, cfg.AmendmentCeiling, logger, metrics),
		retryCfg,
		logger,
		metrics,
	)

	q := queue.NewQueue(redisClient)
	statusCache := queue.NewStatusCache(redisClient, 10*time.Second)
	runner := infra.NewSQLRunner(pool, logger)

	go janitor(ctx, runner, q, logger)

	logger.Info().Msg("worker: consuming job queue")
	for {
		msg, err := q.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			logger.Error().Err(err).Msg("worker: dequeue failed")
			time.Sleep(2 * time.Second)
			continue
		}

		logger.Info().Str("job_id", msg.JobID).Msg("worker: job received")
		if err := controller.Run(ctx, msg.JobID); err != nil {
			logger.Error().Err(err).Str("job_id", msg.JobID).Msg("worker: job failed")
		}
		if err := statusCache.Invalidate(ctx, msg.JobID); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Str("job_id", msg.JobID).Msg("worker: status cache invalidate failed")
		}
	}

	logger.Info().Msg("worker stopped")
}

// buildValidator assembles the validation stack for the configured mode. The
// structural line-edge service is the primary; the vision model is the
// escalation target.
func buildValidator(cfg *infra.Config, httpClient *http.Client, logger infra.Logger, metrics *infra.Metrics) *validate.Hybrid {
	structural := validate.NewStructuralProvider(validate.StructuralOptions{
		BaseURL:     cfg.StructuralBaseURL,
		Sensitivity: cfg.StructuralSensitivity,
		HTTPClient:  httpClient,
		Timeout:     cfg.ValidationTimeout,
	})
	vision := validate.NewVisionProvider(validate.VisionOptions{
		BaseURL:    cfg.VisionBaseURL,
		APIKey:     cfg.VisionAPIKey,
		Model:      cfg.VisionModel,
		HTTPClient: httpClient,
		Timeout:    cfg.ValidationTimeout,
	})

	mode := validate.ModeHybrid
	switch cfg.ValidatorMode {
	case "structural":
		mode = validate.ModePrimaryOnly
	case "vision":
		mode = validate.ModeSecondaryOnly
	}

	return validate.NewHybrid(structural, vision, validate.HybridOptions{
		Mode:                   mode,
		ConfidenceThreshold:    cfg.ConfidenceThreshold,
		CallTimeout:            cfg.ValidationTimeout,
		FailOpenAlertThreshold: cfg.FailOpenAlertThreshold,
	}, logger, metrics)
}

// janitor periodically re-enqueues jobs orphaned by a crashed worker.
func janitor(ctx context.Context, runner *infra.SQLRunner, q *queue.Queue, logger infra.Logger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rows, err := runner.Query(ctx, sqlinline.QStaleProcessingJobs, int(staleJobAge.Seconds()), janitorBatch)
		if err != nil {
			logger.Error().Err(err).Msg("janitor: stale job query failed")
			continue
		}

		type stale struct{ jobID, tenantID string }
		var found []stale
		for rows.Next() {
			var s stale
			if err := rows.Scan(&s.jobID, &s.tenantID); err != nil {
				logger.Error().Err(err).Msg("janitor: scan failed")
				break
			}
			found = append(found, s)
		}
		rows.Close()

		for _, s := range found {
			if _, err := runner.Exec(ctx, sqlinline.QResetJobToPending, s.jobID); err != nil {
				logger.Error().Err(err).Str("job_id", s.jobID).Msg("janitor: reset failed")
				continue
			}
			if err := q.Enqueue(ctx, queue.Message{JobID: s.jobID, TenantID: s.tenantID}); err != nil {
				logger.Error().Err(err).Str("job_id", s.jobID).Msg("janitor: re-enqueue failed")
				continue
			}
			logger.Warn().Str("job_id", s.jobID).Msg("janitor: requeued stale job")
		}
	}
}
