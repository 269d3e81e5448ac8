package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/realenhance/server/internal/adapter/repo"
	"github.com/realenhance/server/internal/http/handlers"
	"github.com/realenhance/server/internal/http/httpapi"
	"github.com/realenhance/server/internal/infra"
	"github.com/realenhance/server/internal/ledger"
	"github.com/realenhance/server/internal/queue"
	"github.com/realenhance/server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	if err := infra.RunMigrations(cfg.DatabaseURL, cfg.MigrateDir); err != nil {
		logger.Fatal().Err(err).Msg("api: migrations failed")
	}

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	redisClient, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: redis connection failed")
	}
	defer redisClient.Close()

	store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: storage setup failed")
	}

	registry := prometheus.NewRegistry()
	metrics := infra.NewMetrics(registry)

	app := &handlers.App{
		Cfg:      cfg,
		Logger:   logger,
		Jobs:     repo.NewJobRepository(pool),
		Attempts: repo.NewAttemptRepository(pool),
		Ledger:   ledger.NewLedger(pool, cfg.AmendmentCeiling, logger, metrics),
		Queue:    queue.NewQueue(redisClient),
		Status:   queue.NewStatusCache(redisClient, 10*time.Second),
		Store:    store,
		SQL:      infra.NewSQLRunner(pool, logger),
	}

	router := httpapi.NewRouter(httpapi.Options{
		App:             app,
		Registry:        registry,
		StaticDir:       store.BasePath(),
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
