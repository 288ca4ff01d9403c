package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/pier-paas/pier/internal/app/migrate"
	"github.com/pier-paas/pier/internal/engine"
	"github.com/pier-paas/pier/internal/notify"
	"github.com/pier-paas/pier/internal/queue"
	"github.com/pier-paas/pier/internal/repository/postgres"
	"github.com/pier-paas/pier/internal/service/deploy"
	"github.com/pier-paas/pier/internal/service/gc"
	"github.com/pier-paas/pier/internal/service/lifecycle"
	"github.com/pier-paas/pier/internal/service/metering"
	"github.com/pier-paas/pier/internal/service/provision"
	"github.com/pier-paas/pier/internal/service/strategy"
	"github.com/pier-paas/pier/internal/worker"
	"github.com/pier-paas/pier/internal/workspace"
	"github.com/pier-paas/pier/pkg/config"
	"github.com/pier-paas/pier/pkg/logger"
)

func main() {
	cfg := config.LoadWorkerConfig()
	log := logger.New("worker", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	eng, err := engine.New(cfg.DockerHost, log)
	if err != nil {
		log.Error("failed to connect to container engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()
	if err := eng.Ping(ctx); err != nil {
		log.Error("container engine ping failed", "error", err)
		os.Exit(1)
	}

	broker, err := queue.NewRedisBroker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
	if err != nil {
		log.Error("failed to connect job broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	cacheClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer cacheClient.Close()
	sampleCache := metering.NewRedisSampleCache(cacheClient, cfg.UsageCacheTTL)

	ws, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("failed to prepare workdir", "error", err, "dir", cfg.Workdir)
		os.Exit(1)
	}

	registry, err := strategy.NewRegistry(
		strategy.NewImageStrategy(eng, ws, log, cfg.GitTimeout),
		strategy.NewStaticStrategy(eng, ws, log, cfg.GitTimeout),
		strategy.NewComposeStrategy(eng, ws, log, cfg.GitTimeout),
		strategy.NewRegistryStrategy(eng, log),
		strategy.NewDatabaseStrategy(provision.New(eng, log), log),
	)
	if err != nil {
		log.Error("invalid strategy registry", "error", err)
		os.Exit(1)
	}

	var billing notify.BillingSink = notify.NopBillingSink{}
	if cfg.BillingURL != "" {
		billing = notify.NewHTTPBillingSink(cfg.BillingURL, cfg.BillingAuthToken, cfg.BillingTimeout)
	}

	deploySvc := deploy.New(repo, repo, registry, log)
	meter := metering.New(eng, sampleCache, repo, repo, repo, billing, log, cfg.UsageInterval, cfg.BillingFailureRate)
	collector := gc.New(eng, repo, log, gc.Config{
		DanglingEnabled:  cfg.GCDanglingEnabled,
		RetentionEnabled: cfg.GCRetentionEnabled,
		ImageRetention:   cfg.ImageRetention,
	})
	manager := lifecycle.New(repo, repo, eng, log, cfg.ServiceRetention)
	suspender := lifecycle.NewSuspender(repo, repo, notify.LogMailer{Logger: log}, log, lifecycle.SuspensionConfig{
		GracePeriod:       cfg.GracePeriod,
		WarningDayOffsets: cfg.WarningDayOffsets,
		Cooldown:          cfg.SuspensionCooldown,
	})

	w := worker.New(broker, deploySvc, meter, collector, manager, suspender, log, worker.Config{
		MaxAttempts:    cfg.JobAttempts,
		BackoffBase:    cfg.JobBackoffBase,
		UsageInterval:  cfg.UsageInterval,
		CleanupHourUTC: cfg.CleanupHourUTC,
	})
	if err := w.Register(); err != nil {
		log.Error("failed to register queues", "error", err)
		os.Exit(1)
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown failed", "error", err)
	}
}
