// Package worker wires the job broker to the engines: each queue maps to
// exactly one engine. The worker is an explicit struct with injected
// dependencies and a Run/stop lifecycle; there is no module-level state.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pier-paas/pier/internal/queue"
	"github.com/pier-paas/pier/internal/service/deploy"
	"github.com/pier-paas/pier/internal/service/gc"
	"github.com/pier-paas/pier/internal/service/lifecycle"
	"github.com/pier-paas/pier/internal/service/metering"
)

// DeployPayload is the body of jobs on the deployments queue.
type DeployPayload struct {
	DeploymentID string `json:"deployment_id"`
}

// Config tunes the worker's queue subscriptions and schedules.
type Config struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	UsageInterval  time.Duration
	CleanupHourUTC int
}

// Worker subscribes the engines to their queues and runs the broker.
type Worker struct {
	broker    queue.Broker
	scheduler *queue.Scheduler
	deploys   *deploy.Service
	metering  *metering.Collector
	gc        *gc.Collector
	lifecycle *lifecycle.Manager
	suspender *lifecycle.Suspender
	logger    *slog.Logger
	cfg       Config
	metrics   jobMetrics
}

// New constructs a Worker.
func New(broker queue.Broker, deploys *deploy.Service, meter *metering.Collector, collector *gc.Collector, manager *lifecycle.Manager, suspender *lifecycle.Suspender, logger *slog.Logger, cfg Config) *Worker {
	if logger != nil {
		logger = logger.With("component", "worker")
	}
	return &Worker{
		broker:    broker,
		scheduler: queue.NewScheduler(broker, logger),
		deploys:   deploys,
		metering:  meter,
		gc:        collector,
		lifecycle: manager,
		suspender: suspender,
		logger:    logger,
		cfg:       cfg,
	}
}

// Register subscribes every queue. Must be called once before Run.
func (w *Worker) Register() error {
	w.metrics.init()
	opts := queue.Options{MaxAttempts: w.cfg.MaxAttempts, BackoffBase: w.cfg.BackoffBase}

	deployOpts := opts
	deployOpts.Concurrency = 4
	if err := w.broker.Subscribe(queue.QueueDeployments, deployOpts, w.instrument(queue.QueueDeployments, w.handleDeploy)); err != nil {
		return err
	}
	if err := w.broker.Subscribe(queue.QueueUsageCollection, opts, w.instrument(queue.QueueUsageCollection, w.handleUsage)); err != nil {
		return err
	}
	if err := w.broker.Subscribe(queue.QueueDailyCleanup, opts, w.instrument(queue.QueueDailyCleanup, w.handleCleanup)); err != nil {
		return err
	}
	// Subscription checks stay at concurrency 1: suspension and warning
	// emails are time-windowed side effects.
	subOpts := opts
	subOpts.Concurrency = 1
	if err := w.broker.Subscribe(queue.QueueSubscriptionChecks, subOpts, w.instrument(queue.QueueSubscriptionChecks, w.handleSubscriptions)); err != nil {
		return err
	}

	w.scheduler.Every(queue.QueueUsageCollection, w.cfg.UsageInterval)
	w.scheduler.Every(queue.QueueSubscriptionChecks, time.Hour)
	w.scheduler.DailyAt(queue.QueueDailyCleanup, w.cfg.CleanupHourUTC)
	return nil
}

// Run consumes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	go w.scheduler.Run(ctx)
	w.logger.Info("worker started")
	err := w.broker.Run(ctx)
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) instrument(queueName string, handler queue.Handler) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		start := time.Now()
		err := handler(ctx, job)
		w.metrics.observe(queueName, start, err)
		return err
	}
}

func (w *Worker) handleDeploy(ctx context.Context, job queue.Job) error {
	var payload DeployPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode deploy payload: %w", err)
	}
	if payload.DeploymentID == "" {
		return fmt.Errorf("deploy job %s has no deployment id", job.ID)
	}
	return w.deploys.Execute(ctx, payload.DeploymentID)
}

func (w *Worker) handleUsage(ctx context.Context, _ queue.Job) error {
	report, err := w.metering.Collect(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("usage cycle complete",
		"containers", report.Containers,
		"skipped_stats", report.SkippedStats,
		"records", report.RecordsInserted,
		"billing_reported", report.BillingReported,
		"billing_failed", report.BillingFailed)
	return nil
}

// handleCleanup runs image garbage collection and the service retention
// purge in one daily job.
func (w *Worker) handleCleanup(ctx context.Context, _ queue.Job) error {
	gcReport, err := w.gc.Run(ctx)
	if err != nil {
		return err
	}
	purgeReport, err := w.lifecycle.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("cleanup cycle complete",
		"images_removed", gcReport.DanglingRemoved+gcReport.RetiredRemoved,
		"bytes_freed", gcReport.DanglingFreed+gcReport.RetiredFreed,
		"services_purged", purgeReport.Deleted,
		"errors", len(gcReport.Errors)+len(purgeReport.Errors))
	return nil
}

func (w *Worker) handleSubscriptions(ctx context.Context, _ queue.Job) error {
	report, err := w.suspender.CheckAll(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("subscription check complete",
		"checked", report.Checked,
		"warned", report.Warned,
		"suspended", report.Suspended,
		"errors", len(report.Errors))
	return nil
}
