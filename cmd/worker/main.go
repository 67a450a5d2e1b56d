package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-billing/internal/app"
	"github.com/noah-isme/toko-billing/internal/config"
	"github.com/noah-isme/toko-billing/internal/notify"
	"github.com/noah-isme/toko-billing/internal/obs"
	"github.com/noah-isme/toko-billing/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.Build(bootCtx, cfg, logger, "toko-billing-worker")
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.AuditSchedule, func() { runAudit(ctx, deps, logger) }); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.AuditSchedule).Msg("schedule inventory audit")
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	if cfg.Obs.EnablePrometheus {
		go serveMetrics(ctx, cfg, deps, logger)
	}

	if deps.Redis == nil {
		logger.Warn().Msg("redis not configured, receipt queue disabled; running audit schedule only")
		<-ctx.Done()
		logger.Info().Msg("worker shutdown complete")
		return
	}

	receiptQueueWorker := queue.Worker{
		R:                 deps.Redis,
		Prefix:            cfg.QueuePrefix,
		Kind:              notify.ReceiptTaskKind,
		Concurrency:       cfg.Queue.Concurrency,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		RetryBase:         cfg.Queue.RetryBase,
		RetryJitter:       cfg.Queue.RetryJitter,
		Logger:            logger,
		Handler:           deps.Receipts.Handle,
	}

	logger.Info().Str("kind", notify.ReceiptTaskKind).Msg("worker starting")
	if err := receiptQueueWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func runAudit(ctx context.Context, deps *app.Dependencies, logger zerolog.Logger) {
	report, err := deps.Billing.Audit(ctx, deps.Config.AuditGrace)
	if err != nil {
		logger.Error().Err(err).Msg("inventory audit failed")
		return
	}
	evt := logger.Info()
	if len(report.Pending) > 0 {
		evt = logger.Warn()
	}
	evt.Int("bills", report.Bills).Int("pending", len(report.Pending)).Interface("unreflected", report.Unreflected).Msg("inventory audit")
}

func serveMetrics(ctx context.Context, cfg *config.Config, deps *app.Dependencies, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(deps.MetricsRegistry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}
