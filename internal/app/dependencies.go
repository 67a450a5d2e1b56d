// Package app assembles the services shared by the API and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-billing/internal/billid"
	"github.com/noah-isme/toko-billing/internal/billing"
	"github.com/noah-isme/toko-billing/internal/catalog"
	"github.com/noah-isme/toko-billing/internal/config"
	"github.com/noah-isme/toko-billing/internal/inventory"
	"github.com/noah-isme/toko-billing/internal/lock"
	"github.com/noah-isme/toko-billing/internal/notify"
	"github.com/noah-isme/toko-billing/internal/obs"
	"github.com/noah-isme/toko-billing/internal/queue"
	"github.com/noah-isme/toko-billing/internal/report"
	"github.com/noah-isme/toko-billing/internal/resilience"
	"github.com/noah-isme/toko-billing/internal/storage"
	"github.com/noah-isme/toko-billing/internal/storage/filestore"
	"github.com/noah-isme/toko-billing/internal/storage/postgres"
)

// fallbackLockWait bounds how long a fallback write waits for another
// process holding the same collection.
const fallbackLockWait = 5 * time.Second

// Dependencies enumerates the services shared across binaries.
type Dependencies struct {
	Config          *config.Config
	Logger          zerolog.Logger
	DB              *pgxpool.Pool
	Redis           *redis.Client
	Store           *storage.Gateway
	Catalog         *catalog.Catalog
	Reports         *report.Service
	Receipts        *notify.ReceiptWorker
	Notifier        *notify.ReceiptNotifier
	Billing         *billing.Service
	MetricsRegistry *prometheus.Registry
}

// Build opens the configured backends and wires the billing services. The
// primary store and Redis are optional; failing to reach them at startup is
// logged and the process continues on the fallback store.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, appName string) (*Dependencies, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	deps := &Dependencies{Config: cfg, Logger: logger}

	deps.MetricsRegistry = prometheus.NewRegistry()
	if cfg.Obs.EnablePrometheus {
		RegisterMetrics(cfg.Obs.MetricsNamespace, deps.MetricsRegistry)
	}

	cat, err := catalog.LoadOrDefault(cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	deps.Catalog = cat

	if cfg.RedisURL != "" {
		client, err := openRedis(ctx, cfg, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing without queue and cache")
		} else {
			deps.Redis = client
		}
	}

	var primary storage.Store
	if cfg.Storage.DatabaseURL != "" {
		if err := postgres.Migrate(cfg.Storage.DatabaseURL); err != nil {
			logger.Warn().Err(err).Msg("primary store migrations failed")
		}
		pool, err := postgres.Connect(ctx, cfg.Storage.DatabaseURL, appName)
		if err != nil {
			logger.Warn().Err(err).Msg("primary store unavailable, using fallback only")
		} else {
			deps.DB = pool
			primary = &postgres.Store{DB: pool}
		}
	}

	fallback := filestore.New(cfg.Storage.FallbackDir, logger)
	if deps.Redis != nil {
		fallback.Guard = lock.Locker{R: deps.Redis, Prefix: cfg.QueuePrefix, MaxWait: fallbackLockWait}
	}

	breakerLog := obs.Component(logger, "breaker")
	breaker := resilience.New(resilience.Settings{
		Target:       "primary_store",
		Window:       cfg.Circuit.Window,
		MinRequests:  cfg.Circuit.MinRequests,
		FailureRatio: cfg.Circuit.FailureRate,
		OpenFor:      cfg.Circuit.OpenFor,
		Logger:       &breakerLog,
	})
	deps.Store, err = storage.NewGateway(storage.GatewayConfig{
		Primary:  primary,
		Fallback: fallback,
		Timeout:  cfg.Storage.PrimaryTimeout,
		Breaker:  breaker,
		Logger:   logger,
	})
	if err != nil {
		deps.Close()
		return nil, err
	}

	deps.Reports = &report.Service{
		Bills:     deps.Store,
		Inventory: deps.Store,
		Cache:     report.NewCache(deps.Redis, cfg.ReportCacheTTL),
		Logger:    obs.Component(logger, "report"),
	}

	var sender notify.EmailSender = notify.NopEmailSender{}
	if cfg.SMTP.Enabled() {
		sender = notify.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Pass, cfg.SMTP.From)
	}
	deps.Receipts = &notify.ReceiptWorker{
		Bills:    deps.Store,
		Sender:   sender,
		Currency: cfg.Pricing.CurrencySymbol,
		TaxRate:  cfg.Pricing.TaxRate,
		Logger:   obs.Component(logger, "receipts"),
	}
	deps.Notifier = &notify.ReceiptNotifier{
		Queue:       queue.Enqueuer{R: deps.Redis, Prefix: cfg.QueuePrefix, DedupTTL: cfg.IdempotencyTTL},
		MaxAttempts: cfg.Queue.MaxAttempts,
		Inline:      deps.Receipts,
		Logger:      obs.Component(logger, "receipts"),
	}

	deps.Billing = &billing.Service{
		Store:         deps.Store,
		Catalog:       cat,
		IDs:           billid.New(),
		Ledger:        inventory.Ledger{Logger: obs.Component(logger, "inventory")},
		Validator:     billing.NewValidator(),
		TaxRate:       cfg.Pricing.TaxRate,
		MaxIDAttempts: cfg.Pricing.MaxIDAttempts,
		DefaultStock:  cfg.DefaultStock,
		ExportDir:     filepath.Clean(cfg.ExportDir),
		Reports:       deps.Reports,
		Receipts:      deps.Notifier,
		Logger:        obs.Component(logger, "billing"),
	}
	return deps, nil
}

// RegisterMetrics registers every collector the binaries export.
func RegisterMetrics(namespace string, reg prometheus.Registerer) {
	obs.MustRegisterDomainMetrics(namespace, reg)
	resilience.RegisterMetrics(reg)
	queue.RegisterMetrics(reg)
}

// Close releases the backends opened by Build.
func (d *Dependencies) Close() {
	if d == nil {
		return
	}
	if d.DB != nil {
		d.DB.Close()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
}

func openRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if cfg.Obs.EnableTracing {
		if err := redisotel.InstrumentTracing(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
