package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	CORSAllowedOrigins []string

	Storage StorageConfig
	Pricing PricingConfig
	Circuit CircuitConfig
	SMTP    SMTPConfig
	Obs     ObsConfig
	HTTP    HTTPConfig

	CatalogFile    string
	DefaultStock   int
	ExportDir      string
	ReportCacheTTL time.Duration
	IdempotencyTTL time.Duration
	QueuePrefix    string
	Queue          QueueConfig
	AuditSchedule  string
	AuditGrace     time.Duration

	WorkerMetricsAddr string
}

// StorageConfig selects the primary and fallback stores. An empty
// DatabaseURL runs on the fallback store alone.
type StorageConfig struct {
	DatabaseURL    string
	FallbackDir    string
	PrimaryTimeout time.Duration
}

// PricingConfig controls totals and bill numbering.
type PricingConfig struct {
	TaxRate        decimal.Decimal
	CurrencySymbol string
	MaxIDAttempts  int
}

// QueueConfig tunes the receipt delivery worker.
type QueueConfig struct {
	Concurrency       int
	VisibilityTimeout time.Duration
	RetryBase         time.Duration
	RetryJitter       float64
	MaxAttempts       int
}

// CircuitConfig tunes the breaker in front of the primary store.
type CircuitConfig struct {
	MinRequests int
	FailureRate float64
	OpenFor     time.Duration
	// Window is the number of recent calls the failure rate is taken over.
	Window int
}

// SMTPConfig configures receipt email. An empty Host disables sending.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Enabled reports whether an SMTP relay is configured.
func (c SMTPConfig) Enabled() bool { return strings.TrimSpace(c.Host) != "" }

// HTTPConfig hardens the API surface.
type HTTPConfig struct {
	SecurityHeaders bool
	EnableHSTS      bool
	MaxBodyBytes    int64
	// BillWritesPerMinute caps bill creations per client IP. Zero disables it.
	BillWritesPerMinute int
	// AdminUser and AdminPass guard the queue admin and pprof routes with
	// basic auth. An empty AdminUser leaves them open.
	AdminUser string
	AdminPass string
}

// ObsConfig controls logging, metrics and tracing.
type ObsConfig struct {
	LogFormat        string
	LogLevel         string
	EnablePrometheus bool
	EnableTracing    bool
	EnablePprof      bool
	TracingExporter  string
	SamplingRatio    float64
	OTLPEndpoint     string
	MetricsNamespace string
	HTTPBuckets      string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	taxRate, err := decimal.NewFromString(valueOrDefault(k.String("TAX_RATE"), "0.18"))
	if err != nil {
		return nil, fmt.Errorf("TAX_RATE: %w", err)
	}
	if taxRate.IsNegative() {
		return nil, errors.New("TAX_RATE must not be negative")
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		Storage: StorageConfig{
			DatabaseURL:    strings.TrimSpace(k.String("DATABASE_URL")),
			FallbackDir:    valueOrDefault(k.String("FALLBACK_DIR"), "./data"),
			PrimaryTimeout: parseDuration(k.String("PRIMARY_TIMEOUT"), "5s"),
		},
		Pricing: PricingConfig{
			TaxRate:        taxRate,
			CurrencySymbol: valueOrDefault(k.String("CURRENCY_SYMBOL"), "₹"),
			MaxIDAttempts:  parseInt(k.String("BILL_ID_MAX_ATTEMPTS"), 3),
		},
		Circuit: CircuitConfig{
			MinRequests: parseInt(k.String("CIRCUIT_PRIMARY_MIN_REQ"), 3),
			FailureRate: parseFloat(k.String("CIRCUIT_PRIMARY_FAILURE_RATE"), 0.5),
			OpenFor:     parseDuration(k.String("CIRCUIT_PRIMARY_OPEN_FOR"), "30s"),
			Window:      parseInt(k.String("CIRCUIT_PRIMARY_WINDOW"), 20),
		},
		SMTP: SMTPConfig{
			Host: strings.TrimSpace(k.String("SMTP_HOST")),
			Port: parseInt(k.String("SMTP_PORT"), 587),
			User: k.String("SMTP_USER"),
			Pass: k.String("SMTP_PASS"),
			From: strings.TrimSpace(k.String("RECEIPT_FROM")),
		},
		Obs: ObsConfig{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			EnablePrometheus: parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
			EnableTracing:    parseBool(k.String("OBS_ENABLE_TRACING")),
			EnablePprof:      parseBool(k.String("OBS_ENABLE_PPROF")),
			TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
			OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "toko_billing"),
			HTTPBuckets:      k.String("OBS_HTTP_BUCKETS_MS"),
		},
		HTTP: HTTPConfig{
			SecurityHeaders:     parseBoolDefault(k.String("SECURE_HEADERS_ENABLE"), true),
			EnableHSTS:          parseBool(k.String("SECURE_HSTS_ENABLE")),
			MaxBodyBytes:        int64(parseInt(k.String("HTTP_MAX_BODY_BYTES"), 64<<10)),
			BillWritesPerMinute: parseInt(k.String("RATE_LIMIT_BILLS_PER_MIN"), 120),
			AdminUser:           strings.TrimSpace(k.String("ADMIN_BASIC_AUTH_USER")),
			AdminPass:           k.String("ADMIN_BASIC_AUTH_PASS"),
		},
		CatalogFile:    strings.TrimSpace(k.String("CATALOG_FILE")),
		DefaultStock:   parseInt(k.String("DEFAULT_STOCK"), 10),
		ExportDir:      valueOrDefault(k.String("EXPORT_DIR"), "./exports"),
		ReportCacheTTL: parseDuration(k.String("REPORT_CACHE_TTL"), "1m"),
		IdempotencyTTL: parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		QueuePrefix:    valueOrDefault(k.String("QUEUE_PREFIX"), "billing"),
		Queue: QueueConfig{
			Concurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 2),
			VisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
			RetryBase:         parseDuration(k.String("QUEUE_BACKOFF_BASE"), "2s"),
			RetryJitter:       parseFloat(k.String("QUEUE_BACKOFF_JITTER"), 0.2),
			MaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 5),
		},
		AuditSchedule: valueOrDefault(k.String("AUDIT_SCHEDULE"), "@hourly"),
		AuditGrace:    parseDuration(k.String("AUDIT_GRACE"), "10m"),

		WorkerMetricsAddr: valueOrDefault(k.String("WORKER_METRICS_ADDR"), ":9091"),
	}

	if cfg.Pricing.MaxIDAttempts <= 0 {
		return nil, errors.New("BILL_ID_MAX_ATTEMPTS must be positive")
	}
	if cfg.DefaultStock < 0 {
		return nil, errors.New("DEFAULT_STOCK must not be negative")
	}
	if cfg.Circuit.FailureRate <= 0 || cfg.Circuit.FailureRate > 1 {
		return nil, errors.New("CIRCUIT_PRIMARY_FAILURE_RATE must be in (0, 1]")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseBoolDefault(value string, fallback bool) bool {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return parseBool(value)
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
