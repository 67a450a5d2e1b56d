package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-billing/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"DATABASE_URL": "",
		"TAX_RATE":     "",
		"PORT":         "",
		"SMTP_HOST":    "",
	})
	require.NoError(t, err)
	require.Equal(t, "", cfg.Storage.DatabaseURL)
	require.Equal(t, "./data", cfg.Storage.FallbackDir)
	require.Equal(t, 5*time.Second, cfg.Storage.PrimaryTimeout)
	require.Equal(t, "0.18", cfg.Pricing.TaxRate.String())
	require.Equal(t, 3, cfg.Pricing.MaxIDAttempts)
	require.Equal(t, 10, cfg.DefaultStock)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.False(t, cfg.SMTP.Enabled())
	require.Equal(t, "@hourly", cfg.AuditSchedule)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"DATABASE_URL":         "postgres://billing@localhost/billing",
		"TAX_RATE":             "0.05",
		"PRIMARY_TIMEOUT":      "750ms",
		"BILL_ID_MAX_ATTEMPTS": "5",
		"CORS_ALLOWED_ORIGINS": "http://a.test, http://b.test",
		"SMTP_HOST":            "smtp.test",
		"PORT":                 ":9090",
	})
	require.NoError(t, err)
	require.Equal(t, "postgres://billing@localhost/billing", cfg.Storage.DatabaseURL)
	require.Equal(t, "0.05", cfg.Pricing.TaxRate.String())
	require.Equal(t, 750*time.Millisecond, cfg.Storage.PrimaryTimeout)
	require.Equal(t, 5, cfg.Pricing.MaxIDAttempts)
	require.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSAllowedOrigins)
	require.True(t, cfg.SMTP.Enabled())
	require.Equal(t, ":9090", cfg.HTTPAddr())
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{"TAX_RATE": "abc"})
	require.Error(t, err)

	_, err = config.LoadForTests(map[string]string{"TAX_RATE": "-0.1"})
	require.Error(t, err)

	_, err = config.LoadForTests(map[string]string{"BILL_ID_MAX_ATTEMPTS": "0"})
	require.Error(t, err)
}
