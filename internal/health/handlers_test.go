package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-billing/internal/health"
	"github.com/noah-isme/toko-billing/internal/storage"
	"github.com/noah-isme/toko-billing/internal/storage/filestore"
)

type stubChecker struct {
	primaryErr  error
	fallbackErr error
	redisErr    error
}

func (s stubChecker) PingPrimary(context.Context, time.Duration) error { return s.primaryErr }
func (s stubChecker) PingFallback(context.Context) error               { return s.fallbackErr }
func (s stubChecker) PingRedis(context.Context, time.Duration) error   { return s.redisErr }

func ready(t *testing.T, c health.Checker) (int, map[string]string) {
	t.Helper()
	handler := health.Handler{Checker: c, PrimaryTimeout: 50 * time.Millisecond, RedisTimeout: 50 * time.Millisecond}
	rr := httptest.NewRecorder()
	handler.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var status map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	return rr.Code, status
}

func TestLive(t *testing.T) {
	handler := health.Handler{}
	rr := httptest.NewRecorder()
	handler.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestReadySuccess(t *testing.T) {
	code, status := ready(t, stubChecker{})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", status["status"])
	require.Equal(t, "ok", status["primary"])
}

func TestReadyDegradedWhenPrimaryDown(t *testing.T) {
	code, status := ready(t, stubChecker{primaryErr: errors.New("db down")})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "degraded", status["status"])
	require.Equal(t, "db down", status["primary"])
}

func TestReadyFailsWithoutFallback(t *testing.T) {
	code, status := ready(t, stubChecker{fallbackErr: errors.New("read-only filesystem")})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "unavailable", status["status"])
}

func TestProbesFallbackOnly(t *testing.T) {
	gw, err := storage.NewGateway(storage.GatewayConfig{Fallback: filestore.New(t.TempDir(), zerolog.Nop()), Logger: zerolog.Nop()})
	require.NoError(t, err)

	code, status := ready(t, health.Probes{Store: gw})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", status["status"])
	require.Equal(t, health.ErrNotConfigured.Error(), status["primary"])
	require.Equal(t, health.ErrNotConfigured.Error(), status["redis"])
}

func TestProbesRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	probes := health.Probes{Redis: client}
	require.NoError(t, probes.PingRedis(context.Background(), time.Second))
	mr.Close()
	require.Error(t, probes.PingRedis(context.Background(), 100*time.Millisecond))
}
