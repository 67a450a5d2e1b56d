package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/toko-billing/internal/storage"
)

// ErrNotConfigured marks an optional dependency that is not in use.
var ErrNotConfigured = errors.New("not configured")

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips the readiness flag. It is cleared when shutdown begins so
// load balancers stop routing new bills to this instance.
func SetReady(v bool) { ready.Store(v) }

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingPrimary(ctx context.Context, timeout time.Duration) error
	PingFallback(ctx context.Context) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Probes checks the storage gateway and the optional Redis client.
type Probes struct {
	Store *storage.Gateway
	Redis *redis.Client
}

// PingPrimary implements Checker.
func (p Probes) PingPrimary(ctx context.Context, timeout time.Duration) error {
	if p.Store == nil || !p.Store.HasPrimary() {
		return ErrNotConfigured
	}
	return p.Store.PingPrimary(ctx, timeout)
}

// PingFallback implements Checker.
func (p Probes) PingFallback(ctx context.Context) error {
	if p.Store == nil {
		return errors.New("storage not configured")
	}
	return p.Store.PingFallback(ctx)
}

// PingRedis implements Checker.
func (p Probes) PingRedis(ctx context.Context, timeout time.Duration) error {
	if p.Redis == nil {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Redis.Ping(ctx).Err()
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker        Checker
	PrimaryTimeout time.Duration
	RedisTimeout   time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness. Only the fallback store is required: a failing
// primary or Redis degrades the instance without taking it out of rotation.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	status := map[string]string{
		"primary":  probeStatus(h.Checker.PingPrimary(ctx, h.primaryTimeout())),
		"fallback": probeStatus(h.Checker.PingFallback(ctx)),
		"redis":    probeStatus(h.Checker.PingRedis(ctx, h.redisTimeout())),
	}
	code := http.StatusOK
	switch {
	case !ready.Load():
		status["status"] = "shutting_down"
		code = http.StatusServiceUnavailable
	case status["fallback"] != "ok":
		status["status"] = "unavailable"
		code = http.StatusServiceUnavailable
	case status["primary"] != "ok" && status["primary"] != ErrNotConfigured.Error(),
		status["redis"] != "ok" && status["redis"] != ErrNotConfigured.Error():
		status["status"] = "degraded"
	default:
		status["status"] = "ok"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func probeStatus(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

func (h Handler) primaryTimeout() time.Duration {
	if h.PrimaryTimeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.PrimaryTimeout
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}
