package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestLimiterSlidingWindow(t *testing.T) {
	client, _ := newClient(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	l := Limiter{Client: client, Prefix: "billing:", Window: time.Minute, Max: 2, Now: func() time.Time { return now }}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "till-1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, 1-i, d.Remaining)
	}
	d, err := l.Allow(ctx, "till-1")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	other, err := l.Allow(ctx, "till-2")
	require.NoError(t, err)
	require.True(t, other.Allowed)

	now = now.Add(61 * time.Second)
	d, err = l.Allow(ctx, "till-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestLimiterWithoutClientAllows(t *testing.T) {
	d, err := Limiter{Max: 1, Window: time.Second}.Allow(context.Background(), "x")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	client, _ := newClient(t)
	h := Handler{
		Limiter: Limiter{Client: client, Window: time.Minute, Max: 1},
		Key:     func(*http.Request) string { return "static" },
		Logger:  zerolog.Nop(),
	}
	next := h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusCreated) }))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bills", nil)
	first := httptest.NewRecorder()
	next.ServeHTTP(first, req)
	require.Equal(t, http.StatusCreated, first.Code)

	second := httptest.NewRecorder()
	next.ServeHTTP(second, req)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.Contains(t, second.Body.String(), "RATE_LIMITED")
	require.Equal(t, "1", second.Header().Get("X-RateLimit-Limit"))
	require.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestMiddlewareFailsOpen(t *testing.T) {
	client, mr := newClient(t)
	mr.Close()
	h := Handler{Limiter: Limiter{Client: client, Window: time.Minute, Max: 1}, Logger: zerolog.Nop()}
	next := h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusCreated) }))

	rr := httptest.NewRecorder()
	next.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/bills", nil))
	require.Equal(t, http.StatusCreated, rr.Code)
}
