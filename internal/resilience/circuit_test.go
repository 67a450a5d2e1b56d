package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-billing/internal/resilience"
)

func TestBreakerTransitions(t *testing.T) {
	breaker := resilience.NewBreaker(2, 0.5, 50*time.Millisecond)
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)

	require.False(t, breaker.Allow(ctx), "breaker should open after threshold exceeded")

	time.Sleep(60 * time.Millisecond)
	require.True(t, breaker.Allow(ctx), "breaker should move to half-open after cool off")
	breaker.Report(ctx, true)
	require.True(t, breaker.Allow(ctx), "breaker should close after successful probe")
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	breaker := resilience.NewBreaker(1, 0.5, time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
	require.False(t, breaker.Allow(ctx))

	now = now.Add(time.Minute)
	require.Equal(t, resilience.HalfOpen, breaker.State())
	require.True(t, breaker.Allow(ctx))
	require.False(t, breaker.Allow(ctx), "second caller waits for the probe")

	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
}

func TestGuard(t *testing.T) {
	breaker := resilience.NewBreaker(1, 0.5, time.Minute)
	ctx := context.Background()
	caller := errors.New("duplicate")

	err := breaker.Guard(ctx, func(context.Context) error { return caller }, func(err error) bool { return errors.Is(err, caller) })
	require.ErrorIs(t, err, caller)
	require.Equal(t, resilience.Closed, breaker.State())

	err = breaker.Guard(ctx, func(context.Context) error { return errors.New("down") }, nil)
	require.Error(t, err)
	require.Equal(t, resilience.Open, breaker.State())

	called := false
	err = breaker.Guard(ctx, func(context.Context) error { called = true; return nil }, nil)
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
	require.False(t, called)
}

func TestNilBreakerAlwaysAllows(t *testing.T) {
	var breaker *resilience.Breaker
	require.True(t, breaker.Allow(context.Background()))
	require.Equal(t, resilience.Closed, breaker.State())
	require.NoError(t, breaker.Guard(context.Background(), func(context.Context) error { return nil }, nil))
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	d1 := resilience.Backoff(base, 1, 0)
	require.Equal(t, base, d1)

	d2 := resilience.Backoff(base, 3, 0)
	require.Equal(t, base*4, d2)

	// With jitter the delay should stay within expected range.
	d3 := resilience.Backoff(base, 2, 0.2)
	min := base*2 - (base * 2 / 5)
	max := base*2 + (base * 2 / 5)
	require.GreaterOrEqual(t, d3, min)
	require.LessOrEqual(t, d3, max)

	require.Equal(t, resilience.Backoff(base, 17, 0), resilience.Backoff(base, 90, 0))
}

func TestOldSuccessesRollOutOfWindow(t *testing.T) {
	breaker := resilience.New(resilience.Settings{Window: 4, MinRequests: 2, FailureRatio: 0.5, OpenFor: time.Minute})
	ctx := context.Background()

	for range 10 {
		breaker.Report(ctx, true)
	}
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Closed, breaker.State(), "one failure in four")
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State(), "two failures in the last four calls")
}

func TestWindowNeverSmallerThanMinRequests(t *testing.T) {
	breaker := resilience.New(resilience.Settings{Window: 1, MinRequests: 3, FailureRatio: 1})
	ctx := context.Background()

	breaker.Report(ctx, false)
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Closed, breaker.State())
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
}
