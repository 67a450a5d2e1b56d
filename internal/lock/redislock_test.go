package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-billing/internal/lock"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestWithLockSerializes(t *testing.T) {
	_, client := newClient(t)
	locker := lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var (
		mu     sync.Mutex
		order  []string
		wg     sync.WaitGroup
		holder = make(chan struct{})
		finish = make(chan struct{})
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = locker.WithLock(ctx, "filestore:bills", time.Second, func(context.Context) error {
			close(holder)
			<-finish
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			return nil
		})
	}()
	<-holder
	go func() {
		defer wg.Done()
		_ = locker.WithLock(ctx, "filestore:bills", time.Second, func(context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	close(finish)
	wg.Wait()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestWithLockMaxWait(t *testing.T) {
	_, client := newClient(t)
	require.NoError(t, client.Set(context.Background(), "billing:lock:busy", "someone", time.Minute).Err())

	locker := lock.Locker{R: client, Prefix: "billing", RetryBackoff: 5 * time.Millisecond, MaxWait: 30 * time.Millisecond}
	called := false
	err := locker.WithLock(context.Background(), "busy", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	require.False(t, called)
}

func TestExpiredHolderDoesNotReleaseNewOwner(t *testing.T) {
	mr, client := newClient(t)
	locker := lock.Locker{R: client}
	err := locker.WithLock(context.Background(), "k", time.Second, func(context.Context) error {
		// the lease lapses and another process takes the key
		mr.FastForward(2 * time.Second)
		return client.Set(context.Background(), "lock:k", "other", time.Minute).Err()
	})
	require.NoError(t, err)
	v, err := client.Get(context.Background(), "lock:k").Result()
	require.NoError(t, err)
	require.Equal(t, "other", v)
}

func TestWithLockRequiresClient(t *testing.T) {
	require.Error(t, lock.Locker{}.WithLock(context.Background(), "k", time.Second, func(context.Context) error { return nil }))
}
