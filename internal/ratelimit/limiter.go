// Package ratelimit throttles bill writes per client with a Redis sliding
// window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts events per key in a sorted set scored by arrival time.
type Limiter struct {
	Client *redis.Client
	Prefix string
	Window time.Duration
	Max    int
	Now    func() time.Time
}

func (l Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Allow records an event for key. Without a client, or with a non-positive
// Max or Window, every event is allowed.
func (l Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	if l.Client == nil || l.Max <= 0 || l.Window <= 0 {
		return Decision{Allowed: true, Remaining: l.Max, ResetAt: now.Add(l.Window)}, nil
	}
	redisKey := l.Prefix + "ratelimit:" + key
	cutoff := float64(now.Add(-l.Window).UnixNano())

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%f", cutoff))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	count := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{ResetAt: now.Add(l.Window)}, err
	}

	current := int(count.Val())
	return Decision{
		Allowed:   current <= l.Max,
		Remaining: max(l.Max-current, 0),
		ResetAt:   now.Add(l.Window),
	}, nil
}
