// Package queue is a small Redis sorted-set task queue with deduplication,
// retry backoff, visibility timeouts and a dead letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-billing/internal/resilience"
)

const (
	defaultMaxAttempts = 5
	defaultDedupTTL    = 24 * time.Hour
	defaultVisibility  = 30 * time.Second
	defaultRetryBase   = 200 * time.Millisecond
	pollInterval       = 100 * time.Millisecond
	sweepInterval      = time.Second
)

// Task is a unit of background work. Handlers see Attempt starting at 1.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
	Attempt        int
}

// Enqueuer publishes tasks to the ready set of their kind.
type Enqueuer struct {
	R        *redis.Client
	Prefix   string
	DedupTTL time.Duration
}

// Enqueue schedules t. A task with an IdempotencyKey is dropped silently
// while an earlier task with the same key is pending or running.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	if !validKind(t.Kind) {
		return fmt.Errorf("queue: invalid task kind %q", t.Kind)
	}
	ks := keyspace(e.Prefix)
	if t.IdempotencyKey != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = defaultDedupTTL
		}
		fresh, err := e.R.SetNX(ctx, ks.dedup(t.Kind, t.IdempotencyKey), "1", ttl).Result()
		if err != nil {
			return fmt.Errorf("queue: dedup %s: %w", t.Kind, err)
		}
		if !fresh {
			return nil
		}
	}
	msg := envelope{
		Kind:        t.Kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = defaultMaxAttempts
	}
	return e.R.ZAdd(ctx, ks.ready(t.Kind), msg.member()).Err()
}

// validKind accepts lower-case kinds built from letters, digits, '-', '_'
// and ':'.
func validKind(kind string) bool {
	return kind != "" && strings.IndexFunc(kind, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == ':')
	}) < 0
}

// claimScript moves the oldest due member of the ready set (KEYS[1]) into
// the in-flight set (KEYS[2]) scored by its visibility deadline.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
	return false
end
redis.call('ZREM', KEYS[1], due[1])
redis.call('ZADD', KEYS[2], ARGV[2], due[1])
return due[1]
`)

// Worker consumes tasks of one kind.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	Handler           func(context.Context, Task) error
	RetryBase         time.Duration
	RetryJitter       float64
	Logger            zerolog.Logger
}

// Run processes tasks until ctx is cancelled and then waits for running
// handlers. Each claimed task sits in the in-flight set until it is settled;
// a handler still running at its visibility deadline has its context
// cancelled and the sweep puts the task back on the ready set.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	if !validKind(w.Kind) {
		return fmt.Errorf("queue: invalid worker kind %q", w.Kind)
	}
	slots := w.Concurrency
	if slots <= 0 {
		slots = 1
	}
	sem := make(chan struct{}, slots)
	var wg sync.WaitGroup
	defer wg.Wait()

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if err := w.requeueExpired(ctx); err != nil {
				return err
			}
		case sem <- struct{}{}:
			raw, msg, ok, err := w.claim(ctx)
			if err != nil {
				<-sem
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if !ok {
				<-sem
				if !sleepCtx(ctx, pollInterval) {
					return nil
				}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.process(ctx, raw, msg)
			}()
		}
	}
}

func (w Worker) visibility() time.Duration {
	if w.VisibilityTimeout > 0 {
		return w.VisibilityTimeout
	}
	return defaultVisibility
}

// claim takes the next due task, returning ok=false when none is due. Members
// that cannot be decoded are removed and logged.
func (w Worker) claim(ctx context.Context) (string, envelope, bool, error) {
	ks := keyspace(w.Prefix)
	now := time.Now()
	deadline := now.Add(w.visibility()).UnixNano()
	raw, err := claimScript.Run(ctx, w.R,
		[]string{ks.ready(w.Kind), ks.inflight(w.Kind)},
		strconv.FormatInt(now.UnixNano(), 10), strconv.FormatInt(deadline, 10),
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", envelope{}, false, nil
	}
	if err != nil {
		return "", envelope{}, false, fmt.Errorf("queue: claim %s: %w", w.Kind, err)
	}
	msg, err := decodeEnvelope(raw)
	if err != nil {
		w.Logger.Warn().Err(err).Str("kind", w.Kind).Msg("dropping undecodable task")
		_ = w.R.ZRem(ctx, ks.inflight(w.Kind), raw).Err()
		return "", envelope{}, false, nil
	}
	return raw, msg, true, nil
}

// process runs the handler for one claimed task and settles the outcome.
func (w Worker) process(ctx context.Context, raw string, msg envelope) {
	jobCtx, cancel := context.WithTimeout(ctx, w.visibility())
	defer cancel()
	msg.Attempt++
	err := w.Handler(jobCtx, Task{
		Kind:           msg.Kind,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		MaxAttempts:    msg.MaxAttempts,
		Attempt:        msg.Attempt,
	})
	// settle even when shutdown cancelled ctx
	settleCtx := context.WithoutCancel(ctx)
	if err != nil {
		w.fail(settleCtx, raw, msg, err)
		return
	}
	w.ack(settleCtx, raw, msg)
}

func (w Worker) ack(ctx context.Context, raw string, msg envelope) {
	ks := keyspace(w.Prefix)
	_ = w.R.ZRem(ctx, ks.inflight(msg.Kind), raw).Err()
	if msg.Key != "" {
		_ = w.R.Del(ctx, ks.dedup(msg.Kind, msg.Key)).Err()
	}
	QueueProcessedTotal.WithLabelValues(msg.Kind, "ok").Inc()
}

// fail retries msg with backoff or moves it to the dead letter list once
// its attempts are spent.
func (w Worker) fail(ctx context.Context, raw string, msg envelope, cause error) {
	ks := keyspace(w.Prefix)
	removed, err := w.R.ZRem(ctx, ks.inflight(msg.Kind), raw).Result()
	if err == nil && removed == 0 {
		// the sweep already requeued it
		return
	}
	log := w.Logger.With().Str("kind", msg.Kind).Str("key", msg.Key).Int("attempt", msg.Attempt).Logger()
	msg.LastError = cause.Error()

	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		body, err := json.Marshal(msg)
		if err != nil {
			log.Error().Err(err).Msg("encode dead task")
			return
		}
		pipe := w.R.TxPipeline()
		pipe.LPush(ctx, ks.dead(msg.Kind), body)
		if msg.Key != "" {
			pipe.Del(ctx, ks.dedup(msg.Kind, msg.Key))
		}
		size := pipe.LLen(ctx, ks.dead(msg.Kind))
		if _, err := pipe.Exec(ctx); err != nil {
			log.Error().Err(err).Msg("move task to dead letter list")
			return
		}
		QueueProcessedTotal.WithLabelValues(msg.Kind, "dead").Inc()
		QueueDLQSize.WithLabelValues(msg.Kind).Set(float64(size.Val()))
		log.Error().Err(cause).Msg("task moved to dead letter list")
		return
	}

	base := w.RetryBase
	if base <= 0 {
		base = defaultRetryBase
	}
	delay := resilience.Backoff(base, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	if err := w.R.ZAdd(ctx, ks.ready(msg.Kind), msg.member()).Err(); err != nil {
		log.Error().Err(err).Msg("requeue failed task")
		return
	}
	QueueProcessedTotal.WithLabelValues(msg.Kind, "retry").Inc()
	log.Warn().Err(cause).Dur("retry_in", delay).Msg("task failed, retrying")
}

// requeueExpired returns in-flight tasks past their visibility deadline to
// the ready set, counting the lost delivery as an attempt.
func (w Worker) requeueExpired(ctx context.Context) error {
	ks := keyspace(w.Prefix)
	inflight := ks.inflight(w.Kind)
	expired, err := w.R.ZRangeByScore(ctx, inflight, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixNano(), 10),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("queue: sweep %s: %w", w.Kind, err)
	}
	for _, raw := range expired {
		removed, err := w.R.ZRem(ctx, inflight, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		msg.Attempt++
		msg.AvailableAt = time.Now().UnixNano()
		if err := w.R.ZAdd(ctx, ks.ready(w.Kind), msg.member()).Err(); err != nil {
			return fmt.Errorf("queue: requeue %s: %w", w.Kind, err)
		}
		w.Logger.Warn().Str("kind", msg.Kind).Str("key", msg.Key).Int("attempt", msg.Attempt).Msg("visibility timeout expired, task requeued")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// keyspace derives the Redis keys of a queue prefix.
type keyspace string

func (k keyspace) root() string {
	if k == "" {
		return "queue"
	}
	return string(k)
}

// ready is the sorted set of pending tasks scored by availability.
func (k keyspace) ready(kind string) string {
	if k == "" {
		return "queue:" + kind
	}
	return string(k) + ":queue:" + kind
}

// inflight is the sorted set of claimed tasks scored by visibility deadline.
func (k keyspace) inflight(kind string) string { return k.root() + ":" + kind + ":processing" }

func (k keyspace) dead(kind string) string { return k.root() + ":" + kind + ":dlq" }

func (k keyspace) dedup(kind, key string) string {
	return k.root() + ":dedup:" + kind + ":" + key
}

// envelope is the stored form of a task. Attempt counts completed
// deliveries.
type envelope struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
	LastError   string `json:"last_error,omitempty"`
}

func (e envelope) member() redis.Z {
	body, _ := json.Marshal(e)
	return redis.Z{Score: float64(e.AvailableAt), Member: string(body)}
}

func decodeEnvelope(raw string) (envelope, error) {
	var e envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return envelope{}, err
	}
	return e, nil
}
