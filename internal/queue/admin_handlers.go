package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-billing/internal/common"
)

// AdminHandler exposes queue stats and dead letter operations.
type AdminHandler struct {
	Queue             Enqueuer
	PageSize          int
	Logger            zerolog.Logger
	VisibilityTimeout time.Duration
}

// Stats reports ready, in-flight and dead task counts for ?kind=.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r.URL.Query().Get("kind"))
	if !ok {
		return
	}
	ctx := r.Context()
	k := keyspace(h.Queue.Prefix)
	ready, err := h.Queue.R.ZCard(ctx, k.ready(kind)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	inflight, err := h.Queue.R.ZCard(ctx, k.inflight(kind)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	dead, err := h.Queue.R.LLen(ctx, k.dead(kind)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}

	var lagMillis int64
	oldest, err := h.Queue.R.ZRangeWithScores(ctx, k.ready(kind), 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		ts := time.Unix(0, int64(oldest[0].Score))
		if ts.Before(time.Now()) {
			lagMillis = time.Since(ts).Milliseconds()
		}
	}
	QueueDepth.WithLabelValues(kind).Set(float64(ready))
	QueueDLQSize.WithLabelValues(kind).Set(float64(dead))

	visibility := h.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"kind":               kind,
		"ready":              ready,
		"processing":         inflight,
		"dlq":                dead,
		"oldest_lag_ms":      lagMillis,
		"visibility_timeout": visibility.Seconds(),
	})
}

// ListDLQ pages through dead tasks of ?kind=, newest first.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r.URL.Query().Get("kind"))
	if !ok {
		return
	}
	ctx := r.Context()
	limit, offset := parsePagination(r, h.pageSize())
	dlqKey := keyspace(h.Queue.Prefix).dead(kind)
	raws, err := h.Queue.R.LRange(ctx, dlqKey, int64(offset), int64(offset+limit-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	total, err := h.Queue.R.LLen(ctx, dlqKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	items := make([]dlqItem, 0, len(raws))
	for _, raw := range raws {
		msg, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		items = append(items, dlqItem{
			Kind:           msg.Kind,
			IdempotencyKey: msg.Key,
			Attempts:       msg.Attempt,
			LastError:      msg.LastError,
			Payload:        payloadView(msg.Payload),
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items, "total": total, "kind": kind})
}

// ReplayDLQ moves up to limit of the oldest dead tasks of a kind back onto
// the queue with a fresh attempt budget.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	kind, ok := h.kind(w, req.Kind)
	if !ok {
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = h.pageSize()
	}
	replayed, err := h.replay(r.Context(), kind, limit)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), map[string]any{"replayed": replayed})
		return
	}
	h.Logger.Info().Str("kind", kind).Int("replayed", len(replayed)).Msg("dead tasks replayed")
	common.JSON(w, http.StatusOK, map[string]any{"replayed": replayed})
}

func (h *AdminHandler) replay(ctx context.Context, kind string, limit int) ([]string, error) {
	dlqKey := keyspace(h.Queue.Prefix).dead(kind)
	replayed := make([]string, 0, limit)
	for len(replayed) < limit {
		raw, err := h.Queue.R.RPop(ctx, dlqKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return replayed, err
		}
		msg, err := decodeEnvelope(raw)
		if err != nil {
			h.Logger.Warn().Err(err).Str("kind", kind).Msg("dropping undecodable dead task")
			continue
		}
		task := Task{Kind: msg.Kind, Payload: msg.Payload, IdempotencyKey: msg.Key, MaxAttempts: msg.MaxAttempts}
		if err := h.Queue.Enqueue(ctx, task); err != nil {
			_ = h.Queue.R.RPush(ctx, dlqKey, raw).Err()
			return replayed, err
		}
		replayed = append(replayed, msg.Key)
	}
	if size, err := h.Queue.R.LLen(ctx, dlqKey).Result(); err == nil {
		QueueDLQSize.WithLabelValues(kind).Set(float64(size))
	}
	return replayed, nil
}

func (h *AdminHandler) kind(w http.ResponseWriter, raw string) (string, bool) {
	if h == nil || h.Queue.R == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "queue requires redis", nil)
		return "", false
	}
	kind := strings.TrimSpace(raw)
	if !validKind(kind) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "a valid kind is required", nil)
		return "", false
	}
	return kind, true
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}

func parsePagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("offset")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return
}

type dlqItem struct {
	Kind           string `json:"kind"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"last_error,omitempty"`
	Payload        any    `json:"payload"`
}

func payloadView(p []byte) any {
	if json.Valid(p) {
		return json.RawMessage(p)
	}
	return string(p)
}

type replayRequest struct {
	Kind  string `json:"kind"`
	Limit int    `json:"limit"`
}
