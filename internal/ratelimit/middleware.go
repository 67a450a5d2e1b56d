package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-billing/internal/common"
)

// Handler rejects requests over the limit with 429. Limiter errors fail open.
type Handler struct {
	Limiter Limiter
	// Key derives the bucket for a request; defaults to the client IP.
	Key    func(*http.Request) string
	Logger zerolog.Logger
}

// Middleware implements the http.Handler middleware interface.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := common.ClientIP(r)
		if h.Key != nil {
			key = h.Key(r)
		}
		d, err := h.Limiter.Allow(r.Context(), key)
		if err != nil {
			h.Logger.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(max(h.Limiter.Max, 0)))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if !d.Allowed {
			retryAfter := max(int(time.Until(d.ResetAt).Seconds()), 0)
			headers.Set("Retry-After", strconv.Itoa(retryAfter))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many bill requests", map[string]any{"retry_after_seconds": retryAfter})
			return
		}
		next.ServeHTTP(w, r)
	})
}
