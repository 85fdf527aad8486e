package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
)

// MiddlewareConfig wires a RateLimiter into an HTTP stack.
type MiddlewareConfig struct {
	Limiter RateLimiter
	Limit   Limit
	// KeyFunc picks the identity to limit. Requests it cannot identify are
	// rejected with 400.
	KeyFunc func(*http.Request) (Identity, bool)
	// OnLimit replaces the default 429 body.
	OnLimit func(http.ResponseWriter, *http.Request, Decision)
	Logger  *slog.Logger
}

func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := cfg.KeyFunc(r)
			if !ok {
				http.Error(w, "Unable to determine client identity", http.StatusBadRequest)
				return
			}
			dec, err := cfg.Limiter.Check(r.Context(), id, cfg.Limit)
			if err != nil {
				logger.Warn("ratelimit: degraded decision", "identity", id.String(), "allowed", dec.Allowed, "error", err)
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
			if !dec.ResetAt.IsZero() {
				h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
			}

			if !dec.Allowed {
				h.Set("Retry-After", strconv.FormatInt(int64(math.Ceil(dec.RetryAfter.Seconds())), 10))
				if cfg.OnLimit != nil {
					cfg.OnLimit(w, r, dec)
					return
				}
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "Rate limit exceeded. Try again later.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
