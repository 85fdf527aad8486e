// Package ratelimit provides per-client request limiting with fixed-window
// counters kept in the shared store.
//
// The primary entry point is the RateLimiter interface:
//
//	dec, err := limiter.Check(ctx, id, limit)
//
// The returned Decision says whether the call is allowed, how many calls
// remain in the window, and timing hints for rate-limit headers
// (X-RateLimit-Reset, Retry-After).
//
// # Overview
//
// Each client identity gets one integer counter per window:
//
//   - The window is Limit.Window long and aligned to the Unix epoch.
//   - The key is "rate:<namespace>:<key>:<window-start-unix-nanos>".
//   - Every Check increments the counter; the first increment in a window
//     also sets the key's TTL to the window length.
//   - A call is allowed while the counter is at most Limit.PerWindow.
//
// Nothing ever resets a counter. The next window counts under a new key and
// the old one expires. This is independent of the usage meter: rate limits
// protect the service, quotas bill the customer.
//
// # Core Types
//
// Limit defines the policy:
//
//   - PerWindow: calls allowed per window
//   - Window: window length
//
// Identity defines "who" is being limited. It is split into:
//
//   - Namespace: a logical grouping (for example, "ip", "user")
//   - Key: the identifier within that namespace
//
// Behind a proxy the "ip" identity must come from a trusted network source.
// ClientIPResolver only honours X-Forwarded-For when the direct peer is one
// of the configured trusted proxies.
//
// # Failure Policy
//
// The limiter is best effort and never aborts the request it guards. When
// the store fails, Check still returns a usable Decision with Degraded set,
// along with the error that caused it:
//
//   - default: fail closed, the call is denied
//   - WithFailOpen: the call is allowed
//   - WithFailOpenUnconfigured: the call is allowed only when no store was
//     configured at all (store.ErrNotConfigured), which suits local
//     development while keeping production fail-closed
//
// # HTTP
//
// Middleware wraps an http.Handler, sets X-RateLimit-Limit,
// X-RateLimit-Remaining and X-RateLimit-Reset, and answers 429 with
// Retry-After when the call is denied.
//
// # Configuration
//
// Limiter is configured using the Functional Options pattern:
//
//	l := ratelimit.New(s,
//		ratelimit.WithFailOpenUnconfigured(),
//		ratelimit.WithRecorder(rec),
//	)
package ratelimit
