// Package store is the adapter between the coordination primitives and the
// shared remote key-value store.
//
// # Operations
//
// The Store interface exposes only single-key atomic operations:
//
//   - Get, Set, Delete
//   - SetIfAbsent (conditional set with TTL), the basis of locks, record
//     creation and idempotency markers
//   - Increment plus a separate Expire, the basis of windowed counters
//   - DeleteIfEqual, an owner-checked delete used when releasing locks
//   - ScanPrefix, a lazy non-blocking key scan for maintenance tooling
//
// There are no multi-key transactions. Components that keep two keys in step
// do so with an explicit ordered sequence and a compensating action.
//
// # Backends
//
//   - Redis: the production backend, on go-redis. Calls carry a per-call
//     deadline (WithTimeout) and report call counts and latency through a
//     metrics.Recorder (WithRecorder). All keys are namespaced by a prefix
//     (WithPrefix, default "kw:").
//
//   - Memory: an in-process map with TTLs driven by a clock.Clock. It is
//     used by the unit tests of every other package and for single-node
//     development. It is safe for concurrent use.
//
//   - Unconfigured: stands in when no store address was configured. Every
//     call fails with KindUnavailable wrapping ErrNotConfigured, which lets
//     the rate limiter opt into failing open for that case only.
//
// # Errors
//
// Failures come back as *Error with one of two kinds:
//
//	errors.Is(err, store.ErrUnavailable)     // unreachable, timed out, unconfigured
//	errors.Is(err, store.ErrOperationFailed) // reached, but the call errored
//
// A missing key is never an error. The original cause stays reachable, so
// errors.Is(err, context.DeadlineExceeded) keeps working.
package store
