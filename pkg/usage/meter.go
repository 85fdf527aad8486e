// Package usage meters consumption against quotas with windowed counters
// that reset by expiring, not by explicit reset code.
//
// A counter lives at "usage:<id>:<window-id>". It is created by the first
// increment in a window and given a TTL equal to the rest of the window
// (floored at a minimum). Because the window id is part of the key, a new
// window always starts from zero even if an old key lingers.
//
// CheckAndConsume reads, compares and then increments as separate calls.
// Callers racing near the limit may all pass the comparison before any of
// them increments, so a window can overshoot its limit by at most the number
// of concurrent in-flight calls minus one. That is accepted in exchange for
// never looping on compare-and-swap.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/manenim/keyword-coord/pkg/clock"
	"github.com/manenim/keyword-coord/pkg/metrics"
	"github.com/manenim/keyword-coord/pkg/store"
)

const DefaultMinTTL = time.Minute

var ErrInvalidAmount = errors.New("usage: amount must be positive")

// Result describes a quota decision. Used is the counter value the decision
// was based on: after the increment when allowed, before it when denied.
type Result struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

// Remaining is how much of the limit is left, never negative.
func (r Result) Remaining() int64 {
	return max(r.Limit-r.Used, 0)
}

// Meter checks and commits usage against a Store.
type Meter struct {
	store    store.Store
	clock    clock.Clock
	minTTL   time.Duration
	logger   *slog.Logger
	recorder metrics.Recorder
}

type Option func(*Meter)

func WithClock(c clock.Clock) Option {
	return func(m *Meter) { m.clock = c }
}

// WithMinTTL floors the TTL given to a new counter (default 1m), so a counter
// created in the last instant of a window does not get a zero TTL.
func WithMinTTL(d time.Duration) Option {
	return func(m *Meter) {
		if d > 0 {
			m.minTTL = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Meter) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithRecorder(rec metrics.Recorder) Option {
	return func(m *Meter) { m.recorder = metrics.OrNoOp(rec) }
}

func New(s store.Store, opts ...Option) *Meter {
	m := &Meter{
		store:    s,
		clock:    clock.Real{},
		minTTL:   DefaultMinTTL,
		logger:   slog.Default(),
		recorder: metrics.NoOp{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the counter key for id in the window containing now.
func Key(id string, w Window, now time.Time) string {
	return "usage:" + id + ":" + w.ID(now)
}

// Check reports whether amount more would fit in the current window
// without consuming anything.
func (m *Meter) Check(ctx context.Context, id string, w Window, limit, amount int64) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	now := m.clock.Now()
	used, err := m.read(ctx, Key(id, w, now))
	if err != nil {
		return Result{}, err
	}
	return Result{
		Allowed: used+amount <= limit,
		Used:    used,
		Limit:   limit,
		ResetAt: w.End(now),
	}, nil
}

// CheckAndConsume consumes amount from id's quota in the current window if
// it fits. A denial leaves the counter untouched. Store failures are
// returned; the meter never grants or denies on data it could not read.
func (m *Meter) CheckAndConsume(ctx context.Context, id string, w Window, limit, amount int64) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	now := m.clock.Now()
	key := Key(id, w, now)
	resetAt := w.End(now)

	used, err := m.read(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if used+amount > limit {
		m.recorder.Add("usage.decision", 1, map[string]string{"allowed": "false", "window": w.Name()})
		return Result{Allowed: false, Used: used, Limit: limit, ResetAt: resetAt}, nil
	}

	n, err := m.store.Increment(ctx, key, amount)
	if err != nil {
		return Result{}, fmt.Errorf("usage: consume %q: %w", key, err)
	}
	if n == amount {
		// This increment created the counter; give it the rest of the window.
		ttl := max(resetAt.Sub(now), m.minTTL)
		if err := m.store.Expire(ctx, key, ttl); err != nil {
			// The consumption is committed and the next window uses a new
			// key, so a missing TTL only leaks this key until a sweep.
			m.recorder.Add("usage.expire_failed", 1, nil)
			m.logger.Warn("usage: counter left without TTL", "key", key, "ttl", ttl, "error", err)
		}
	}
	if n > limit {
		m.recorder.Add("usage.overshoot", 1, map[string]string{"window": w.Name()})
	}
	m.recorder.Add("usage.decision", 1, map[string]string{"allowed": "true", "window": w.Name()})
	return Result{Allowed: true, Used: n, Limit: limit, ResetAt: resetAt}, nil
}

func (m *Meter) read(ctx context.Context, key string) (int64, error) {
	data, found, err := m.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("usage: read %q: %w", key, err)
	}
	if !found {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("usage: counter %q is not an integer: %w", key, err)
	}
	return n, nil
}
