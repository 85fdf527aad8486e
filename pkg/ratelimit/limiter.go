package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manenim/keyword-coord/pkg/clock"
	"github.com/manenim/keyword-coord/pkg/metrics"
	"github.com/manenim/keyword-coord/pkg/store"
)

var ErrInvalidLimit = errors.New("ratelimit: limit needs a positive count and window")

// Limiter is a fixed-window counter limiter over a shared Store.
type Limiter struct {
	store                store.Store
	clock                clock.Clock
	logger               *slog.Logger
	recorder             metrics.Recorder
	failOpen             bool
	failOpenUnconfigured bool
}

type Option func(*Limiter)

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithRecorder(rec metrics.Recorder) Option {
	return func(l *Limiter) { l.recorder = metrics.OrNoOp(rec) }
}

// WithFailOpen allows calls whenever the store fails. The default is to
// deny them.
func WithFailOpen() Option {
	return func(l *Limiter) { l.failOpen = true }
}

// WithFailOpenUnconfigured allows calls only when the store is failing
// because none was configured, as in local development.
func WithFailOpenUnconfigured() Option {
	return func(l *Limiter) { l.failOpenUnconfigured = true }
}

func New(s store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:    s,
		clock:    clock.Real{},
		logger:   slog.Default(),
		recorder: metrics.NoOp{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// windowStart aligns now to the Unix epoch in steps of window.
func windowStart(now time.Time, window time.Duration) time.Time {
	step := int64(window)
	return time.Unix(0, now.UnixNano()/step*step).UTC()
}

// Key returns the counter key for id in the window starting at start. The
// start is kept at nanosecond precision so that sub-second windows never
// share a counter.
func Key(id Identity, start time.Time) string {
	return fmt.Sprintf("rate:%s:%d", id, start.UnixNano())
}

// Check counts one call for id. Every call increments, including denied
// ones, so the counter is exact under concurrency: the first PerWindow
// increments in a window are allowed and the rest are not.
func (l *Limiter) Check(ctx context.Context, id Identity, limit Limit) (Decision, error) {
	if limit.PerWindow <= 0 || limit.Window <= 0 {
		return Decision{}, ErrInvalidLimit
	}
	now := l.clock.Now()
	start := windowStart(now, limit.Window)
	end := start.Add(limit.Window)
	key := Key(id, start)

	count, err := l.store.Increment(ctx, key, 1)
	if err != nil {
		return l.degrade(id, limit, now, end, err)
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, limit.Window); err != nil {
			l.logger.Warn("ratelimit: counter left without TTL", "key", key, "error", err)
		}
	}

	d := Decision{
		Allowed:   count <= limit.PerWindow,
		Limit:     limit.PerWindow,
		Remaining: max(limit.PerWindow-count, 0),
		ResetAt:   end,
	}
	if !d.Allowed {
		d.RetryAfter = end.Sub(now)
	}

	l.logger.Debug("ratelimit: decision", "identity", id.String(), "count", count, "allowed", d.Allowed)
	l.recorder.Add("ratelimit.decision", 1, map[string]string{
		"namespace": string(id.Namespace),
		"allowed":   fmt.Sprint(d.Allowed),
	})
	return d, nil
}

func (l *Limiter) degrade(id Identity, limit Limit, now, end time.Time, err error) (Decision, error) {
	open := l.failOpen || (l.failOpenUnconfigured && errors.Is(err, store.ErrNotConfigured))
	d := Decision{
		Allowed:  open,
		Limit:    limit.PerWindow,
		ResetAt:  end,
		Degraded: true,
	}
	if open {
		d.Remaining = limit.PerWindow
	} else {
		d.RetryAfter = end.Sub(now)
	}
	l.recorder.Add("ratelimit.degraded", 1, map[string]string{"allowed": fmt.Sprint(open)})
	l.logger.Warn("ratelimit: store failed, applying failure policy",
		"identity", id.String(), "allowed", open, "error", err)
	return d, fmt.Errorf("ratelimit: check %s: %w", id, err)
}
