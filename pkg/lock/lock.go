// Package lock provides short-lived, self-expiring mutual exclusion on top of
// a store.Store conditional set.
//
// A lock is the key "lock:<identity>" holding a random token. It exists only
// while held and expires on its own after the TTL whether or not the holder
// finished, so a crashed holder never wedges an identity for longer than one
// TTL. The flip side is that a holder slower than the TTL can overlap with the
// next one; locks here only gate create-if-absent sequences that re-check
// state after acquiring, never blind mutation.
//
// Release is owner-checked: it deletes the key only while it still holds the
// caller's token, so a slow holder cannot remove a lock it already lost.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/manenim/keyword-coord/pkg/metrics"
	"github.com/manenim/keyword-coord/pkg/store"
)

const (
	DefaultTTL        = 10 * time.Second
	DefaultWaitBudget = 5 * time.Second
)

// ErrBusy is returned when another holder owns the lock. It is an ordinary
// outcome, not an infrastructure failure.
var ErrBusy = errors.New("lock busy")

// Token proves ownership of an acquired lock.
type Token string

// Key returns the store key guarding identity.
func Key(identity string) string {
	return "lock:" + identity
}

// Locker hands out locks backed by a Store.
type Locker struct {
	store      store.Store
	ttl        time.Duration
	waitBudget time.Duration
	logger     *slog.Logger
	recorder   metrics.Recorder
}

type Option func(*Locker)

// WithTTL sets how long an unreleased lock survives (default 10s).
func WithTTL(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithWaitBudget bounds AcquireWait (default 5s).
func WithWaitBudget(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.waitBudget = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithRecorder(rec metrics.Recorder) Option {
	return func(l *Locker) { l.recorder = metrics.OrNoOp(rec) }
}

func New(s store.Store, opts ...Option) *Locker {
	l := &Locker{
		store:      s,
		ttl:        DefaultTTL,
		waitBudget: DefaultWaitBudget,
		logger:     slog.Default(),
		recorder:   metrics.NoOp{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TTL reports the lifetime given to new locks.
func (l *Locker) TTL() time.Duration { return l.ttl }

// Acquire tries once to take the lock for identity. It returns ErrBusy when
// someone else holds it and a wrapped store error when the store failed.
func (l *Locker) Acquire(ctx context.Context, identity string) (Token, error) {
	token := Token(uuid.NewString())
	ok, err := l.store.SetIfAbsent(ctx, Key(identity), []byte(token), l.ttl)
	if err != nil {
		l.recorder.Add("lock.acquire", 1, map[string]string{"result": "error"})
		return "", fmt.Errorf("lock: acquire %q: %w", identity, err)
	}
	if !ok {
		l.recorder.Add("lock.acquire", 1, map[string]string{"result": "busy"})
		return "", ErrBusy
	}
	l.recorder.Add("lock.acquire", 1, map[string]string{"result": "ok"})
	return token, nil
}

// AcquireWait polls Acquire with exponential backoff until it succeeds, the
// context ends, or the wait budget runs out (ErrBusy). Callers are not
// queued; whoever polls first after a release wins.
func (l *Locker) AcquireWait(ctx context.Context, identity string) (Token, error) {
	start := time.Now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	token, err := backoff.Retry(ctx, func() (Token, error) {
		t, err := l.Acquire(ctx, identity)
		if errors.Is(err, ErrBusy) {
			return "", err
		}
		if err != nil {
			return "", backoff.Permanent(err)
		}
		return t, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(l.waitBudget))
	l.recorder.Observe("lock.wait", time.Since(start).Seconds(), nil)
	return token, err
}

// Release gives the lock back. Releasing a lock that already expired, or
// that now belongs to someone else, is logged and otherwise ignored.
func (l *Locker) Release(ctx context.Context, identity string, token Token) error {
	deleted, err := l.store.DeleteIfEqual(ctx, Key(identity), []byte(token))
	if err != nil {
		return fmt.Errorf("lock: release %q: %w", identity, err)
	}
	if !deleted {
		l.recorder.Add("lock.release_lost", 1, nil)
		l.logger.Warn("lock: released after losing ownership", "identity", identity, "ttl", l.ttl)
	}
	return nil
}

// Do runs fn while holding the lock for identity, waiting for it with
// AcquireWait. A failed release is logged, not returned, since the lock
// expires on its own.
func (l *Locker) Do(ctx context.Context, identity string, fn func(ctx context.Context) error) error {
	token, err := l.AcquireWait(ctx, identity)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), identity, token); err != nil {
			l.logger.Error("lock: release failed", "identity", identity, "error", err)
		}
	}()
	return fn(ctx)
}
