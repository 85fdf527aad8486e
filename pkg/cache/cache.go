// Package cache stores expensive lookup results in the shared store. It is
// best-effort throughout: a failed read is a miss, and a slow write never
// holds up the response it belongs to.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manenim/keyword-coord/pkg/clock"
	"github.com/manenim/keyword-coord/pkg/metrics"
	"github.com/manenim/keyword-coord/pkg/store"
)

const DefaultWriteDeadline = 150 * time.Millisecond

// detachedWriteTimeout bounds a write that outlived its deadline.
const detachedWriteTimeout = 5 * time.Second

var ErrInvalidTTL = errors.New("cache: ttl must be positive")

// Entry is one cached result.
type Entry struct {
	Value    json.RawMessage `json:"value"`
	Source   string          `json:"source"`
	StoredAt time.Time       `json:"stored_at"`
}

// WriteStatus is what SetWithDeadline observed before returning.
type WriteStatus int

const (
	WriteOK WriteStatus = iota
	WriteTimedOut
	WriteFailed
)

func (s WriteStatus) String() string {
	switch s {
	case WriteOK:
		return "ok"
	case WriteTimedOut:
		return "timed_out"
	case WriteFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Health is a snapshot of cache outcomes since the process started.
type Health struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	ReadErrors    int64 `json:"read_errors"`
	Writes        int64 `json:"writes"`
	WriteTimeouts int64 `json:"write_timeouts"`
	WriteErrors   int64 `json:"write_errors"`
	// LateWrites counts writes that timed out and then completed anyway.
	LateWrites int64 `json:"late_writes"`
	// LateFailures counts writes that timed out and then failed.
	LateFailures int64 `json:"late_failures"`
}

type Cache struct {
	store         store.Store
	clock         clock.Clock
	logger        *slog.Logger
	recorder      metrics.Recorder
	writeDeadline time.Duration

	hits, misses, readErrors           atomic.Int64
	writes, writeTimeouts, writeErrors atomic.Int64
	lateWrites, lateFailures           atomic.Int64
}

type Option func(*Cache)

func WithClock(c clock.Clock) Option {
	return func(c2 *Cache) { c2.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithRecorder(rec metrics.Recorder) Option {
	return func(c *Cache) { c.recorder = metrics.OrNoOp(rec) }
}

// WithWriteDeadline sets how long SetWithDeadline waits for the store.
func WithWriteDeadline(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.writeDeadline = d
		}
	}
}

func New(s store.Store, opts ...Option) *Cache {
	c := &Cache{
		store:         s,
		clock:         clock.Real{},
		logger:        slog.Default(),
		recorder:      metrics.NoOp{},
		writeDeadline: DefaultWriteDeadline,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the entry at key. Store failures and undecodable slots are
// reported as a miss together with the error; callers are expected to carry
// on without the cache.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.readErrors.Add(1)
		c.recorder.Add("cache.read", 1, map[string]string{"result": "error"})
		c.logger.Warn("cache: read failed, treating as miss", "key", key, "error", err)
		return Entry{}, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if !found {
		c.misses.Add(1)
		c.recorder.Add("cache.read", 1, map[string]string{"result": "miss"})
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.readErrors.Add(1)
		c.recorder.Add("cache.read", 1, map[string]string{"result": "error"})
		c.logger.Warn("cache: slot is not a valid entry", "key", key, "error", err)
		return Entry{}, false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	c.hits.Add(1)
	c.recorder.Add("cache.read", 1, map[string]string{"result": "hit"})
	return e, true, nil
}

// Set writes e under key and waits for the store to answer.
func (c *Cache) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	raw, err := c.encode(e, ttl)
	if err != nil {
		return err
	}
	err = c.store.Set(ctx, key, raw, ttl)
	c.countWrite(err)
	if err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// SetWithDeadline writes e under key but waits at most the configured write
// deadline. The write itself is detached from ctx and keeps going after the
// deadline; its eventual outcome is counted as a late write or late failure.
// The returned error is only informational.
func (c *Cache) SetWithDeadline(ctx context.Context, key string, e Entry, ttl time.Duration) (WriteStatus, error) {
	raw, err := c.encode(e, ttl)
	if err != nil {
		return WriteFailed, err
	}

	w := &pendingWrite{done: make(chan struct{})}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedWriteTimeout)
	go func() {
		defer cancel()
		err := c.store.Set(wctx, key, raw, ttl)
		if w.finish(err) {
			c.countLate(key, err)
		}
	}()

	timer := time.NewTimer(c.writeDeadline)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
	}
	finished, err := w.settle()
	if !finished {
		c.writeTimeouts.Add(1)
		c.recorder.Add("cache.write", 1, map[string]string{"result": "timed_out"})
		c.logger.Warn("cache: write exceeded deadline, continuing in background",
			"key", key, "deadline", c.writeDeadline)
		return WriteTimedOut, nil
	}
	c.countWrite(err)
	if err != nil {
		return WriteFailed, fmt.Errorf("cache: set %s: %w", key, err)
	}
	return WriteOK, nil
}

// pendingWrite decides, under one mutex, whether a write finished in time
// or was abandoned by its caller.
type pendingWrite struct {
	mu        sync.Mutex
	done      chan struct{}
	finished  bool
	abandoned bool
	err       error
}

// finish records the write result and reports whether the caller had
// already given up on it.
func (w *pendingWrite) finish(err error) (late bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abandoned {
		return true
	}
	w.finished, w.err = true, err
	close(w.done)
	return false
}

// settle returns the result if the write finished, and otherwise marks it
// abandoned.
func (w *pendingWrite) settle() (finished bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return true, w.err
	}
	w.abandoned = true
	return false, nil
}

// Health returns the outcome counters.
func (c *Cache) Health() Health {
	return Health{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		ReadErrors:    c.readErrors.Load(),
		Writes:        c.writes.Load(),
		WriteTimeouts: c.writeTimeouts.Load(),
		WriteErrors:   c.writeErrors.Load(),
		LateWrites:    c.lateWrites.Load(),
		LateFailures:  c.lateFailures.Load(),
	}
}

func (c *Cache) encode(e Entry, ttl time.Duration) ([]byte, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = c.clock.Now()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cache: encode entry: %w", err)
	}
	return raw, nil
}

func (c *Cache) countWrite(err error) {
	if err != nil {
		c.writeErrors.Add(1)
		c.recorder.Add("cache.write", 1, map[string]string{"result": "error"})
		return
	}
	c.writes.Add(1)
	c.recorder.Add("cache.write", 1, map[string]string{"result": "ok"})
}

func (c *Cache) countLate(key string, err error) {
	if err != nil {
		c.lateFailures.Add(1)
		c.recorder.Add("cache.write_late", 1, map[string]string{"result": "error"})
		c.logger.Warn("cache: detached write failed", "key", key, "error", err)
		return
	}
	c.lateWrites.Add(1)
	c.recorder.Add("cache.write_late", 1, map[string]string{"result": "ok"})
}
