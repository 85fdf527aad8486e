package store

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/manenim/keyword-coord/pkg/clock"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store. Its state is local to the process, so it
// only coordinates goroutines, never replicas; use Redis for that.
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock
	data  map[string]memoryEntry
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock drives expiry from c instead of the wall clock.
func WithClock(c clock.Clock) MemoryOption {
	return func(m *Memory) { m.clock = c }
}

// NewMemory returns an empty Memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clock: clock.Real{},
		data:  make(map[string]memoryEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// load returns the live entry for key, dropping it if it has expired.
// Callers hold m.mu.
func (m *Memory) load(key string, now time.Time) (memoryEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(now) {
		delete(m.data, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *Memory) deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, unavailable("get", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.load(key, m.clock.Now())
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(e.value), true, nil
}

func (m *Memory) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("setnx", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if _, ok := m.load(key, now); ok {
		return false, nil
	}
	m.data[key] = memoryEntry{value: bytes.Clone(value), expiresAt: m.deadline(now, ttl)}
	return true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable("set", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.data[key] = memoryEntry{value: bytes.Clone(value), expiresAt: m.deadline(now, ttl)}
	return nil
}

var errNotInteger = errors.New("value is not an integer")

func (m *Memory) Increment(ctx context.Context, key string, by int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("incrby", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	e, ok := m.load(key, now)
	var current int64
	if ok {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, operationFailed("incrby", key, errNotInteger)
		}
		current = v
	}
	next := current + by
	e.value = []byte(strconv.FormatInt(next, 10))
	m.data[key] = e
	return next, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable("expire", key, err)
	}
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	e, ok := m.load(key, now)
	if !ok {
		return nil
	}
	e.expiresAt = now.Add(ttl)
	m.data[key] = e
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("del", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("delifeq", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.load(key, m.clock.Now())
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

// TTL reports the remaining lifetime of key. found is false for absent keys;
// a zero duration with found true means the key never expires.
func (m *Memory) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	e, ok := m.load(key, now)
	if !ok {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return 0, true
	}
	return e.expiresAt.Sub(now), true
}

// ScanPrefix snapshots the matching key names and yields them in sorted
// order. Keys that expire or are deleted mid-iteration are still yielded,
// as a real SCAN may do.
func (m *Memory) ScanPrefix(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.mu.Lock()
		now := m.clock.Now()
		keys := make([]string, 0)
		for k, e := range m.data {
			if strings.HasPrefix(k, prefix) && !e.expired(now) {
				keys = append(keys, k)
			}
		}
		m.mu.Unlock()
		sort.Strings(keys)

		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				yield("", unavailable("scan", prefix, err))
				return
			}
			if !yield(k, nil) {
				return
			}
		}
	}
}
