// Package storetest provides fault injection around a store.Store for the
// tests of packages built on it.
package storetest

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/manenim/keyword-coord/pkg/store"
)

// Operation names accepted by Flaky. They match the Op field of the
// *store.Error values the real backends produce.
const (
	OpGet           = "get"
	OpSetIfAbsent   = "setnx"
	OpSet           = "set"
	OpIncrement     = "incrby"
	OpExpire        = "expire"
	OpDelete        = "del"
	OpDeleteIfEqual = "delifeq"
	OpScan          = "scan"
)

// Flaky wraps a Store and can fail or slow down selected operations.
type Flaky struct {
	inner store.Store

	mu       sync.Mutex
	failures map[string]failure
	delays   map[string]time.Duration
	calls    map[string]int
}

// Wrap returns a Flaky that passes everything through until told otherwise.
func Wrap(s store.Store) *Flaky {
	return &Flaky{
		inner:    s,
		failures: make(map[string]failure),
		delays:   make(map[string]time.Duration),
		calls:    make(map[string]int),
	}
}

type failure struct {
	keyPrefix string
	err       error
}

// FailOn makes every call to op return err until Heal is called.
func (f *Flaky) FailOn(op string, err error) {
	f.FailOnKey(op, "", err)
}

// FailOnKey is FailOn restricted to keys starting with keyPrefix.
func (f *Flaky) FailOnKey(op, keyPrefix string, err error) {
	f.mu.Lock()
	f.failures[op] = failure{keyPrefix: keyPrefix, err: err}
	f.mu.Unlock()
}

// DelayOn makes op wait d, or until its context ends, before running.
func (f *Flaky) DelayOn(op string, d time.Duration) {
	f.mu.Lock()
	f.delays[op] = d
	f.mu.Unlock()
}

// Heal removes injected failures and delays for op.
func (f *Flaky) Heal(op string) {
	f.mu.Lock()
	delete(f.failures, op)
	delete(f.delays, op)
	f.mu.Unlock()
}

// Calls reports how many times op was invoked.
func (f *Flaky) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Unavailable builds the error a backend returns when it cannot be reached.
func Unavailable(op string) error {
	return &store.Error{Kind: store.KindUnavailable, Op: op, Err: errors.New("connection refused")}
}

// OperationFailed builds the error a backend returns when it rejects a call.
func OperationFailed(op string) error {
	return &store.Error{Kind: store.KindOperationFailed, Op: op, Err: errors.New("ERR injected")}
}

func (f *Flaky) before(ctx context.Context, op, key string) error {
	f.mu.Lock()
	f.calls[op]++
	fail, failing := f.failures[op]
	delay := f.delays[op]
	f.mu.Unlock()

	var err error
	if failing && strings.HasPrefix(key, fail.keyPrefix) {
		err = fail.err
	}

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return &store.Error{Kind: store.KindUnavailable, Op: op, Key: key, Err: ctx.Err()}
		}
	}
	return err
}

func (f *Flaky) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := f.before(ctx, OpGet, key); err != nil {
		return nil, false, err
	}
	return f.inner.Get(ctx, key)
}

func (f *Flaky) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := f.before(ctx, OpSetIfAbsent, key); err != nil {
		return false, err
	}
	return f.inner.SetIfAbsent(ctx, key, value, ttl)
}

func (f *Flaky) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.before(ctx, OpSet, key); err != nil {
		return err
	}
	return f.inner.Set(ctx, key, value, ttl)
}

func (f *Flaky) Increment(ctx context.Context, key string, by int64) (int64, error) {
	if err := f.before(ctx, OpIncrement, key); err != nil {
		return 0, err
	}
	return f.inner.Increment(ctx, key, by)
}

func (f *Flaky) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := f.before(ctx, OpExpire, key); err != nil {
		return err
	}
	return f.inner.Expire(ctx, key, ttl)
}

func (f *Flaky) Delete(ctx context.Context, key string) error {
	if err := f.before(ctx, OpDelete, key); err != nil {
		return err
	}
	return f.inner.Delete(ctx, key)
}

func (f *Flaky) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	if err := f.before(ctx, OpDeleteIfEqual, key); err != nil {
		return false, err
	}
	return f.inner.DeleteIfEqual(ctx, key, value)
}

func (f *Flaky) ScanPrefix(ctx context.Context, prefix string) iter.Seq2[string, error] {
	if err := f.before(ctx, OpScan, prefix); err != nil {
		return func(yield func(string, error) bool) { yield("", err) }
	}
	return f.inner.ScanPrefix(ctx, prefix)
}
