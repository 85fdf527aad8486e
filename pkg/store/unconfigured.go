package store

import (
	"context"
	"iter"
	"time"
)

// Unconfigured is the Store used when no backend address was supplied.
// Every call fails with KindUnavailable wrapping ErrNotConfigured.
type Unconfigured struct{}

func (Unconfigured) Get(_ context.Context, key string) ([]byte, bool, error) {
	return nil, false, unavailable("get", key, ErrNotConfigured)
}

func (Unconfigured) SetIfAbsent(_ context.Context, key string, _ []byte, _ time.Duration) (bool, error) {
	return false, unavailable("setnx", key, ErrNotConfigured)
}

func (Unconfigured) Set(_ context.Context, key string, _ []byte, _ time.Duration) error {
	return unavailable("set", key, ErrNotConfigured)
}

func (Unconfigured) Increment(_ context.Context, key string, _ int64) (int64, error) {
	return 0, unavailable("incrby", key, ErrNotConfigured)
}

func (Unconfigured) Expire(_ context.Context, key string, _ time.Duration) error {
	return unavailable("expire", key, ErrNotConfigured)
}

func (Unconfigured) Delete(_ context.Context, key string) error {
	return unavailable("del", key, ErrNotConfigured)
}

func (Unconfigured) DeleteIfEqual(_ context.Context, key string, _ []byte) (bool, error) {
	return false, unavailable("delifeq", key, ErrNotConfigured)
}

func (Unconfigured) ScanPrefix(_ context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", unavailable("scan", prefix, ErrNotConfigured))
	}
}
