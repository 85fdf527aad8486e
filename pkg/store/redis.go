package store

import (
	"context"
	_ "embed"
	"errors"
	"io"
	"iter"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manenim/keyword-coord/pkg/metrics"
)

//go:embed compare_delete.lua
var compareDeleteScript string

const (
	defaultPrefix  = "kw:"
	defaultTimeout = 500 * time.Millisecond
	scanBatch      = 200
)

// Redis implements Store on top of a go-redis client.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	timeout  time.Duration
	recorder metrics.Recorder
	release  *redis.Script
}

// Option configures a Redis store.
type Option func(*Redis)

// WithPrefix sets the namespace prepended to every key (default "kw:").
func WithPrefix(prefix string) Option {
	return func(r *Redis) { r.prefix = prefix }
}

// WithTimeout bounds every single call (default 500ms). ScanPrefix is
// bounded only by the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(rec metrics.Recorder) Option {
	return func(r *Redis) { r.recorder = metrics.OrNoOp(rec) }
}

// NewRedis wraps client. It does not contact the server; use Ping to check
// reachability.
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	r := &Redis{
		client:   client,
		prefix:   defaultPrefix,
		timeout:  defaultTimeout,
		recorder: metrics.NoOp{},
		release:  redis.NewScript(compareDeleteScript),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisFromURL parses a redis:// or rediss:// URL and builds a store
// around a fresh client.
func NewRedisFromURL(url string, opts ...Option) (*Redis, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedis(redis.NewClient(o), opts...), nil
}

// Ping checks that the server answers within the call timeout.
func (r *Redis) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", "", func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := r.do(ctx, "get", key, func(ctx context.Context) error {
		b, err := r.client.Get(ctx, r.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = b, true
		return nil
	})
	return value, found, err
}

func (r *Redis) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var accepted bool
	err := r.do(ctx, "setnx", key, func(ctx context.Context) error {
		ok, err := r.client.SetNX(ctx, r.prefix+key, value, ttl).Result()
		accepted = ok
		return err
	})
	return accepted, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.do(ctx, "set", key, func(ctx context.Context) error {
		return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
	})
}

func (r *Redis) Increment(ctx context.Context, key string, by int64) (int64, error) {
	var n int64
	err := r.do(ctx, "incrby", key, func(ctx context.Context) error {
		v, err := r.client.IncrBy(ctx, r.prefix+key, by).Result()
		n = v
		return err
	})
	return n, err
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.do(ctx, "expire", key, func(ctx context.Context) error {
		return r.client.Expire(ctx, r.prefix+key, ttl).Err()
	})
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "del", key, func(ctx context.Context) error {
		return r.client.Del(ctx, r.prefix+key).Err()
	})
}

func (r *Redis) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	var deleted bool
	err := r.do(ctx, "delifeq", key, func(ctx context.Context) error {
		n, err := r.release.Run(ctx, r.client, []string{r.prefix + key}, value).Int64()
		deleted = n == 1
		return err
	})
	return deleted, err
}

// ScanPrefix walks the keyspace with SCAN, so the server is never blocked.
// Yielded keys have the store prefix stripped. Against a cluster client only
// the node serving the first SCAN is walked.
func (r *Redis) ScanPrefix(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		match := escapeGlob(r.prefix+prefix) + "*"
		it := r.client.Scan(ctx, 0, match, scanBatch).Iterator()
		for it.Next(ctx) {
			if !yield(strings.TrimPrefix(it.Val(), r.prefix), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield("", classify("scan", prefix, err))
		}
	}
}

func (r *Redis) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tags := map[string]string{"op": op}
	start := time.Now()
	err := fn(ctx)
	r.recorder.Add("store.call", 1, tags)
	r.recorder.Observe("store.latency", time.Since(start).Seconds(), tags)
	if err != nil {
		r.recorder.Add("store.error", 1, tags)
		return classify(op, key, err)
	}
	return nil
}

// classify maps a go-redis error onto the two infrastructure kinds. Errors
// the server itself replied with are OperationFailed; anything that means
// the server was not reached in time is Unavailable.
func classify(op, key string, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	var replied redis.Error
	if errors.As(err, &replied) {
		return operationFailed(op, key, err)
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, redis.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr):
		return unavailable(op, key, err)
	}
	return operationFailed(op, key, err)
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
