package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/keyword-coord/pkg/clock"
	"github.com/manenim/keyword-coord/pkg/metrics"
	"github.com/manenim/keyword-coord/pkg/store"
	"github.com/manenim/keyword-coord/pkg/store/storetest"
)

var t0 = time.Date(2026, 9, 1, 10, 0, 20, 0, time.UTC)

func newLimiter(opts ...Option) (*Limiter, *store.Memory, *clock.Manual) {
	clk := clock.NewManual(t0)
	mem := store.NewMemory(store.WithClock(clk))
	return New(mem, append([]Option{WithClock(clk)}, opts...)...), mem, clk
}

func TestLimiter_WindowBehaviour(t *testing.T) {
	ctx := context.Background()
	l, mem, clk := newLimiter()
	id := Identity{Namespace: NamespaceIP, Key: "203.0.113.7"}
	limit := Limit{PerWindow: 3, Window: time.Minute}
	windowStart := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	for i := range 3 {
		dec, err := l.Check(ctx, id, limit)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "call %d", i)
		assert.Equal(t, int64(2-i), dec.Remaining)
		assert.Zero(t, dec.RetryAfter)
	}

	dec, err := l.Check(ctx, id, limit)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Zero(t, dec.Remaining)
	assert.Equal(t, windowStart.Add(time.Minute), dec.ResetAt)
	assert.Equal(t, 40*time.Second, dec.RetryAfter)

	ttl, found := mem.TTL(Key(id, windowStart))
	require.True(t, found)
	assert.Equal(t, time.Minute, ttl)

	clk.Set(dec.ResetAt.Add(-time.Nanosecond))
	dec, err = l.Check(ctx, id, limit)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	clk.Set(dec.ResetAt)
	dec, err = l.Check(ctx, id, limit)
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "a new window opens at ResetAt")
	assert.Equal(t, int64(2), dec.Remaining)
}

func TestLimiter_SubSecondWindows(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 9, 1, 10, 0, 0, 250_000_000, time.UTC))
	l := New(store.NewMemory(store.WithClock(clk)), WithClock(clk))
	id := Identity{Namespace: NamespaceIP, Key: "1.2.3.4"}
	limit := Limit{PerWindow: 2, Window: 500 * time.Millisecond}

	for range 2 {
		dec, err := l.Check(ctx, id, limit)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
	}
	dec, err := l.Check(ctx, id, limit)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	assert.Equal(t, time.Date(2026, 9, 1, 10, 0, 0, 500_000_000, time.UTC), dec.ResetAt)

	// The next window starts inside the same second and must count afresh.
	clk.Set(dec.ResetAt)
	dec, err = l.Check(ctx, id, limit)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, int64(1), dec.Remaining)
	assert.NotEqual(t,
		Key(id, time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)),
		Key(id, time.Date(2026, 9, 1, 10, 0, 0, 500_000_000, time.UTC)))
}

func TestLimiter_IdentitiesAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter()
	limit := Limit{PerWindow: 1, Window: time.Minute}

	dec, _ := l.Check(ctx, Identity{Namespace: NamespaceIP, Key: "a"}, limit)
	assert.True(t, dec.Allowed)
	dec, _ = l.Check(ctx, Identity{Namespace: NamespaceIP, Key: "b"}, limit)
	assert.True(t, dec.Allowed)
	dec, _ = l.Check(ctx, Identity{Namespace: NamespaceUser, Key: "a"}, limit)
	assert.True(t, dec.Allowed)
}

func TestLimiter_ExactUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemory())
	id := Identity{Namespace: NamespaceUser, Key: "u1"}
	limit := Limit{PerWindow: 100, Window: time.Hour}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(150)
	for range 150 {
		go func() {
			defer wg.Done()
			dec, err := l.Check(ctx, id, limit)
			if assert.NoError(t, err) && dec.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	// A window boundary could split the burst; an hour-long window makes
	// that vanishingly unlikely.
	assert.Equal(t, int64(100), allowed.Load())
}

func TestLimiter_InvalidLimit(t *testing.T) {
	l, _, _ := newLimiter()
	_, err := l.Check(context.Background(), Identity{Key: "x"}, Limit{PerWindow: 0, Window: time.Second})
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = l.Check(context.Background(), Identity{Key: "x"}, Limit{PerWindow: 1})
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestLimiter_FailurePolicy(t *testing.T) {
	ctx := context.Background()
	id := Identity{Namespace: NamespaceIP, Key: "198.51.100.1"}
	limit := Limit{PerWindow: 10, Window: time.Minute}

	broken := storetest.Wrap(store.NewMemory())
	broken.FailOn(storetest.OpIncrement, storetest.Unavailable(storetest.OpIncrement))

	tests := []struct {
		name    string
		store   store.Store
		opts    []Option
		allowed bool
	}{
		{"closed by default", broken, nil, false},
		{"fail open", broken, []Option{WithFailOpen()}, true},
		{"open only when unconfigured, store down", broken, []Option{WithFailOpenUnconfigured()}, false},
		{"open only when unconfigured, no store", store.Unconfigured{}, []Option{WithFailOpenUnconfigured()}, true},
		{"no store, closed by default", store.Unconfigured{}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := metrics.NewMemory()
			l := New(tt.store, append(tt.opts, WithRecorder(rec))...)

			dec, err := l.Check(ctx, id, limit)
			require.Error(t, err)
			assert.True(t, errors.Is(err, store.ErrUnavailable))
			assert.True(t, dec.Degraded)
			assert.Equal(t, tt.allowed, dec.Allowed)
			assert.Equal(t, 1.0, rec.Counter("ratelimit.degraded"))
			if !tt.allowed {
				assert.Greater(t, dec.RetryAfter, time.Duration(0))
			}
		})
	}
}

func TestLimiter_ExpireFailureStillDecides(t *testing.T) {
	flaky := storetest.Wrap(store.NewMemory())
	flaky.FailOn(storetest.OpExpire, storetest.OperationFailed(storetest.OpExpire))
	l := New(flaky)

	dec, err := l.Check(context.Background(), Identity{Key: "x"}, Limit{PerWindow: 1, Window: time.Minute})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.False(t, dec.Degraded)
}
