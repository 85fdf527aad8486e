package usage

import (
	"context"
	"errors"
	"strconv"
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

var noon = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

func newMeter(opts ...Option) (*Meter, *store.Memory, *storetest.Flaky, *clock.Manual) {
	clk := clock.NewManual(noon)
	mem := store.NewMemory(store.WithClock(clk))
	flaky := storetest.Wrap(mem)
	return New(flaky, append([]Option{WithClock(clk)}, opts...)...), mem, flaky, clk
}

func TestCheckAndConsume_FreshWindow(t *testing.T) {
	ctx := context.Background()
	m, mem, _, _ := newMeter()

	res, err := m.CheckAndConsume(ctx, "u1", Daily, 10, 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(3), res.Used)
	assert.Equal(t, int64(10), res.Limit)
	assert.Equal(t, int64(7), res.Remaining())
	assert.Equal(t, time.Date(2026, 6, 11, 0, 0, 0, 0, time.UTC), res.ResetAt)

	ttl, found := mem.TTL("usage:u1:d20260610")
	require.True(t, found)
	assert.Equal(t, 12*time.Hour, ttl, "TTL is the rest of the window")

	res, err = m.CheckAndConsume(ctx, "u1", Daily, 10, 7)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(10), res.Used)
	assert.Zero(t, res.Remaining())
}

func TestCheckAndConsume_DenialDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	m, _, flaky, _ := newMeter()

	_, err := m.CheckAndConsume(ctx, "u1", Monthly, 5, 4)
	require.NoError(t, err)

	res, err := m.CheckAndConsume(ctx, "u1", Monthly, 5, 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(4), res.Used)
	assert.Equal(t, 1, flaky.Calls(storetest.OpIncrement))

	res, err = m.CheckAndConsume(ctx, "u1", Monthly, 5, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheckAndConsume_TTLFloor(t *testing.T) {
	ctx := context.Background()
	m, mem, _, clk := newMeter(WithMinTTL(5 * time.Minute))
	clk.Set(time.Date(2026, 6, 10, 23, 59, 58, 0, time.UTC))

	_, err := m.CheckAndConsume(ctx, "u1", Daily, 10, 1)
	require.NoError(t, err)

	ttl, _ := mem.TTL("usage:u1:d20260610")
	assert.Equal(t, 5*time.Minute, ttl)
}

func TestCheckAndConsume_OnlyCreatorSetsTTL(t *testing.T) {
	ctx := context.Background()
	m, _, flaky, _ := newMeter()

	for range 4 {
		_, err := m.CheckAndConsume(ctx, "u1", Daily, 10, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, flaky.Calls(storetest.OpExpire))
}

func TestCheckAndConsume_WindowResetsByExpiry(t *testing.T) {
	ctx := context.Background()
	m, _, _, clk := newMeter()
	w := Epoch(time.Hour)

	res, err := m.CheckAndConsume(ctx, "u1", w, 2, 2)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = m.CheckAndConsume(ctx, "u1", w, 2, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	clk.Set(res.ResetAt)
	res, err = m.Check(ctx, "u1", w, 2, 1)
	require.NoError(t, err)
	assert.Zero(t, res.Used, "a new window starts at zero with no reset call")
	assert.True(t, res.Allowed)
}

func TestCheckAndConsume_InvalidAmount(t *testing.T) {
	m, _, _, _ := newMeter()
	_, err := m.CheckAndConsume(context.Background(), "u1", Daily, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = m.Check(context.Background(), "u1", Daily, 10, -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCheckAndConsume_StoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()

	m, _, flaky, _ := newMeter()
	flaky.FailOn(storetest.OpGet, storetest.Unavailable(storetest.OpGet))
	_, err := m.CheckAndConsume(ctx, "u1", Daily, 10, 1)
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	assert.Zero(t, flaky.Calls(storetest.OpIncrement))

	m, _, flaky, _ = newMeter()
	flaky.FailOn(storetest.OpIncrement, storetest.OperationFailed(storetest.OpIncrement))
	_, err = m.CheckAndConsume(ctx, "u1", Daily, 10, 1)
	assert.True(t, errors.Is(err, store.ErrOperationFailed))
}

func TestCheckAndConsume_ExpireFailureKeepsConsumption(t *testing.T) {
	ctx := context.Background()
	rec := metrics.NewMemory()
	m, _, flaky, _ := newMeter(WithRecorder(rec))
	flaky.FailOn(storetest.OpExpire, storetest.Unavailable(storetest.OpExpire))

	res, err := m.CheckAndConsume(ctx, "u1", Daily, 10, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1.0, rec.Counter("usage.expire_failed"))
}

// 301 concurrent single-unit calls against a limit of 300: at least 300 are
// granted, any extra grants are bounded by concurrency, and every denial
// saw a counter at or above the limit.
func TestCheckAndConsume_ConcurrentNearLimit(t *testing.T) {
	ctx := context.Background()
	m := New(store.NewMemory())
	const limit, callers = 300, 301

	var allowed atomic.Int64
	var wg sync.WaitGroup
	denials := make(chan Result, callers)
	wg.Add(callers)
	for range callers {
		go func() {
			defer wg.Done()
			res, err := m.CheckAndConsume(ctx, "u-hot", Monthly, limit, 1)
			if !assert.NoError(t, err) {
				return
			}
			if res.Allowed {
				allowed.Add(1)
			} else {
				denials <- res
			}
		}()
	}
	wg.Wait()
	close(denials)

	assert.GreaterOrEqual(t, allowed.Load(), int64(limit))
	assert.LessOrEqual(t, allowed.Load(), int64(limit+callers-1))
	for res := range denials {
		assert.GreaterOrEqual(t, res.Used, int64(limit))
	}
}

// When every caller reads before anyone increments, all of them pass the
// check. The overshoot stays within limit + in-flight - 1 and the counter
// records exactly what was granted.
func TestCheckAndConsume_BoundedOvershoot(t *testing.T) {
	ctx := context.Background()
	rec := metrics.NewMemory()
	m, mem, flaky, _ := newMeter(WithRecorder(rec))
	flaky.DelayOn(storetest.OpGet, 30*time.Millisecond)

	const limit, inflight = 5, 8
	var allowed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(inflight)
	for range inflight {
		go func() {
			defer wg.Done()
			res, err := m.CheckAndConsume(ctx, "u1", Daily, limit, 1)
			if assert.NoError(t, err) && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, allowed.Load(), int64(limit+inflight-1))
	assert.Greater(t, allowed.Load(), int64(limit), "the race window should have been hit")

	v, _, err := mem.Get(ctx, "usage:u1:d20260610")
	require.NoError(t, err)
	assert.Equal(t, allowed.Load(), mustInt(t, v))
	assert.Equal(t, float64(allowed.Load()-limit), rec.Counter("usage.overshoot"))

	flaky.Heal(storetest.OpGet)
	res, err := m.CheckAndConsume(ctx, "u1", Daily, limit, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "once committed, the overshoot blocks further use")
}

func mustInt(t *testing.T, b []byte) int64 {
	t.Helper()
	n, err := strconv.ParseInt(string(b), 10, 64)
	require.NoError(t, err)
	return n
}
