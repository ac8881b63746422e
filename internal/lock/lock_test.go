package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewManager(rdb, zap.NewNop().Sugar()), mr
}

func TestBatchLock_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	m, mr := newManager(t)

	l, err := m.AcquireBatch(ctx, 7)
	require.NoError(t, err)

	_, err = m.AcquireBatch(ctx, 7)
	assert.ErrorIs(t, err, ErrNotAcquired)

	ttl := mr.TTL("batch-processing/campaign/7")
	assert.Equal(t, BatchTTL, ttl)

	require.NoError(t, l.Release(ctx))
	assert.ErrorIs(t, l.Release(ctx), ErrNotHeld)

	_, err = m.AcquireBatch(ctx, 7)
	assert.NoError(t, err)
}

func TestRelease_DoesNotStealAfterExpiry(t *testing.T) {
	ctx := context.Background()
	m, mr := newManager(t)

	old, err := m.AcquirePrefetch(ctx, 3)
	require.NoError(t, err)
	mr.FastForward(PrefetchTTL + time.Second)

	cur, err := m.AcquirePrefetch(ctx, 3)
	require.NoError(t, err)

	assert.ErrorIs(t, old.Release(ctx), ErrNotHeld)
	v, _ := mr.Get("prefetch/lock/user/3")
	assert.Equal(t, cur.token, v)
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	m, mr := newManager(t)

	l, err := m.AcquireBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, l.Extend(ctx, 10*time.Minute))
	assert.Equal(t, 10*time.Minute, mr.TTL(l.key))
}

func TestStampAutoQueue_Cooldown(t *testing.T) {
	ctx := context.Background()
	m, mr := newManager(t)
	now := time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)

	ok, err := m.StampAutoQueue(ctx, 7, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, CooldownTTL, mr.TTL("auto-queue/7/attempt"))

	ok, _ = m.StampAutoQueue(ctx, 7, now.Add(10*time.Second))
	assert.False(t, ok, "inside window")

	ok, _ = m.StampAutoQueue(ctx, 7, now.Add(31*time.Second))
	assert.True(t, ok, "stamp older than window")
}

func TestHoldExpires(t *testing.T) {
	ctx := context.Background()
	m, mr := newManager(t)

	held, err := m.Held(ctx, "pace/x")
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, m.Hold(ctx, "pace/x", 5*time.Minute))
	held, _ = m.Held(ctx, "pace/x")
	assert.True(t, held)

	mr.FastForward(5 * time.Minute)
	held, _ = m.Held(ctx, "pace/x")
	assert.False(t, held)

	require.NoError(t, m.Hold(ctx, "pace/y", 0))
	assert.False(t, mr.Exists("pace/y"))
}
