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

func newRedisLocker(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, "test", ttl, zap.NewNop()), mr
}

func TestRedisExclusive(t *testing.T) {
	l, mr := newRedisLocker(t, time.Minute)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "ua/svc1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:ua/svc1"))
	assert.Equal(t, time.Minute, mr.TTL("test:ua/svc1"))

	_, err = l.Acquire(ctx, "ua/svc1")
	require.ErrorIs(t, err, ErrHeld)

	other, err := l.Acquire(ctx, "ua/svc2")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("test:ua/svc1"))

	again, err := l.Acquire(ctx, "ua/svc1")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisReleaseKeepsForeignLease(t *testing.T) {
	l, mr := newRedisLocker(t, time.Minute)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	// the key expired and another instance took it
	require.NoError(t, mr.Set("test:k", "someone-else"))

	require.NoError(t, lease.Release(ctx))
	v, err := mr.Get("test:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestRedisLeaseLost(t *testing.T) {
	l, mr := newRedisLocker(t, 60*time.Millisecond)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	mr.Del("test:k")

	select {
	case <-lease.Lost():
	case <-time.After(time.Second):
		t.Fatal("lease loss not reported")
	}
	require.NoError(t, lease.Release(ctx))
}

func TestNop(t *testing.T) {
	lease, err := Nop{}.Acquire(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, lease.Lost())
	assert.NoError(t, lease.Release(context.Background()))
}
