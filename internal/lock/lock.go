// Package lock keeps a service's state single-writer across processes.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrHeld is returned when another instance owns the key.
var ErrHeld = errors.New("lock held by another instance")

type Lease interface {
	// Lost is closed when the lease could not be renewed.
	Lost() <-chan struct{}
	Release(ctx context.Context) error
}

type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Nop always grants the lease. Used when a single process runs.
type Nop struct{}

func (Nop) Acquire(context.Context, string) (Lease, error) { return nopLease{}, nil }

type nopLease struct{}

func (nopLease) Lost() <-chan struct{}         { return nil }
func (nopLease) Release(context.Context) error { return nil }

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Redis leases keys with SET NX PX and renews them at a third of the TTL
// while held.
type Redis struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedis(rdb redis.Cmdable, prefix string, ttl time.Duration, log *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if prefix == "" {
		prefix = "slotwatch:lock"
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl, log: log}
}

func (r *Redis) Acquire(ctx context.Context, key string) (Lease, error) {
	k := r.prefix + ":" + key
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	l := &redisLease{
		r:     r,
		key:   k,
		token: token,
		lost:  make(chan struct{}),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.renew()
	return l, nil
}

type redisLease struct {
	r     *Redis
	key   string
	token string

	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (l *redisLease) Lost() <-chan struct{} { return l.lost }

func (l *redisLease) renew() {
	defer close(l.done)
	t := time.NewTicker(l.r.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.r.ttl/3)
			n, err := renewScript.Run(ctx, l.r.rdb, []string{l.key}, l.token, l.r.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.r.log.Warn("lock renewal failed", zap.String("key", l.key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.r.log.Error("lock lost", zap.String("key", l.key))
				l.lostOnce.Do(func() { close(l.lost) })
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	return releaseScript.Run(ctx, l.r.rdb, []string{l.key}, l.token).Err()
}
