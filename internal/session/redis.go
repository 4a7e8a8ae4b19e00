package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/hkdf"
)

const cookieName = "slotwatch-session"

// RedisCache stores the session sealed with securecookie so a restarted
// process can reuse it.
type RedisCache struct {
	rdb *redis.Client
	key string
	ttl time.Duration
	sc  *securecookie.SecureCookie
}

type cachedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type cachedSession struct {
	Token      string         `json:"token"`
	Cookies    []cachedCookie `json:"cookies"`
	AcquiredAt time.Time      `json:"acquired_at"`
}

// DeriveKeys expands secret into a securecookie hash key and block key.
func DeriveKeys(secret []byte) (hashKey, blockKey []byte, err error) {
	if len(secret) < 16 {
		return nil, nil, errors.New("session secret must be at least 16 bytes")
	}
	hashKey = make([]byte, 32)
	blockKey = make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("slotwatch session hash")), hashKey); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("slotwatch session block")), blockKey); err != nil {
		return nil, nil, err
	}
	return hashKey, blockKey, nil
}

func NewRedisCache(rdb *redis.Client, key string, secret []byte, ttl time.Duration) (*RedisCache, error) {
	hashKey, blockKey, err := DeriveKeys(secret)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	sc := securecookie.New(hashKey, blockKey)
	sc.SetSerializer(securecookie.JSONEncoder{})
	sc.MaxAge(int(ttl / time.Second))
	sc.MaxLength(0)
	return &RedisCache{rdb: rdb, key: key, ttl: ttl, sc: sc}, nil
}

func (c *RedisCache) Load(ctx context.Context) (Session, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}

	var cs cachedSession
	if err := c.sc.Decode(cookieName, raw, &cs); err != nil {
		// unreadable entries are treated as a miss
		_ = c.rdb.Del(ctx, c.key).Err()
		return Session{}, false, nil
	}

	s := Session{Token: cs.Token, AcquiredAt: cs.AcquiredAt}
	for _, ck := range cs.Cookies {
		s.Cookies = append(s.Cookies, &http.Cookie{Name: ck.Name, Value: ck.Value})
	}
	return s, s.Token != "", nil
}

func (c *RedisCache) Save(ctx context.Context, s Session) error {
	cs := cachedSession{Token: s.Token, AcquiredAt: s.AcquiredAt}
	for _, ck := range s.Cookies {
		cs.Cookies = append(cs.Cookies, cachedCookie{Name: ck.Name, Value: ck.Value})
	}
	enc, err := c.sc.Encode(cookieName, cs)
	if err != nil {
		return fmt.Errorf("seal session: %w", err)
	}
	return c.rdb.Set(ctx, c.key, enc, c.ttl).Err()
}
