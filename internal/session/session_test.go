package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingProvider struct {
	acquires  atomic.Int32
	refreshes atomic.Int32
	delay     time.Duration
	err       error
}

func (p *countingProvider) Acquire(context.Context) (Session, error) {
	n := p.acquires.Add(1)
	return Session{Token: "acquired-" + string(rune('0'+n))}, p.err
}

func (p *countingProvider) Refresh(ctx context.Context) (Session, error) {
	p.refreshes.Add(1)
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
	if p.err != nil {
		return Session{}, p.err
	}
	return Session{Token: "refreshed"}, nil
}

func TestCurrentAcquiresOnce(t *testing.T) {
	p := &countingProvider{}
	m := NewManager(p, zap.NewNop(), ManagerOptions{})

	s1, err := m.Current(context.Background())
	require.NoError(t, err)
	s2, err := m.Current(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), p.acquires.Load())
	assert.Equal(t, s1.Generation, s2.Generation)
	assert.Equal(t, uint64(1), s1.Generation)
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	p := &countingProvider{delay: 50 * time.Millisecond}
	m := NewManager(p, zap.NewNop(), ManagerOptions{})
	cur, err := m.Current(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Refresh(context.Background(), cur.Generation)
			assert.NoError(t, err)
			assert.Equal(t, "refreshed", s.Token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), p.refreshes.Load())

	// a caller holding the old generation does not trigger another refresh
	s, err := m.Refresh(context.Background(), cur.Generation)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.refreshes.Load())
	assert.Greater(t, s.Generation, cur.Generation)
}

func TestRefreshFailureSurfaces(t *testing.T) {
	boom := errors.New("browser unavailable")
	p := &countingProvider{err: boom}
	m := NewManager(p, zap.NewNop(), ManagerOptions{})

	_, err := m.Refresh(context.Background(), 0)
	assert.ErrorIs(t, err, boom)
}

func TestRefreshCallerCancellation(t *testing.T) {
	p := &countingProvider{delay: time.Second}
	m := NewManager(p, zap.NewNop(), ManagerOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Refresh(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPProviderAcquire(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/site", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc", Path: "/"})
		w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("/rest/schedule/configuration", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("JSESSIONID")
		if err != nil || c.Value != "abc" {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"token":"csrf-1"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := &HTTPProvider{SiteURL: srv.URL + "/site", BaseURL: srv.URL + "/rest/schedule"}
	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "csrf-1", s.Token)
	require.Len(t, s.Cookies, 1)
	assert.Equal(t, "JSESSIONID", s.Cookies[0].Name)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.Apply(req)
	assert.Equal(t, "csrf-1", req.Header.Get(CSRFHeader))
	ck, err := req.Cookie("JSESSIONID")
	require.NoError(t, err)
	assert.Equal(t, "abc", ck.Value)
}

func TestHTTPProviderMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc", Path: "/"})
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := &HTTPProvider{SiteURL: srv.URL, BaseURL: srv.URL}
	_, err := p.Acquire(context.Background())
	assert.Error(t, err)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	secret := []byte("0123456789abcdef0123456789abcdef")
	c, err := NewRedisCache(rdb, "slotwatch:session", secret, time.Minute)
	require.NoError(t, err)

	_, ok, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	in := Session{Token: "plain-token-value", Cookies: []*http.Cookie{{Name: "JSESSIONID", Value: "abc"}}, AcquiredAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, c.Save(context.Background(), in))

	raw, err := mr.Get("slotwatch:session")
	require.NoError(t, err)
	assert.NotContains(t, raw, "plain-token-value", "cached value must be sealed")
	assert.True(t, mr.TTL("slotwatch:session") > 0)

	out, ok, err := c.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "plain-token-value", out.Token)
	assert.Equal(t, "abc", out.Cookies[0].Value)

	other, err := NewRedisCache(rdb, "slotwatch:session", []byte("another-secret-of-32-bytes-long!"), time.Minute)
	require.NoError(t, err)
	_, ok, err = other.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "a different secret must not open the entry")
}

func TestManagerUsesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	c, err := NewRedisCache(rdb, "s", []byte("0123456789abcdef"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.Save(context.Background(), Session{Token: "cached"}))

	p := &countingProvider{}
	m := NewManager(p, zap.NewNop(), ManagerOptions{Cache: c})
	s, err := m.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached", s.Token)
	assert.Zero(t, p.acquires.Load())
}

func TestDeriveKeysRejectsShortSecret(t *testing.T) {
	_, _, err := DeriveKeys([]byte("short"))
	assert.Error(t, err)
}
