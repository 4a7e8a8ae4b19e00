package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Metrics is the subset of counters the manager reports.
type Metrics interface {
	SessionRefreshed(result string)
}

type Manager struct {
	provider Provider
	cache    Cache
	log      *zap.Logger
	metrics  Metrics
	timeout  time.Duration

	mu  sync.RWMutex
	cur *Session
	gen uint64

	sf singleflight.Group
}

type ManagerOptions struct {
	// Cache is optional.
	Cache   Cache
	Metrics Metrics
	// Timeout bounds one acquire or refresh.
	Timeout time.Duration
}

func NewManager(p Provider, log *zap.Logger, opts ManagerOptions) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Manager{provider: p, cache: opts.Cache, log: log, metrics: opts.Metrics, timeout: opts.Timeout}
}

// Current returns the shared session, acquiring one on first use.
func (m *Manager) Current(ctx context.Context) (Session, error) {
	m.mu.RLock()
	cur := m.cur
	m.mu.RUnlock()
	if cur != nil {
		return *cur, nil
	}
	return m.do(ctx, "acquire", func(ctx context.Context) (Session, bool, error) {
		m.mu.RLock()
		cur := m.cur
		m.mu.RUnlock()
		if cur != nil {
			return *cur, true, nil
		}
		if m.cache != nil {
			s, ok, err := m.cache.Load(ctx)
			if err != nil {
				m.log.Warn("session cache load failed", zap.Error(err))
			} else if ok {
				m.log.Info("session restored from cache", zap.Time("acquired_at", s.AcquiredAt))
				return s, false, nil
			}
		}
		s, err := m.provider.Acquire(ctx)
		return s, false, err
	})
}

// Refresh forces a new session unless one newer than stale is already in
// place. Concurrent callers share one provider call.
func (m *Manager) Refresh(ctx context.Context, stale uint64) (Session, error) {
	m.mu.RLock()
	cur := m.cur
	m.mu.RUnlock()
	if cur != nil && cur.Generation > stale {
		return *cur, nil
	}
	return m.do(ctx, "refresh", func(ctx context.Context) (Session, bool, error) {
		m.mu.RLock()
		cur := m.cur
		m.mu.RUnlock()
		if cur != nil && cur.Generation > stale {
			return *cur, true, nil
		}
		s, err := m.provider.Refresh(ctx)
		return s, false, err
	})
}

// do runs fn under single-flight keyed by op. fn reports reused=true when
// it returned the session already installed.
func (m *Manager) do(ctx context.Context, op string, fn func(context.Context) (Session, bool, error)) (Session, error) {
	ch := m.sf.DoChan(op, func() (any, error) {
		// detached so one caller's cancellation does not fail the others
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()

		s, reused, err := fn(fctx)
		if err != nil {
			m.record("error")
			m.log.Error("session "+op+" failed", zap.Error(err))
			return nil, fmt.Errorf("session %s: %w", op, err)
		}
		if s.Token == "" {
			m.record("error")
			return nil, fmt.Errorf("session %s: %w", op, errEmptyToken)
		}

		if reused {
			return s, nil
		}

		m.mu.Lock()
		m.gen++
		s.Generation = m.gen
		if s.AcquiredAt.IsZero() {
			s.AcquiredAt = time.Now().UTC()
		}
		m.cur = &s
		m.mu.Unlock()

		if m.cache != nil {
			if err := m.cache.Save(fctx, s); err != nil {
				m.log.Warn("session cache save failed", zap.Error(err))
			}
		}
		m.record("ok")
		m.log.Info("session "+op+" succeeded", zap.Uint64("generation", s.Generation))
		return s, nil
	})

	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (m *Manager) record(result string) {
	if m.metrics != nil {
		m.metrics.SessionRefreshed(result)
	}
}

var errEmptyToken = errors.New("empty csrf token")
