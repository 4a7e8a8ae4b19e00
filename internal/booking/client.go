// Package booking wraps the upstream protocol with the retry policy,
// the global rate limit, per-call timeouts and session refresh.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/slotwatch/internal/domain/reservation"
	"github.com/example/slotwatch/internal/session"
)

// Upstream performs single attempts against the booking backend.
type Upstream interface {
	ListDates(ctx context.Context, sess session.Session, branchID, serviceID string, adults int) ([]time.Time, error)
	ListSlots(ctx context.Context, sess session.Session, branchID, serviceID string, adults int, date time.Time) ([]reservation.Slot, error)
	Reserve(ctx context.Context, sess session.Session, req reservation.ReserveRequest) (reservation.Confirmation, error)
}

type Sessions interface {
	Current(ctx context.Context) (session.Session, error)
	Refresh(ctx context.Context, stale uint64) (session.Session, error)
}

type Metrics interface {
	UpstreamCall(op, result string)
	UpstreamRetry(op string)
}

// Policy bounds every call. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64
	MaxElapsed   time.Duration
	CallTimeout  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     time.Minute,
		Jitter:       0.2,
		MaxElapsed:   10 * time.Minute,
		CallTimeout:  30 * time.Second,
	}
}

type Client struct {
	up       Upstream
	sessions Sessions
	limiter  *rate.Limiter
	policy   Policy
	log      *zap.Logger
	metrics  Metrics
}

type Options struct {
	Policy Policy
	// Limiter is shared by every service; nil disables rate limiting.
	Limiter *rate.Limiter
	Metrics Metrics
}

func New(up Upstream, sessions Sessions, log *zap.Logger, opts Options) *Client {
	p := opts.Policy
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = def.MaxElapsed
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = def.CallTimeout
	}
	return &Client{up: up, sessions: sessions, limiter: opts.Limiter, policy: p, log: log, metrics: opts.Metrics}
}

func (c *Client) ListDates(ctx context.Context, branchID, serviceID string, adults int) ([]time.Time, error) {
	return call(ctx, c, "dates", []zap.Field{zap.String("branch", branchID), zap.String("service_id", serviceID)},
		func(ctx context.Context, sess session.Session) ([]time.Time, error) {
			return c.up.ListDates(ctx, sess, branchID, serviceID, adults)
		})
}

func (c *Client) ListSlots(ctx context.Context, branchID, serviceID string, adults int, date time.Time) ([]reservation.Slot, error) {
	return call(ctx, c, "times", []zap.Field{zap.String("branch", branchID), zap.String("service_id", serviceID), zap.String("date", reservation.FormatDate(date))},
		func(ctx context.Context, sess session.Session) ([]reservation.Slot, error) {
			return c.up.ListSlots(ctx, sess, branchID, serviceID, adults, date)
		})
}

// Reserve retries only transient failures that happened before the slot was
// held. Conflicts, upstream quota refusals and unconfirmed holds come back at
// once so the caller can re-list before trying the same date again.
func (c *Client) Reserve(ctx context.Context, req reservation.ReserveRequest) (reservation.Confirmation, error) {
	return call(ctx, c, "reserve", []zap.Field{zap.String("branch", req.BranchID), zap.String("service_id", req.ServiceID),
		zap.String("date", reservation.FormatDate(req.Slot.Date)), zap.String("time", req.Slot.Time)},
		func(ctx context.Context, sess session.Session) (reservation.Confirmation, error) {
			return c.up.Reserve(ctx, sess, req)
		})
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.policy.InitialDelay,
		RandomizationFactor: c.policy.Jitter,
		Multiplier:          c.policy.Multiplier,
		MaxInterval:         c.policy.MaxDelay,
	}
	b.Reset()
	return b
}

func call[T any](ctx context.Context, c *Client, op string, fields []zap.Field, fn func(context.Context, session.Session) (T, error)) (T, error) {
	attempt := 0
	refreshed := false
	log := c.log.With(append(fields, zap.String("op", op))...)

	operation := func() (T, error) {
		var zero T
		attempt++

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return zero, backoff.Permanent(err)
			}
		}

		sess, err := c.sessions.Current(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return zero, backoff.Permanent(ctx.Err())
			}
			return zero, backoff.Permanent(fmt.Errorf("acquire session: %w", err))
		}

		cctx, cancel := context.WithTimeout(ctx, c.policy.CallTimeout)
		res, err := fn(cctx, sess)
		cancel()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, reservation.ErrUnconfirmed) {
			// the slot is held upstream; repeating the chain would hold it again
			return zero, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return zero, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &reservation.UpstreamError{Op: op, Transient: true, Err: err}
		}

		if errors.Is(err, reservation.ErrSessionExpired) {
			if refreshed {
				return zero, backoff.Permanent(err)
			}
			refreshed = true
			log.Info("session expired, forcing refresh", zap.Int("attempt", attempt))
			if _, rerr := c.sessions.Refresh(ctx, sess.Generation); rerr != nil {
				return zero, backoff.Permanent(fmt.Errorf("%w (refresh failed: %v)", err, rerr))
			}
			return zero, err
		}
		if !reservation.IsTransient(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(c.policy.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.retried(op)
			log.Warn("upstream call failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("next", next), zap.Error(err))
		}),
	)
	if err == nil {
		c.observe(op, "ok")
		if attempt > 1 {
			log.Info("upstream call succeeded after retry", zap.Int("attempts", attempt))
		}
		return res, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	c.observe(op, outcome(err))
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return res, err
	}
	return res, fmt.Errorf("%s after %d attempt(s): %w", op, attempt, err)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, reservation.ErrUnconfirmed):
		return "unconfirmed"
	case errors.Is(err, reservation.ErrReservationConflict):
		return "conflict"
	case errors.Is(err, reservation.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, reservation.ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case reservation.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

func (c *Client) observe(op, result string) {
	if c.metrics != nil {
		c.metrics.UpstreamCall(op, result)
	}
}

func (c *Client) retried(op string) {
	if c.metrics != nil {
		c.metrics.UpstreamRetry(op)
	}
}
