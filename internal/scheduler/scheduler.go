// Package scheduler drives every configured service on its own cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/slotwatch/internal/domain/reservation"
	"github.com/example/slotwatch/internal/engine"
	"github.com/example/slotwatch/internal/lock"
)

// Service is one engine as seen by the scheduler.
type Service interface {
	Key() reservation.ServiceKey
	Tick(ctx context.Context) error
	ResetScan(ctx context.Context) error
	Snapshot() engine.Snapshot
}

type Metrics interface {
	Tick(kind, result string, seconds float64)
	TickStarted()
	TickFinished()
}

type Options struct {
	PollInterval time.Duration
	// Concurrency caps ticks running at once across all services.
	Concurrency int64
	// ResetSchedule is a cron expression; empty disables the reset cycle.
	ResetSchedule string
	Location      *time.Location
	// PersistenceFailureLimit consecutive persistence failures halt scheduling.
	PersistenceFailureLimit int
	Locker                  lock.Locker
	Metrics                 Metrics
}

type Scheduler struct {
	log  *zap.Logger
	opts Options
	sem  *semaphore.Weighted

	services []*slot

	mu       sync.Mutex
	failures int

	wg sync.WaitGroup
}

type slot struct {
	svc   Service
	reset chan struct{}
}

func New(log *zap.Logger, opts Options, services ...Service) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PersistenceFailureLimit <= 0 {
		opts.PersistenceFailureLimit = 5
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Locker == nil {
		opts.Locker = lock.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	s := &Scheduler{log: log, opts: opts, sem: semaphore.NewWeighted(opts.Concurrency)}
	for _, svc := range services {
		s.services = append(s.services, &slot{svc: svc, reset: make(chan struct{}, 1)})
	}
	return s
}

// Run blocks until ctx is cancelled or the state store is declared down.
// In-flight ticks are waited for before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if s.opts.ResetSchedule != "" {
		c := cron.New(cron.WithLocation(s.opts.Location))
		if _, err := c.AddFunc(s.opts.ResetSchedule, func() { s.TriggerReset() }); err != nil {
			return fmt.Errorf("reset schedule %q: %w", s.opts.ResetSchedule, err)
		}
		c.Start()
		defer c.Stop()
	}

	for _, sl := range s.services {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, cancel, sl)
		}()
	}
	s.log.Info("scheduler started",
		zap.Int("services", len(s.services)),
		zap.Duration("poll_interval", s.opts.PollInterval),
		zap.Int64("concurrency", s.opts.Concurrency),
		zap.String("reset_schedule", s.opts.ResetSchedule))

	<-ctx.Done()
	s.wg.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, reservation.ErrPersistenceOutage) {
		return cause
	}
	return ctx.Err()
}

// TriggerReset queues a reset scan on every service and returns how many
// were queued. A service with a scan already pending is not queued twice.
func (s *Scheduler) TriggerReset() int {
	n := 0
	for _, sl := range s.services {
		select {
		case sl.reset <- struct{}{}:
			n++
		default:
		}
	}
	return n
}

func (s *Scheduler) Snapshots() []engine.Snapshot {
	out := make([]engine.Snapshot, 0, len(s.services))
	for _, sl := range s.services {
		out = append(out, sl.svc.Snapshot())
	}
	return out
}

// loop runs forward ticks and reset scans for one service, one at a time.
func (s *Scheduler) loop(ctx context.Context, halt context.CancelCauseFunc, sl *slot) {
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()

	// kick immediately
	s.run(ctx, halt, sl.svc, "forward", sl.svc.Tick)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.run(ctx, halt, sl.svc, "forward", sl.svc.Tick)
		case <-sl.reset:
			s.run(ctx, halt, sl.svc, "reset", sl.svc.ResetScan)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, halt context.CancelCauseFunc, svc Service, kind string, fn func(context.Context) error) {
	log := s.log.With(zap.String("service", svc.Key().String()), zap.String("kind", kind))

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	lease, err := s.opts.Locker.Acquire(ctx, svc.Key().String())
	if errors.Is(err, lock.ErrHeld) {
		log.Debug("service owned by another instance, skipping")
		s.opts.Metrics.Tick(kind, "skipped", 0)
		return
	}
	if err != nil {
		log.Warn("lock acquire failed, skipping", zap.Error(err))
		s.opts.Metrics.Tick(kind, "lock_error", 0)
		return
	}

	tctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-lease.Lost():
			log.Warn("lease lost, stopping tick")
			cancel(engine.ErrLeaseLost)
		case <-tctx.Done():
		}
	}()
	defer func() {
		cancel(nil)
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer rcancel()
		if err := lease.Release(rctx); err != nil {
			log.Warn("lock release failed", zap.Error(err))
		}
	}()

	start := time.Now()
	s.opts.Metrics.TickStarted()
	err = fn(tctx)
	s.opts.Metrics.TickFinished()
	s.opts.Metrics.Tick(kind, result(err), time.Since(start).Seconds())

	s.observe(halt, err)
}

// observe counts consecutive persistence failures across services and
// halts scheduling once the limit is reached.
func (s *Scheduler) observe(halt context.CancelCauseFunc, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !reservation.IsPersistence(err) {
		if err == nil {
			s.failures = 0
		}
		return
	}
	s.failures++
	if s.failures < s.opts.PersistenceFailureLimit {
		return
	}
	s.log.Error("state store unavailable, halting scheduler",
		zap.Int("consecutive_failures", s.failures), zap.Error(err))
	halt(fmt.Errorf("%w: %d consecutive failures: %w", reservation.ErrPersistenceOutage, s.failures, err))
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case reservation.IsPersistence(err):
		return "persistence_error"
	default:
		return "error"
	}
}

type nopMetrics struct{}

func (nopMetrics) Tick(string, string, float64) {}
func (nopMetrics) TickStarted()                 {}
func (nopMetrics) TickFinished()                {}
