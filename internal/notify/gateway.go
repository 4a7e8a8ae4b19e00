// Package notify fans confirmed reservations and operator alerts out to
// destinations. Each destination has its own queue, worker and retry
// budget, so a failing destination never delays another one or the
// engine that published the event.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/example/slotwatch/internal/domain/reservation"
)

type Kind string

const (
	KindReservation Kind = "reservation"
	KindAlert       Kind = "alert"
)

// Event is one item handed to destinations. Exactly one of Reservation
// and Alert is set.
type Event struct {
	Kind        Kind
	Reservation *reservation.Reservation
	Alert       *Alert
}

type Alert struct {
	Channel reservation.Channel
	Text    string
	At      time.Time
}

func (e Event) channel() reservation.Channel {
	if e.Reservation != nil {
		return e.Reservation.Channel
	}
	if e.Alert != nil {
		return e.Alert.Channel
	}
	return reservation.Channel{}
}

type Destination interface {
	Name() string
	Accepts(ev Event) bool
	// Deliver makes one attempt. Errors wrapped with backoff.Permanent are
	// not retried.
	Deliver(ctx context.Context, ev Event) error
}

type Metrics interface {
	Delivered(destination, result string)
	Dropped(destination string)
}

type Options struct {
	QueueSize      int
	MaxAttempts    int
	InitialDelay   time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	Metrics        Metrics
}

type Gateway struct {
	log     *zap.Logger
	opts    Options
	workers []*worker

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type worker struct {
	dest  Destination
	queue chan Event
	// highest reservation sequence handled per service
	seen map[reservation.ServiceKey]int64
}

func NewGateway(log *zap.Logger, opts Options, dests ...Destination) *Gateway {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 2
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Minute
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{log: log, opts: opts, ctx: ctx, cancel: cancel}
	for _, d := range dests {
		w := &worker{dest: d, queue: make(chan Event, opts.QueueSize), seen: map[reservation.ServiceKey]int64{}}
		g.workers = append(g.workers, w)
		g.wg.Add(1)
		go g.run(w)
	}
	return g
}

// Publish enqueues r for every destination that accepts it. It never blocks.
func (g *Gateway) Publish(r reservation.Reservation) {
	g.enqueue(Event{Kind: KindReservation, Reservation: &r})
}

// Alert forwards an operational failure to the channel's destinations.
func (g *Gateway) Alert(ch reservation.Channel, text string) {
	g.enqueue(Event{Kind: KindAlert, Alert: &Alert{Channel: ch, Text: text, At: time.Now().UTC()}})
}

func (g *Gateway) enqueue(ev Event) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		g.log.Warn("notification after close dropped", zap.String("kind", string(ev.Kind)))
		return
	}
	for _, w := range g.workers {
		if !w.dest.Accepts(ev) {
			continue
		}
		select {
		case w.queue <- ev:
		default:
			g.dropped(w.dest.Name())
			g.log.Error("notification queue full, event dropped",
				zap.String("destination", w.dest.Name()),
				zap.String("kind", string(ev.Kind)),
				zap.String("channel", ev.channel().ID))
		}
	}
}

// Close stops intake and waits for queued events to drain. When ctx ends
// first, in-flight deliveries are cancelled.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	for _, w := range g.workers {
		close(w.queue)
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.cancel()
		<-done
		return ctx.Err()
	}
}

func (g *Gateway) run(w *worker) {
	defer g.wg.Done()
	for ev := range w.queue {
		if ev.Reservation != nil {
			key := ev.Reservation.Key
			if ev.Reservation.Sequence > 0 && ev.Reservation.Sequence <= w.seen[key] {
				g.log.Debug("duplicate reservation notification skipped",
					zap.String("destination", w.dest.Name()),
					zap.String("service", key.String()),
					zap.Int64("sequence", ev.Reservation.Sequence))
				continue
			}
		}
		err := g.deliver(w.dest, ev)
		if ev.Reservation != nil && (err == nil || !errors.Is(err, context.Canceled)) {
			if ev.Reservation.Sequence > w.seen[ev.Reservation.Key] {
				w.seen[ev.Reservation.Key] = ev.Reservation.Sequence
			}
		}
	}
}

func (g *Gateway) deliver(dest Destination, ev Event) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     g.opts.InitialDelay,
		RandomizationFactor: 0.2,
		Multiplier:          g.opts.Multiplier,
		MaxInterval:         g.opts.MaxDelay,
	}
	b.Reset()

	attempts := 0
	_, err := backoff.Retry(g.ctx, func() (struct{}, error) {
		attempts++
		ctx, cancel := context.WithTimeout(g.ctx, g.opts.AttemptTimeout)
		defer cancel()
		return struct{}{}, dest.Deliver(ctx, ev)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.log.Warn("notification delivery failed, retrying",
				zap.String("destination", dest.Name()),
				zap.Int("attempt", attempts),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		g.delivered(dest.Name(), "ok")
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	derr := &reservation.DeliveryError{Destination: dest.Name(), Attempts: attempts, Err: err}
	g.delivered(dest.Name(), "failed")
	fields := []zap.Field{zap.String("kind", string(ev.Kind)), zap.Error(derr)}
	if ev.Reservation != nil {
		fields = append(fields,
			zap.String("service", ev.Reservation.Key.String()),
			zap.Int64("sequence", ev.Reservation.Sequence),
			zap.String("date", reservation.FormatDate(ev.Reservation.Date)))
	}
	g.log.Error("notification delivery gave up", fields...)
	return derr
}

func (g *Gateway) delivered(dest, result string) {
	if g.opts.Metrics != nil {
		g.opts.Metrics.Delivered(dest, result)
	}
}

func (g *Gateway) dropped(dest string) {
	if g.opts.Metrics != nil {
		g.opts.Metrics.Dropped(dest)
	}
}
