// Package engine drives one service's polling and reservation cycle.
//
// The forward cursor only moves after the store confirms the write, so a
// restart resumes at the first date that was not durably closed out. The
// reset scan revisits closed dates inside a trailing window without ever
// moving the cursor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/slotwatch/internal/domain/reservation"
	"github.com/example/slotwatch/internal/state"
)

type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseListing   Phase = "LISTING"
	PhaseReserving Phase = "RESERVING"
	PhaseAdvancing Phase = "ADVANCING"
	PhaseResetScan Phase = "RESET_SCAN"
)

type Publisher interface {
	Publish(r reservation.Reservation)
	Alert(ch reservation.Channel, text string)
}

type Contacts interface {
	Next() (string, error)
}

type Metrics interface {
	Reserved(channel, service, source string)
	Advanced(channel, service, reason string)
}

type Options struct {
	// DatesPerTick bounds how many dates one forward tick may close out.
	DatesPerTick int
	// MaxFutureDays caps the horizon relative to today.
	MaxFutureDays int
	// ResetWindowDays is how many closed dates, counting back from the
	// cursor, the reset scan revisits.
	ResetWindowDays int
	PauseMin        time.Duration
	PauseMax        time.Duration
	// ShutdownGrace is how long an in-flight step may keep running after
	// the tick context is cancelled.
	ShutdownGrace  time.Duration
	PersistTimeout time.Duration
	Email          string
	Now            func() time.Time
	Metrics        Metrics
}

type Engine struct {
	cfg      reservation.ServiceConfig
	booker   reservation.Booker
	store    state.Store
	pub      Publisher
	contacts Contacts
	log      *zap.Logger
	opts     Options

	// held for the whole of a tick or reset scan
	sem chan struct{}

	mu        sync.RWMutex
	state     reservation.ServiceState
	loaded    bool
	phase     Phase
	lastTick  time.Time
	lastErr   string
	lastAlert string

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func New(cfg reservation.ServiceConfig, booker reservation.Booker, store state.Store, pub Publisher, contacts Contacts, log *zap.Logger, opts Options) *Engine {
	if opts.DatesPerTick <= 0 {
		opts.DatesPerTick = 1
	}
	if opts.MaxFutureDays <= 0 {
		opts.MaxFutureDays = 30
	}
	if opts.ResetWindowDays <= 0 {
		opts.ResetWindowDays = 7
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	if opts.PauseMax < opts.PauseMin {
		opts.PauseMax = opts.PauseMin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		cfg:      cfg,
		booker:   booker,
		store:    store,
		pub:      pub,
		contacts: contacts,
		log:      log.With(zap.String("service", cfg.Key().String()), zap.String("service_name", cfg.ServiceName)),
		opts:     opts,
		sem:      make(chan struct{}, 1),
		phase:    PhaseIdle,
		rnd:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

func (e *Engine) Key() reservation.ServiceKey { return e.cfg.Key() }

func (e *Engine) Config() reservation.ServiceConfig { return e.cfg }

// Tick runs the forward cycle: close out up to DatesPerTick dates starting
// at the processing date. Cancelling ctx stops the tick at the next step
// boundary; the step in flight keeps running for up to ShutdownGrace.
func (e *Engine) Tick(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	work, cancel := workContext(ctx, e.opts.ShutdownGrace)
	defer cancel()

	err := e.forward(ctx, work)
	e.finish("forward", err)
	return err
}

// ResetScan revisits closed dates for slots freed by cancellations.
func (e *Engine) ResetScan(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	work, cancel := workContext(ctx, e.opts.ShutdownGrace)
	defer cancel()

	err := e.resetScan(ctx, work)
	e.finish("reset", err)
	return err
}

func (e *Engine) forward(ctx, work context.Context) error {
	today := reservation.Day(e.opts.Now())
	if err := e.load(work, today); err != nil {
		return err
	}
	if err := e.fastForward(work, today); err != nil {
		return err
	}

	e.setPhase(PhaseListing)
	published, err := e.booker.ListDates(work, e.cfg.BranchID, e.cfg.ServiceID, e.cfg.Adults)
	if err != nil {
		return e.abort(reservation.FormatDate(e.current().ProcessingDate), "list dates", err)
	}
	horizon, open := e.horizon(today, published)

	for i := 0; i < e.opts.DatesPerTick; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		date := e.current().ProcessingDate
		if date.After(horizon) {
			e.log.Debug("cursor reached published horizon",
				zap.String("date", reservation.FormatDate(date)),
				zap.String("horizon", reservation.FormatDate(horizon)))
			return nil
		}
		if err := e.processDate(ctx, work, date, open[reservation.FormatDate(date)]); err != nil {
			return err
		}
	}
	return nil
}

// processDate walks one date through LISTING, RESERVING and ADVANCING.
func (e *Engine) processDate(ctx, work context.Context, date time.Time, published bool) error {
	day := reservation.FormatDate(date)
	quota := e.cfg.VisitsPerDay

	if e.current().ReservationsToday >= quota {
		return e.advance(work, date, "quota")
	}
	if !published {
		// inside the horizon but not offered upstream: nothing to book
		return e.advance(work, date, "not_published")
	}

	e.setPhase(PhaseListing)
	slots, err := e.booker.ListSlots(work, e.cfg.BranchID, e.cfg.ServiceID, e.cfg.Adults, date)
	if err != nil {
		return e.abort(day, "list slots", err)
	}
	if len(slots) == 0 {
		return e.advance(work, date, "empty")
	}

	e.setPhase(PhaseReserving)
	need := quota - e.current().ReservationsToday
	made, err := e.reservePool(ctx, work, date, slots, need, reservation.SourceForward)
	switch {
	case errors.Is(err, errUpstreamQuota):
		e.log.Warn("upstream refused further bookings, closing date",
			zap.String("date", day), zap.Int("reserved", made))
		return e.advance(work, date, "upstream_quota")
	case err != nil:
		return err
	}

	reason := "exhausted"
	if e.current().ReservationsToday >= quota {
		reason = "quota"
	}
	return e.advance(work, date, reason)
}

var errUpstreamQuota = errors.New("upstream quota reached")

// ErrLeaseLost, as the cancellation cause of a tick context, stops the tick
// without the shutdown grace: another instance may already own the service.
var ErrLeaseLost = errors.New("service lease lost")

// reservePool reserves slots earliest first until need reservations were
// made or the pool is exhausted. Conflicts move on to the next slot.
func (e *Engine) reservePool(ctx, work context.Context, date time.Time, slots []reservation.Slot, need int, src reservation.Source) (int, error) {
	day := reservation.FormatDate(date)
	made := 0
	for i, slot := range reservation.SortSlots(slots) {
		if made >= need {
			break
		}
		if err := ctx.Err(); err != nil {
			return made, err
		}
		if i > 0 {
			if err := e.pause(ctx); err != nil {
				return made, err
			}
		}

		contact, err := e.contacts.Next()
		if err != nil {
			return made, e.abort(day, "contact", err)
		}
		conf, err := e.booker.Reserve(work, reservation.ReserveRequest{
			BranchID:    e.cfg.BranchID,
			ServiceID:   e.cfg.ServiceID,
			ServiceName: e.cfg.ServiceName,
			QPID:        e.cfg.QPID,
			Adults:      e.cfg.Adults,
			Slot:        slot,
			Contact:     contact,
			Email:       e.opts.Email,
		})
		var unconfirmed *reservation.UnconfirmedError
		switch {
		case err == nil:
		case errors.As(err, &unconfirmed):
			// the appointment may exist upstream; stop before booking another
			// slot so the quota cannot be overrun
			e.log.Error("slot held but not confirmed",
				zap.String("date", day),
				zap.String("time", slot.Time),
				zap.String("appointment_id", unconfirmed.AppointmentID),
				zap.String("step", unconfirmed.Step),
				zap.String("contact", contact),
				zap.Error(err))
			return made, e.abort(day, "reserve "+slot.Time, fmt.Errorf("%w (contact %s)", err, contact))
		case errors.Is(err, reservation.ErrReservationConflict):
			e.log.Info("slot taken, trying next",
				zap.String("date", day), zap.String("time", slot.Time), zap.String("slot", slot.ID))
			continue
		case errors.Is(err, reservation.ErrQuotaExceeded):
			return made, errUpstreamQuota
		default:
			return made, e.abort(day, "reserve "+slot.Time, err)
		}

		r, err := e.record(work, date, slot, conf, contact, src)
		if err != nil {
			return made, err
		}
		made++
		e.pub.Publish(r)
	}
	return made, nil
}

// record persists a confirmed reservation before it is announced.
func (e *Engine) record(work context.Context, date time.Time, slot reservation.Slot, conf reservation.Confirmation, contact string, src reservation.Source) (reservation.Reservation, error) {
	var seq int64
	saved, err := e.persist(work, "record", func(st *reservation.ServiceState) error {
		seq = st.Record(date)
		return nil
	})
	r := reservation.NewReservation(e.cfg, slot, conf, contact, seq, src, e.opts.Now())
	if err != nil {
		// the booking exists upstream; announce it without a sequence so
		// the operator still learns the contact number
		r.Sequence = 0
		e.log.Error("reservation confirmed but not persisted",
			zap.String("date", reservation.FormatDate(date)),
			zap.String("time", slot.Time),
			zap.String("appointment_id", conf.AppointmentID),
			zap.String("contact", contact),
			zap.Error(err))
		e.pub.Publish(r)
		return r, err
	}
	e.setState(saved)
	if e.opts.Metrics != nil {
		e.opts.Metrics.Reserved(e.cfg.Channel.ID, e.cfg.ServiceID, string(src))
	}
	e.log.Info("reservation confirmed",
		zap.String("date", reservation.FormatDate(date)),
		zap.String("time", slot.Time),
		zap.String("appointment_id", conf.AppointmentID),
		zap.String("source", string(src)),
		zap.Int64("sequence", seq),
		zap.Int("reservations_today", saved.ReservationsToday))
	return r, nil
}

func (e *Engine) advance(work context.Context, date time.Time, reason string) error {
	e.setPhase(PhaseAdvancing)
	today := reservation.Day(e.opts.Now())
	var reserved int
	saved, err := e.persist(work, "advance", func(st *reservation.ServiceState) error {
		if !reservation.SameDay(st.ProcessingDate, date) {
			return fmt.Errorf("cursor at %s, expected %s", reservation.FormatDate(st.ProcessingDate), reservation.FormatDate(date))
		}
		reserved = st.ReservationsToday
		st.Advance()
		st.Prune(today)
		return nil
	})
	if err != nil {
		return err
	}
	e.setState(saved)
	if e.opts.Metrics != nil {
		e.opts.Metrics.Advanced(e.cfg.Channel.ID, e.cfg.ServiceID, reason)
	}
	e.log.Info("date closed",
		zap.String("date", reservation.FormatDate(date)),
		zap.String("reason", reason),
		zap.Int("reserved", reserved),
		zap.String("next", reservation.FormatDate(saved.ProcessingDate)))
	return nil
}

func (e *Engine) resetScan(ctx, work context.Context) error {
	e.setPhase(PhaseResetScan)
	today := reservation.Day(e.opts.Now())
	if err := e.load(work, today); err != nil {
		return err
	}
	st := e.current()
	if st.LastRegisteredDate == nil {
		return nil
	}
	last := *st.LastRegisteredDate
	from := last.AddDate(0, 0, -(e.opts.ResetWindowDays - 1))
	if from.Before(today) {
		from = today
	}

	quota := e.cfg.VisitsPerDay
	for d := from; !d.After(last); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		day := reservation.FormatDate(d)
		have := e.current().Count(d)
		if have >= quota {
			continue
		}

		slots, err := e.booker.ListSlots(work, e.cfg.BranchID, e.cfg.ServiceID, e.cfg.Adults, d)
		if err != nil {
			return e.abort(day, "reset list slots", err)
		}
		if len(slots) == 0 {
			continue
		}
		e.log.Info("reset scan found openings",
			zap.String("date", day), zap.Int("slots", len(slots)), zap.Int("have", have))

		_, err = e.reservePool(ctx, work, d, slots, quota-have, reservation.SourceReset)
		switch {
		case errors.Is(err, errUpstreamQuota):
			e.log.Warn("upstream refused further bookings during reset scan", zap.String("date", day))
		case err != nil:
			return err
		}
		e.setPhase(PhaseResetScan)
	}
	return nil
}

// load refreshes the in-memory state from the store, creating it from the
// configured seed on first use.
func (e *Engine) load(work context.Context, today time.Time) error {
	st, err := e.store.Load(work, e.cfg.Key())
	if errors.Is(err, state.ErrNotFound) {
		st, err = e.persist(work, "init", func(cur *reservation.ServiceState) error {
			if cur.ProcessingDate.IsZero() {
				*cur = reservation.NewState(e.cfg, today)
			}
			return nil
		})
		if err == nil {
			e.log.Info("service state initialised",
				zap.String("processing_date", reservation.FormatDate(st.ProcessingDate)))
		}
	} else if err != nil {
		err = &reservation.PersistenceError{Key: e.cfg.Key(), Op: "load", Err: err}
	}
	if err != nil {
		return err
	}
	e.setState(st)
	return nil
}

// fastForward moves a cursor left in the past up to today. Past dates
// cannot be booked any more.
func (e *Engine) fastForward(work context.Context, today time.Time) error {
	st := e.current()
	if !st.ProcessingDate.Before(today) {
		return nil
	}
	from := st.ProcessingDate
	saved, err := e.persist(work, "fast_forward", func(cur *reservation.ServiceState) error {
		yesterday := today.AddDate(0, 0, -1)
		cur.LastRegisteredDate = &yesterday
		cur.ProcessingDate = today
		cur.ReservationsToday = 0
		cur.Prune(today)
		return nil
	})
	if err != nil {
		return err
	}
	e.setState(saved)
	e.log.Warn("cursor behind today, fast-forwarded",
		zap.String("from", reservation.FormatDate(from)),
		zap.String("to", reservation.FormatDate(today)),
		zap.Int("skipped_days", int(today.Sub(from).Hours()/24)))
	return nil
}

// horizon is the last date the cursor may reach this tick: the latest
// published date, capped at today plus MaxFutureDays.
func (e *Engine) horizon(today time.Time, published []time.Time) (time.Time, map[string]bool) {
	limit := today.AddDate(0, 0, e.opts.MaxFutureDays)
	h := today.AddDate(0, 0, -1)
	open := make(map[string]bool, len(published))
	for _, d := range published {
		d = reservation.Day(d)
		if d.Before(today) || d.After(limit) {
			continue
		}
		open[reservation.FormatDate(d)] = true
		if d.After(h) {
			h = d
		}
	}
	return h, open
}

func (e *Engine) persist(work context.Context, op string, fn state.UpdateFunc) (reservation.ServiceState, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(work), e.opts.PersistTimeout)
	defer cancel()
	saved, err := e.store.Update(pctx, e.cfg.Key(), fn)
	if err != nil {
		return reservation.ServiceState{}, &reservation.PersistenceError{Key: e.cfg.Key(), Op: op, Err: err}
	}
	return saved, nil
}

// abort wraps an upstream failure that ends the tick without moving the cursor.
func (e *Engine) abort(day, step string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s %s: %w", step, day, err)
}

func (e *Engine) finish(kind string, err error) {
	e.mu.Lock()
	e.phase = PhaseIdle
	e.lastTick = e.opts.Now()
	if err != nil {
		e.lastErr = err.Error()
	} else {
		e.lastErr = ""
		e.lastAlert = ""
	}
	alert := err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) && err.Error() != e.lastAlert
	if alert {
		e.lastAlert = err.Error()
	}
	e.mu.Unlock()

	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		e.log.Info(kind+" tick stopped by shutdown")
		return
	}
	fields := []zap.Field{zap.String("kind", kind), zap.String("processing_date", reservation.FormatDate(e.current().ProcessingDate)), zap.Error(err)}
	if reservation.IsPersistence(err) {
		e.log.Error("tick aborted, state not persisted", fields...)
	} else {
		e.log.Warn("tick aborted, retrying on next tick", fields...)
	}
	if alert && e.pub != nil {
		e.pub.Alert(e.cfg.Channel, fmt.Sprintf("%s (%s): %v", e.cfg.ServiceName, e.cfg.BranchName, err))
	}
}

func (e *Engine) pause(ctx context.Context) error {
	d := e.opts.PauseMin
	if span := e.opts.PauseMax - e.opts.PauseMin; span > 0 {
		e.rndMu.Lock()
		d += time.Duration(e.rnd.Int64N(int64(span)))
		e.rndMu.Unlock()
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() { <-e.sem }

func (e *Engine) current() reservation.ServiceState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(st reservation.ServiceState) {
	e.mu.Lock()
	e.state = st
	e.loaded = true
	e.mu.Unlock()
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// workContext returns a context that outlives ctx by grace, so a step that
// already started can reach its checkpoint after shutdown begins. A lost
// lease cancels it at once.
func workContext(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	work, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		if grace <= 0 || errors.Is(context.Cause(ctx), ErrLeaseLost) {
			cancel(context.Cause(ctx))
			return
		}
		time.AfterFunc(grace, func() { cancel(context.Canceled) })
	})
	return work, func() {
		stop()
		cancel(context.Canceled)
	}
}
