package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/slotwatch/internal/domain/reservation"
	"github.com/example/slotwatch/internal/state"
)

var today = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func day(offset int) time.Time { return today.AddDate(0, 0, offset) }

func slot(d time.Time, clock string) reservation.Slot {
	return reservation.Slot{ID: reservation.FormatDate(d) + "T" + clock, Date: d, Time: clock}
}

type fakeBooker struct {
	mu         sync.Mutex
	dates      []time.Time
	datesErr   error
	slots      map[string][]reservation.Slot
	slotsErr   error
	reserveErr map[string]error
	block      chan struct{}

	listed   []string
	reserved []reservation.ReserveRequest
}

func newBooker(dates ...time.Time) *fakeBooker {
	return &fakeBooker{dates: dates, slots: map[string][]reservation.Slot{}, reserveErr: map[string]error{}}
}

func (b *fakeBooker) ListDates(context.Context, string, string, int) ([]time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dates, b.datesErr
}

func (b *fakeBooker) ListSlots(ctx context.Context, _, _ string, _ int, date time.Time) ([]reservation.Slot, error) {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := reservation.FormatDate(date)
	b.listed = append(b.listed, key)
	if b.slotsErr != nil {
		return nil, b.slotsErr
	}
	return append([]reservation.Slot(nil), b.slots[key]...), nil
}

func (b *fakeBooker) Reserve(_ context.Context, req reservation.ReserveRequest) (reservation.Confirmation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserved = append(b.reserved, req)
	if err := b.reserveErr[req.Slot.ID]; err != nil {
		return reservation.Confirmation{}, err
	}
	return reservation.Confirmation{AppointmentID: "A-" + req.Slot.ID, SlotLength: 20}, nil
}

type fakePub struct {
	mu     sync.Mutex
	res    []reservation.Reservation
	alerts []string
}

func (p *fakePub) Publish(r reservation.Reservation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.res = append(p.res, r)
}

func (p *fakePub) Alert(_ reservation.Channel, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, text)
}

// failingStore starts failing writes once ok successful updates went through.
type failingStore struct {
	*state.Memory
	mu sync.Mutex
	ok int
}

func (s *failingStore) Update(ctx context.Context, key reservation.ServiceKey, fn state.UpdateFunc) (reservation.ServiceState, error) {
	s.mu.Lock()
	if s.ok <= 0 {
		s.mu.Unlock()
		return reservation.ServiceState{}, errors.New("connection refused")
	}
	s.ok--
	s.mu.Unlock()
	return s.Memory.Update(ctx, key, fn)
}

type fixture struct {
	cfg    reservation.ServiceConfig
	booker *fakeBooker
	store  state.Store
	pub    *fakePub
	opts   Options
}

func newFixture(b *fakeBooker) *fixture {
	return &fixture{
		cfg: reservation.ServiceConfig{
			Channel:      reservation.Channel{ID: "ua", Name: "Ukraina", ChatID: "-100"},
			BranchID:     "br1",
			BranchName:   "Wroclaw",
			ServiceID:    "svc1",
			ServiceName:  "Karta pobytu",
			Adults:       1,
			VisitsPerDay: 2,
		},
		booker: b,
		store:  state.NewMemory(),
		pub:    &fakePub{},
		opts: Options{
			DatesPerTick:    1,
			MaxFutureDays:   30,
			ResetWindowDays: 7,
			PersistTimeout:  time.Second,
			Email:           "bot@example.com",
			Now:             func() time.Time { return today.Add(9 * time.Hour) },
		},
	}
}

func (f *fixture) engine() *Engine {
	contacts := reservation.NewContactGenerator([]string{"50"}, rand.NewPCG(1, 2))
	return New(f.cfg, f.booker, f.store, f.pub, contacts, zap.NewNop(), f.opts)
}

func (f *fixture) stored(t *testing.T) reservation.ServiceState {
	t.Helper()
	st, err := f.store.Load(context.Background(), f.cfg.Key())
	require.NoError(t, err)
	return st
}

func TestTickEmptyDateAdvancesImmediately(t *testing.T) {
	f := newFixture(newBooker(day(0), day(1)))
	e := f.engine()

	require.NoError(t, e.Tick(context.Background()))

	st := f.stored(t)
	require.NotNil(t, st.LastRegisteredDate)
	assert.Equal(t, day(0), *st.LastRegisteredDate)
	assert.Equal(t, day(1), st.ProcessingDate)
	assert.Equal(t, 0, st.ReservationsToday)
	assert.Empty(t, f.booker.reserved)
	assert.Empty(t, f.pub.res)
}

func TestTickReservesEarliestSlotsUpToQuota(t *testing.T) {
	b := newBooker(day(0))
	b.slots[reservation.FormatDate(day(0))] = []reservation.Slot{
		slot(day(0), "10:00"), slot(day(0), "9:00"), slot(day(0), "11:00"),
	}
	f := newFixture(b)
	e := f.engine()

	require.NoError(t, e.Tick(context.Background()))

	require.Len(t, b.reserved, 2)
	assert.Equal(t, "9:00", b.reserved[0].Slot.Time)
	assert.Equal(t, "10:00", b.reserved[1].Slot.Time)
	assert.Equal(t, "bot@example.com", b.reserved[0].Email)
	assert.Regexp(t, `^4850[0-9]{6}$`, b.reserved[0].Contact)

	require.Len(t, f.pub.res, 2)
	assert.Equal(t, int64(1), f.pub.res[0].Sequence)
	assert.Equal(t, int64(2), f.pub.res[1].Sequence)
	assert.Equal(t, reservation.SourceForward, f.pub.res[0].Source)
	assert.Equal(t, "A-2026-03-02T9:00", f.pub.res[0].AppointmentID)

	st := f.stored(t)
	assert.Equal(t, day(0), *st.LastRegisteredDate)
	assert.Equal(t, day(1), st.ProcessingDate)
	assert.Equal(t, 0, st.ReservationsToday)
	assert.Equal(t, 2, st.Count(day(0)))
	assert.Equal(t, int64(2), st.Sequence)
}

func TestTickConflictMovesToNextSlot(t *testing.T) {
	b := newBooker(day(0))
	b.slots[reservation.FormatDate(day(0))] = []reservation.Slot{slot(day(0), "09:00"), slot(day(0), "10:00")}
	b.reserveErr["2026-03-02T09:00"] = reservation.ErrReservationConflict
	f := newFixture(b)
	f.cfg.VisitsPerDay = 1
	e := f.engine()

	require.NoError(t, e.Tick(context.Background()))

	require.Len(t, f.pub.res, 1)
	assert.Equal(t, "10:00", f.pub.res[0].Time)
	assert.Equal(t, day(1), f.stored(t).ProcessingDate)
}

func TestTickExhaustedPoolStillAdvances(t *testing.T) {
	b := newBooker(day(0))
	b.slots[reservation.FormatDate(day(0))] = []reservation.Slot{slot(day(0), "09:00")}
	f := newFixture(b)
	e := f.engine()

	require.NoError(t, e.Tick(context.Background()))

	st := f.stored(t)
	assert.Equal(t, day(1), st.ProcessingDate)
	assert.Equal(t, 1, st.Count(day(0)))
}

func TestTickListingFailureKeepsStateAndAlertsOnce(t *testing.T) {
	b := newBooker(day(0))
	b.slotsErr = &reservation.UpstreamError{Op: "list slots", StatusCode: 503, Transient: true}
	f := newFixture(b)
	e := f.engine()

	err := e.Tick(context.Background())
	require.Error(t, err)
	err = e.Tick(context.Background())
	require.Error(t, err)

	st := f.stored(t)
	assert.Nil(t, st.LastRegisteredDate)
	assert.Equal(t, day(0), st.ProcessingDate)
	assert.Len(t, f.pub.alerts, 1)
	assert.Contains(t, f.pub.alerts[0], "Karta pobytu")

	snap := e.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.NotEmpty(t, snap.LastError)
}

func TestTickReserveFailureDoesNotAdvance(t *testing.T) {
	b := newBooker(day(0))
	b.slots[reservation.FormatDate(day(0))] = []reservation.Slot{slot(day(0), "09:00")}
	b.reserveErr["2026-03-02T09:00"] = errors.New("reserve after 5 attempt(s): upstream 502")
	f := newFixture(b)
	e := f.engine()

	require.Error(t, e.Tick(context.Background()))

	assert.Empty(t, f.pub.res)
	st := f.stored(t)
	assert.Equal(t, day(0), st.ProcessingDate)
	assert.Equal(t, 0, st.Count(day(0)))
}

func TestTickHonoursHorizon(t *testing.T) {
	f := newFixture(newBooker(day(0), day(1)))
	f.opts.DatesPerTick = 5
	e := f.engine()

	require.NoError(t, e.Tick(context.Background()))

	st := f.stored(t)
	assert.Equal(t, day(1), *st.LastRegisteredDate)
	assert.Equal(t, day(2), st.ProcessingDate)
	assert.Equal(t, []string{"2026-03-02", "2026-03-03"}, f.booker.listed)

	// nothing new published: the cursor stays put
	require.NoError(t, e.Tick(context.Background()))
	assert.Equal(t, day(2), f.stored(t).ProcessingDate)
}

func TestTickHorizonCappedByMaxFutureDays(t *testing.T) {
	f := newFixture(newBooker(day(0), day(1), day(10)))
	f.opts.DatesPerTick = 20
	f.opts.MaxFutureDays = 1
	e := f.engine()

	require.NoError(t, e.Tick(context.Background()))

	assert.Equal(t, day(2), f.stored(t).ProcessingDate)
}

func TestTickUnpublishedDateClosedWithoutListing(t *testing.T) {
	f := newFixture(newBooker(day(1)))
	f.opts.DatesPerTick = 2
	e := f.engine()

	require.NoError(t, e.Tick(context.Background()))

	assert.Equal(t, day(2), f.stored(t).ProcessingDate)
	assert.Equal(t, []string{"2026-03-03"}, f.booker.listed)
}

func TestTickFastForwardsStaleCursor(t *testing.T) {
	f := newFixture(newBooker())
	seed := day(-10)
	f.cfg.LastRegisteredDate = &seed
	e := f.engine()

	require.NoError(t, e.Tick(context.Background()))

	st := f.stored(t)
	assert.Equal(t, day(-1), *st.LastRegisteredDate)
	assert.Equal(t, day(0), st.ProcessingDate)
}

func TestTickResumesFromPersistedCursor(t *testing.T) {
	b := newBooker(day(0), day(1), day(2))
	f := newFixture(b)
	require.NoError(t, f.engine().Tick(context.Background()))

	// a fresh engine over the same store picks up where the first stopped
	b.listed = nil
	require.NoError(t, f.engine().Tick(context.Background()))

	assert.Equal(t, []string{"2026-03-03"}, b.listed)
	assert.Equal(t, day(2), f.stored(t).ProcessingDate)
}

func TestTickSeedIgnoredOncePersisted(t *testing.T) {
	f := newFixture(newBooker(day(0), day(5)))
	require.NoError(t, f.engine().Tick(context.Background()))

	seed := day(3)
	f.cfg.LastRegisteredDate = &seed
	require.NoError(t, f.engine().Tick(context.Background()))

	assert.Equal(t, day(2), f.stored(t).ProcessingDate)
}

func TestTickAdvancePersistenceFailure(t *testing.T) {
	b := newBooker(day(0))
	f := newFixture(b)
	fs := &failingStore{Memory: state.NewMemory(), ok: 1}
	f.store = fs
	e := f.engine()

	err := e.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, reservation.IsPersistence(err))

	snap := e.Snapshot()
	assert.Equal(t, "2026-03-02", snap.ProcessingDate)
	assert.Empty(t, snap.LastRegisteredDate)
	st, err := fs.Memory.Load(context.Background(), f.cfg.Key())
	require.NoError(t, err)
	assert.Equal(t, day(0), st.ProcessingDate)
}

func TestTickRecordPersistenceFailureStillAnnounces(t *testing.T) {
	b := newBooker(day(0))
	b.slots[reservation.FormatDate(day(0))] = []reservation.Slot{slot(day(0), "09:00"), slot(day(0), "10:00")}
	f := newFixture(b)
	f.store = &failingStore{Memory: state.NewMemory(), ok: 1}
	e := f.engine()

	err := e.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, reservation.IsPersistence(err))

	require.Len(t, b.reserved, 1)
	require.Len(t, f.pub.res, 1)
	assert.Equal(t, int64(0), f.pub.res[0].Sequence)
	assert.Equal(t, 0, e.Snapshot().ReservationsToday)
}

func TestTickCancelledContext(t *testing.T) {
	b := newBooker(day(0))
	f := newFixture(b)
	e := f.engine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Tick(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.pub.alerts)
	assert.Empty(t, b.listed)
}

func TestTickAndResetScanAreSerialised(t *testing.T) {
	b := newBooker(day(0))
	b.block = make(chan struct{})
	f := newFixture(b)
	e := f.engine()

	done := make(chan error, 1)
	go func() { done <- e.Tick(context.Background()) }()
	require.Eventually(t, func() bool { return e.Snapshot().Phase == PhaseListing }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.ResetScan(ctx), context.DeadlineExceeded)

	close(b.block)
	require.NoError(t, <-done)
}

func seedClosed(t *testing.T, f *fixture, last time.Time, counts map[string]int) {
	t.Helper()
	_, err := f.store.Update(context.Background(), f.cfg.Key(), func(st *reservation.ServiceState) error {
		l := last
		st.LastRegisteredDate = &l
		st.ProcessingDate = last.AddDate(0, 0, 1)
		st.Counts = counts
		st.Sequence = 10
		return nil
	})
	require.NoError(t, err)
}

func TestResetScanFillsFreedSlots(t *testing.T) {
	b := newBooker()
	b.slots["2026-03-02"] = []reservation.Slot{slot(day(0), "08:00")}
	b.slots["2026-03-03"] = []reservation.Slot{slot(day(1), "12:00"), slot(day(1), "08:00")}
	f := newFixture(b)
	seedClosed(t, f, day(2), map[string]int{"2026-03-02": 2, "2026-03-03": 1})
	e := f.engine()

	require.NoError(t, e.ResetScan(context.Background()))

	// full date skipped, only the missing reservation is made
	assert.Equal(t, []string{"2026-03-03", "2026-03-04"}, b.listed)
	require.Len(t, f.pub.res, 1)
	r := f.pub.res[0]
	assert.Equal(t, reservation.SourceReset, r.Source)
	assert.Equal(t, day(1), r.Date)
	assert.Equal(t, "08:00", r.Time)
	assert.Equal(t, int64(11), r.Sequence)

	st := f.stored(t)
	assert.Equal(t, day(2), *st.LastRegisteredDate)
	assert.Equal(t, day(3), st.ProcessingDate)
	assert.Equal(t, 2, st.Count(day(1)))
	assert.Equal(t, PhaseIdle, e.Snapshot().Phase)
}

func TestResetScanWindowAndPastDates(t *testing.T) {
	f := newFixture(newBooker())
	f.opts.ResetWindowDays = 2
	seedClosed(t, f, day(5), map[string]int{})
	e := f.engine()

	require.NoError(t, e.ResetScan(context.Background()))
	assert.Equal(t, []string{"2026-03-06", "2026-03-07"}, f.booker.listed)

	f2 := newFixture(newBooker())
	seedClosed(t, f2, day(1), map[string]int{})
	require.NoError(t, f2.engine().ResetScan(context.Background()))
	assert.Equal(t, []string{"2026-03-02", "2026-03-03"}, f2.booker.listed)
}

func TestResetScanWithoutClosedDates(t *testing.T) {
	f := newFixture(newBooker())
	e := f.engine()

	require.NoError(t, e.ResetScan(context.Background()))
	assert.Empty(t, f.booker.listed)
}

func TestUpstreamQuotaClosesDate(t *testing.T) {
	b := newBooker(day(0))
	b.slots["2026-03-02"] = []reservation.Slot{slot(day(0), "09:00"), slot(day(0), "10:00")}
	b.reserveErr["2026-03-02T09:00"] = reservation.ErrQuotaExceeded
	f := newFixture(b)
	e := f.engine()

	require.NoError(t, e.Tick(context.Background()))

	assert.Len(t, b.reserved, 1)
	assert.Equal(t, day(1), f.stored(t).ProcessingDate)
}

func TestWorkContextOutlivesParentByGrace(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	work, stop := workContext(parent, 30*time.Millisecond)
	defer stop()

	cancel()
	assert.NoError(t, work.Err())
	require.Eventually(t, func() bool { return work.Err() != nil }, time.Second, 5*time.Millisecond)
}

func TestWorkContextStopsAtOnceWhenLeaseLost(t *testing.T) {
	parent, cancel := context.WithCancelCause(context.Background())
	work, stop := workContext(parent, time.Hour)
	defer stop()

	cancel(ErrLeaseLost)
	require.Eventually(t, func() bool { return work.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, context.Cause(work), ErrLeaseLost)
}

func TestTickAfterRestartMidDateReservesOnlyRemainingQuota(t *testing.T) {
	b := newBooker(day(0), day(1))
	b.slots[reservation.FormatDate(day(0))] = []reservation.Slot{
		slot(day(0), "15:00"), slot(day(0), "09:00"), slot(day(0), "11:00"),
	}
	f := newFixture(b)

	// one reservation for today was recorded before the process stopped
	prev := day(-1)
	_, err := f.store.Update(context.Background(), f.cfg.Key(), func(st *reservation.ServiceState) error {
		st.LastRegisteredDate = &prev
		st.ProcessingDate = day(0)
		st.ReservationsToday = 1
		st.Sequence = 1
		st.Counts = map[string]int{"2026-03-02": 1}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.engine().Tick(context.Background()))

	require.Len(t, b.reserved, 1)
	assert.Equal(t, "09:00", b.reserved[0].Slot.Time)
	require.Len(t, f.pub.res, 1)
	assert.Equal(t, int64(2), f.pub.res[0].Sequence)

	st := f.stored(t)
	assert.Equal(t, day(0), *st.LastRegisteredDate)
	assert.Equal(t, day(1), st.ProcessingDate)
	assert.Zero(t, st.ReservationsToday)
	assert.Equal(t, 2, st.Count(day(0)))
}

func TestTickUnconfirmedHoldAbortsWithoutTryingNextSlot(t *testing.T) {
	b := newBooker(day(0))
	b.slots[reservation.FormatDate(day(0))] = []reservation.Slot{slot(day(0), "09:00"), slot(day(0), "11:00")}
	b.reserveErr["2026-03-02T09:00"] = &reservation.UnconfirmedError{
		AppointmentID: "appt-7",
		Step:          "confirm",
		Err:           &reservation.UpstreamError{Op: "confirm", StatusCode: 503, Transient: true, Err: errors.New("unavailable")},
	}
	f := newFixture(b)

	err := f.engine().Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, reservation.ErrUnconfirmed)

	require.Len(t, b.reserved, 1, "no other slot is booked while a hold is unresolved")
	assert.Empty(t, f.pub.res)
	require.Len(t, f.pub.alerts, 1)
	assert.Contains(t, f.pub.alerts[0], "appt-7")
	assert.Contains(t, f.pub.alerts[0], b.reserved[0].Contact)

	st := f.stored(t)
	assert.Equal(t, day(0), st.ProcessingDate)
	assert.Nil(t, st.LastRegisteredDate)
}
