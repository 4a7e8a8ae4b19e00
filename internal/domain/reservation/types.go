package reservation

import (
	"time"

	"github.com/google/uuid"
)

// ServiceKey identifies one configured service. It is the persistence key
// of ServiceState and the unit of single-writer exclusion.
type ServiceKey struct {
	ChannelID string
	ServiceID string
}

func (k ServiceKey) String() string { return k.ChannelID + "/" + k.ServiceID }

// Channel is a notification destination group; every service belongs to one.
type Channel struct {
	ID     string
	Name   string
	ChatID string
}

// ServiceConfig is an immutable snapshot taken at startup. Engines never
// mutate it; the cursor lives in ServiceState.
type ServiceConfig struct {
	Channel Channel

	BranchID    string
	BranchName  string
	ServiceID   string
	ServiceName string
	QPID        string

	Adults       int
	VisitsPerDay int

	// Seed cursor used only when no persisted state exists yet.
	LastRegisteredDate *time.Time
}

func (c ServiceConfig) Key() ServiceKey {
	return ServiceKey{ChannelID: c.Channel.ID, ServiceID: c.ServiceID}
}

// ServiceState is owned by exactly one engine and persisted through the
// state store after every mutation.
type ServiceState struct {
	Key ServiceKey

	LastRegisteredDate *time.Time
	ProcessingDate     time.Time
	ReservationsToday  int

	// Reservations made per date (DateLayout keys), kept for the trailing
	// reset window.
	Counts map[string]int

	// Last issued reservation sequence number.
	Sequence int64

	UpdatedAt time.Time
}

// NewState builds the initial state for a service that has never been persisted.
func NewState(cfg ServiceConfig, today time.Time) ServiceState {
	st := ServiceState{
		Key:            cfg.Key(),
		ProcessingDate: Day(today),
		Counts:         map[string]int{},
	}
	if cfg.LastRegisteredDate != nil {
		last := Day(*cfg.LastRegisteredDate)
		st.LastRegisteredDate = &last
		st.ProcessingDate = NextDay(last)
	}
	return st
}

// Count returns the number of reservations recorded for date.
func (s ServiceState) Count(date time.Time) int {
	return s.Counts[FormatDate(date)]
}

// Record accounts one confirmed reservation on date and returns its sequence.
func (s *ServiceState) Record(date time.Time) int64 {
	if s.Counts == nil {
		s.Counts = map[string]int{}
	}
	s.Counts[FormatDate(date)]++
	if SameDay(date, s.ProcessingDate) {
		s.ReservationsToday++
	}
	s.Sequence++
	return s.Sequence
}

// Advance closes out the processing date and moves the cursor one day forward.
func (s *ServiceState) Advance() {
	closed := Day(s.ProcessingDate)
	s.LastRegisteredDate = &closed
	s.ReservationsToday = 0
	s.ProcessingDate = NextDay(closed)
}

// SetCursor marks date as the last closed day. Operator correction only.
func (s *ServiceState) SetCursor(date time.Time) {
	last := Day(date)
	s.LastRegisteredDate = &last
	s.ProcessingDate = NextDay(last)
	s.ReservationsToday = s.Count(s.ProcessingDate)
}

// Prune drops per-date counts older than since.
func (s *ServiceState) Prune(since time.Time) {
	for k := range s.Counts {
		d, err := ParseDate(k)
		if err != nil || d.Before(Day(since)) {
			delete(s.Counts, k)
		}
	}
}

// Clone returns a deep copy safe to hand out of the owning engine.
func (s ServiceState) Clone() ServiceState {
	out := s
	if s.LastRegisteredDate != nil {
		d := *s.LastRegisteredDate
		out.LastRegisteredDate = &d
	}
	out.Counts = make(map[string]int, len(s.Counts))
	for k, v := range s.Counts {
		out.Counts[k] = v
	}
	return out
}

// Slot is one advertised opening. It is fetched fresh on every poll.
type Slot struct {
	ID   string
	Date time.Time
	Time string // HH:MM, upstream local time
}

// Confirmation is what the upstream returns for a completed booking.
type Confirmation struct {
	AppointmentID string
	SlotLength    int
}

// Source tells which path produced a reservation.
type Source string

const (
	SourceForward Source = "forward"
	SourceReset   Source = "reset"
)

// Reservation is a confirmed booking. It exists only after the upstream
// confirmed it.
type Reservation struct {
	ID       string
	Sequence int64
	Key      ServiceKey
	Channel  Channel

	BranchName  string
	ServiceName string

	Date          time.Time
	Time          string
	SlotLength    int
	Contact       string
	AppointmentID string
	Source        Source

	CreatedAt time.Time
}

// NewReservation assembles a Reservation for a confirmed slot.
func NewReservation(cfg ServiceConfig, slot Slot, conf Confirmation, contact string, seq int64, src Source, now time.Time) Reservation {
	return Reservation{
		ID:            uuid.NewString(),
		Sequence:      seq,
		Key:           cfg.Key(),
		Channel:       cfg.Channel,
		BranchName:    cfg.BranchName,
		ServiceName:   cfg.ServiceName,
		Date:          Day(slot.Date),
		Time:          slot.Time,
		SlotLength:    conf.SlotLength,
		Contact:       contact,
		AppointmentID: conf.AppointmentID,
		Source:        src,
		CreatedAt:     now.UTC(),
	}
}
