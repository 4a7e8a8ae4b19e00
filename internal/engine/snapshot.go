package engine

import (
	"time"

	"github.com/example/slotwatch/internal/domain/reservation"
)

// Snapshot is a read-only view of one engine for the admin surface.
type Snapshot struct {
	Key                string    `json:"key"`
	Channel            string    `json:"channel"`
	Branch             string    `json:"branch"`
	Service            string    `json:"service"`
	Phase              Phase     `json:"phase"`
	Loaded             bool      `json:"loaded"`
	LastRegisteredDate string    `json:"last_registered_date,omitempty"`
	ProcessingDate     string    `json:"processing_date,omitempty"`
	ReservationsToday  int       `json:"reservations_today"`
	VisitsPerDay       int       `json:"visits_per_day"`
	Sequence           int64     `json:"sequence"`
	LastTickAt         time.Time `json:"last_tick_at,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Snapshot{
		Key:               e.cfg.Key().String(),
		Channel:           e.cfg.Channel.Name,
		Branch:            e.cfg.BranchName,
		Service:           e.cfg.ServiceName,
		Phase:             e.phase,
		Loaded:            e.loaded,
		ReservationsToday: e.state.ReservationsToday,
		VisitsPerDay:      e.cfg.VisitsPerDay,
		Sequence:          e.state.Sequence,
		LastTickAt:        e.lastTick,
		LastError:         e.lastErr,
	}
	if e.loaded {
		s.ProcessingDate = reservation.FormatDate(e.state.ProcessingDate)
	}
	if e.state.LastRegisteredDate != nil {
		s.LastRegisteredDate = reservation.FormatDate(*e.state.LastRegisteredDate)
	}
	return s
}
