package reservation

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired means the upstream rejected the session; a refresh may fix it.
	ErrSessionExpired = errors.New("session expired")
	// ErrReservationConflict means the slot is gone or was taken by someone else.
	ErrReservationConflict = errors.New("reservation conflict")
	// ErrQuotaExceeded means the upstream refused further bookings for this contact or day.
	ErrQuotaExceeded = errors.New("quota exceeded upstream")
	// ErrUnconfirmed means a slot was held but the booking was not confirmed.
	// The appointment may exist upstream, so the slot must not be tried again.
	ErrUnconfirmed = errors.New("appointment not confirmed")
	// ErrPersistenceOutage stops all scheduling once the state store keeps failing.
	ErrPersistenceOutage = errors.New("persistence outage")
	// ErrNoContactPrefixes is returned when no phone prefixes are configured.
	ErrNoContactPrefixes = errors.New("no contact prefixes configured")
)

// UpstreamError is a failed call to the booking backend.
type UpstreamError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// UnconfirmedError is a reservation that failed after the hold returned an
// appointment id. It matches only ErrUnconfirmed with errors.Is, never the
// conflict or session sentinels of the step that failed.
type UnconfirmedError struct {
	AppointmentID string
	Step          string
	Err           error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("appointment %s held, %s failed: %v", e.AppointmentID, e.Step, e.Err)
}

func (e *UnconfirmedError) Unwrap() error { return ErrUnconfirmed }

// PersistenceError is a failed state store operation.
type PersistenceError struct {
	Key ServiceKey
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DeliveryError is a notification that exhausted its retries.
type DeliveryError struct {
	Destination string
	Attempts    int
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s after %d attempts: %v", e.Destination, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying against the upstream.
// Session expiry counts as transient; conflicts and quota refusals do not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrUnconfirmed) {
		return false
	}
	if errors.Is(err, ErrSessionExpired) {
		return true
	}
	if errors.Is(err, ErrReservationConflict) || errors.Is(err, ErrQuotaExceeded) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Transient
	}
	return false
}

func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
