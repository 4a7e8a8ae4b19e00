package reservation

import (
	"context"
	"time"
)

// ReserveRequest carries everything needed to book one slot.
type ReserveRequest struct {
	BranchID    string
	ServiceID   string
	ServiceName string
	QPID        string
	Adults      int
	Slot        Slot
	Contact     string
	Email       string
}

// Booker is the protocol surface the reservation engine drives. Empty
// results are valid and distinct from errors.
type Booker interface {
	// ListDates returns the dates the upstream has published for a service.
	ListDates(ctx context.Context, branchID, serviceID string, adults int) ([]time.Time, error)
	ListSlots(ctx context.Context, branchID, serviceID string, adults int, date time.Time) ([]Slot, error)
	Reserve(ctx context.Context, req ReserveRequest) (Confirmation, error)
}
