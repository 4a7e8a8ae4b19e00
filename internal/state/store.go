// Package state persists the per-service forward cursor and reservation
// counts. Each backend applies Update atomically per service key.
package state

import (
	"context"
	"errors"

	"github.com/example/slotwatch/internal/domain/reservation"
)

var (
	ErrNotFound   = errors.New("state: not found")
	ErrBuildQuery = errors.New("state: build query")
	ErrExecQuery  = errors.New("state: exec query")
)

// UpdateFunc mutates st in place. When nothing is stored for the key yet st
// is the zero ServiceState with only Key set. Returning an error discards
// the mutation.
type UpdateFunc func(st *reservation.ServiceState) error

type Store interface {
	Load(ctx context.Context, key reservation.ServiceKey) (reservation.ServiceState, error)
	// Update is an atomic read-modify-write for one key. The returned state
	// is what is now durably stored.
	Update(ctx context.Context, key reservation.ServiceKey, fn UpdateFunc) (reservation.ServiceState, error)
	List(ctx context.Context) ([]reservation.ServiceState, error)
	Ping(ctx context.Context) error
	Close() error
}
