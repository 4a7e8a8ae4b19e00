package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/slotwatch/internal/domain/reservation"
)

// Memory keeps state in process. Used by tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	states map[reservation.ServiceKey]reservation.ServiceState
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{states: map[reservation.ServiceKey]reservation.ServiceState{}, now: time.Now}
}

func (m *Memory) Load(_ context.Context, key reservation.ServiceKey) (reservation.ServiceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		return reservation.ServiceState{}, ErrNotFound
	}
	return st.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, key reservation.ServiceKey, fn UpdateFunc) (reservation.ServiceState, error) {
	if err := ctx.Err(); err != nil {
		return reservation.ServiceState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.states[key]
	if ok {
		cur = cur.Clone()
	} else {
		cur = reservation.ServiceState{Key: key, Counts: map[string]int{}}
	}
	if err := fn(&cur); err != nil {
		return reservation.ServiceState{}, err
	}
	cur.Key = key
	cur.UpdatedAt = m.now().UTC()
	m.states[key] = cur
	return cur.Clone(), nil
}

func (m *Memory) List(_ context.Context) ([]reservation.ServiceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]reservation.ServiceState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.Clone())
	}
	sortStates(out)
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func sortStates(ss []reservation.ServiceState) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].Key.ChannelID != ss[j].Key.ChannelID {
			return ss[i].Key.ChannelID < ss[j].Key.ChannelID
		}
		return ss[i].Key.ServiceID < ss[j].Key.ServiceID
	})
}
