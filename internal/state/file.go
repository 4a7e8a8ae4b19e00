package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/example/slotwatch/internal/domain/reservation"
)

// File keeps every service in one JSON document, rewritten through a temp
// file and rename so a crash leaves either the old or the new document.
type File struct {
	path string

	mu     sync.Mutex
	states map[reservation.ServiceKey]reservation.ServiceState
	now    func() time.Time
}

type fileDoc struct {
	Version  int          `json:"version"`
	Services []fileRecord `json:"services"`
}

type fileRecord struct {
	ChannelID          string         `json:"channel_id"`
	ServiceID          string         `json:"service_id"`
	LastRegisteredDate *string        `json:"last_registered_date"`
	ProcessingDate     string         `json:"processing_date"`
	ReservationsToday  int            `json:"reservations_today"`
	Counts             map[string]int `json:"counts,omitempty"`
	Sequence           int64          `json:"sequence"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func OpenFile(path string) (*File, error) {
	f := &File{path: path, states: map[reservation.ServiceKey]reservation.ServiceState{}, now: time.Now}

	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}
	if len(b) == 0 {
		return f, nil
	}

	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", path, err)
	}
	for _, r := range doc.Services {
		st, err := r.toState()
		if err != nil {
			return nil, fmt.Errorf("state: %s/%s: %w", r.ChannelID, r.ServiceID, err)
		}
		f.states[st.Key] = st
	}
	return f, nil
}

func (f *File) Load(_ context.Context, key reservation.ServiceKey) (reservation.ServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[key]
	if !ok {
		return reservation.ServiceState{}, ErrNotFound
	}
	return st.Clone(), nil
}

func (f *File) Update(ctx context.Context, key reservation.ServiceKey, fn UpdateFunc) (reservation.ServiceState, error) {
	if err := ctx.Err(); err != nil {
		return reservation.ServiceState{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, ok := f.states[key]
	if ok {
		cur = cur.Clone()
	} else {
		cur = reservation.ServiceState{Key: key, Counts: map[string]int{}}
	}
	if err := fn(&cur); err != nil {
		return reservation.ServiceState{}, err
	}
	cur.Key = key
	cur.UpdatedAt = f.now().UTC()

	next := make(map[reservation.ServiceKey]reservation.ServiceState, len(f.states)+1)
	for k, v := range f.states {
		next[k] = v
	}
	next[key] = cur
	if err := f.write(next); err != nil {
		return reservation.ServiceState{}, err
	}
	f.states = next
	return cur.Clone(), nil
}

func (f *File) List(_ context.Context) ([]reservation.ServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]reservation.ServiceState, 0, len(f.states))
	for _, st := range f.states {
		out = append(out, st.Clone())
	}
	sortStates(out)
	return out, nil
}

func (f *File) Ping(context.Context) error {
	dir := filepath.Dir(f.path)
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("state: %s is not a directory", dir)
	}
	return nil
}

func (f *File) Close() error { return nil }

func (f *File) write(states map[reservation.ServiceKey]reservation.ServiceState) error {
	list := make([]reservation.ServiceState, 0, len(states))
	for _, st := range states {
		list = append(list, st)
	}
	sortStates(list)

	doc := fileDoc{Version: 1, Services: make([]fileRecord, 0, len(list))}
	for _, st := range list {
		doc.Services = append(doc.Services, fromState(st))
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

func fromState(st reservation.ServiceState) fileRecord {
	r := fileRecord{
		ChannelID:         st.Key.ChannelID,
		ServiceID:         st.Key.ServiceID,
		ProcessingDate:    reservation.FormatDate(st.ProcessingDate),
		ReservationsToday: st.ReservationsToday,
		Counts:            st.Counts,
		Sequence:          st.Sequence,
		UpdatedAt:         st.UpdatedAt,
	}
	if st.LastRegisteredDate != nil {
		s := reservation.FormatDate(*st.LastRegisteredDate)
		r.LastRegisteredDate = &s
	}
	return r
}

func (r fileRecord) toState() (reservation.ServiceState, error) {
	st := reservation.ServiceState{
		Key:               reservation.ServiceKey{ChannelID: r.ChannelID, ServiceID: r.ServiceID},
		ReservationsToday: r.ReservationsToday,
		Counts:            map[string]int{},
		Sequence:          r.Sequence,
		UpdatedAt:         r.UpdatedAt,
	}
	for k, v := range r.Counts {
		st.Counts[k] = v
	}
	pd, err := reservation.ParseDate(r.ProcessingDate)
	if err != nil {
		return st, fmt.Errorf("processing_date: %w", err)
	}
	st.ProcessingDate = pd
	if r.LastRegisteredDate != nil {
		d, err := reservation.ParseDate(*r.LastRegisteredDate)
		if err != nil {
			return st, fmt.Errorf("last_registered_date: %w", err)
		}
		st.LastRegisteredDate = &d
	}
	return st, nil
}
