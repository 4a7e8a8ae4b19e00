package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/domain/reservation"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Database is satisfied by *db.DB.
type Database interface {
	InTx(ctx context.Context, fn func(db.Tx) error) error
	Query(ctx context.Context, sql string, args ...any) (db.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) db.Row
	Ping(ctx context.Context) error
	Close()
}

// Postgres stores state in service_state and service_day_counts. Update
// locks the service row with SELECT ... FOR UPDATE for the duration of the
// transaction.
type Postgres struct {
	db Database
}

func NewPostgres(d Database) *Postgres { return &Postgres{db: d} }

var stateColumns = []string{
	"last_registered_date",
	"processing_date",
	"reservations_today",
	"sequence",
	"updated_at",
}

func selectStateQuery(key reservation.ServiceKey, forUpdate bool) (string, []any, error) {
	b := psql.Select(stateColumns...).
		From("service_state").
		Where(squirrel.Eq{"channel_id": key.ChannelID, "service_id": key.ServiceID})
	if forUpdate {
		b = b.Suffix("FOR UPDATE")
	}
	return b.ToSql()
}

func selectCountsQuery(key reservation.ServiceKey) (string, []any, error) {
	return psql.Select("day", "reservations").
		From("service_day_counts").
		Where(squirrel.Eq{"channel_id": key.ChannelID, "service_id": key.ServiceID}).
		OrderBy("day").
		ToSql()
}

func upsertStateQuery(st reservation.ServiceState) (string, []any, error) {
	return psql.Insert("service_state").
		Columns("channel_id", "service_id", "last_registered_date", "processing_date", "reservations_today", "sequence", "updated_at").
		Values(st.Key.ChannelID, st.Key.ServiceID, st.LastRegisteredDate, st.ProcessingDate, st.ReservationsToday, st.Sequence, st.UpdatedAt).
		Suffix(`ON CONFLICT (channel_id, service_id) DO UPDATE SET
last_registered_date = EXCLUDED.last_registered_date,
processing_date = EXCLUDED.processing_date,
reservations_today = EXCLUDED.reservations_today,
sequence = EXCLUDED.sequence,
updated_at = EXCLUDED.updated_at`).
		ToSql()
}

func deleteCountsQuery(key reservation.ServiceKey) (string, []any, error) {
	return psql.Delete("service_day_counts").
		Where(squirrel.Eq{"channel_id": key.ChannelID, "service_id": key.ServiceID}).
		ToSql()
}

// insertCountsQuery returns ok=false when there is nothing to insert.
func insertCountsQuery(st reservation.ServiceState) (string, []any, bool, error) {
	if len(st.Counts) == 0 {
		return "", nil, false, nil
	}
	b := psql.Insert("service_day_counts").Columns("channel_id", "service_id", "day", "reservations")
	rows := 0
	for _, day := range sortedDays(st.Counts) {
		n := st.Counts[day]
		if n <= 0 {
			continue
		}
		d, err := reservation.ParseDate(day)
		if err != nil {
			return "", nil, false, fmt.Errorf("count key %q: %w", day, err)
		}
		b = b.Values(st.Key.ChannelID, st.Key.ServiceID, d, n)
		rows++
	}
	if rows == 0 {
		return "", nil, false, nil
	}
	q, args, err := b.ToSql()
	if err != nil {
		return "", nil, false, err
	}
	return q, args, true, nil
}

func (p *Postgres) Load(ctx context.Context, key reservation.ServiceKey) (reservation.ServiceState, error) {
	var st reservation.ServiceState
	err := p.db.InTx(ctx, func(tx db.Tx) error {
		var err error
		st, err = loadState(ctx, tx, key, false)
		return err
	})
	if err != nil {
		return reservation.ServiceState{}, err
	}
	return st, nil
}

func (p *Postgres) Update(ctx context.Context, key reservation.ServiceKey, fn UpdateFunc) (reservation.ServiceState, error) {
	var out reservation.ServiceState
	err := p.db.InTx(ctx, func(tx db.Tx) error {
		cur, err := loadState(ctx, tx, key, true)
		if errors.Is(err, ErrNotFound) {
			cur = reservation.ServiceState{Key: key, Counts: map[string]int{}}
		} else if err != nil {
			return err
		}

		if err := fn(&cur); err != nil {
			return err
		}
		cur.Key = key
		cur.UpdatedAt = time.Now().UTC()

		if err := execQuery(ctx, tx, "upsert state", func() (string, []any, error) { return upsertStateQuery(cur) }); err != nil {
			return err
		}
		if err := execQuery(ctx, tx, "delete counts", func() (string, []any, error) { return deleteCountsQuery(key) }); err != nil {
			return err
		}
		q, args, ok, err := insertCountsQuery(cur)
		if err != nil {
			return fmt.Errorf("%w: insert counts: %v", ErrBuildQuery, err)
		}
		if ok {
			if err := tx.Exec(ctx, q, args...); err != nil {
				return fmt.Errorf("%w: insert counts: %v", ErrExecQuery, err)
			}
		}
		out = cur
		return nil
	})
	if err != nil {
		return reservation.ServiceState{}, err
	}
	return out, nil
}

func (p *Postgres) List(ctx context.Context) ([]reservation.ServiceState, error) {
	q, args, err := psql.Select(append([]string{"channel_id", "service_id"}, stateColumns...)...).
		From("service_state").
		OrderBy("channel_id", "service_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrBuildQuery, err)
	}
	rows, err := p.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrExecQuery, err)
	}
	defer rows.Close()

	var out []reservation.ServiceState
	for rows.Next() {
		var st reservation.ServiceState
		var last *time.Time
		if err := rows.Scan(&st.Key.ChannelID, &st.Key.ServiceID, &last, &st.ProcessingDate, &st.ReservationsToday, &st.Sequence, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.LastRegisteredDate = dayPtr(last)
		st.ProcessingDate = reservation.Day(st.ProcessingDate)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		counts, err := loadCounts(ctx, p.db, out[i].Key)
		if err != nil {
			return nil, err
		}
		out[i].Counts = counts
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.Ping(ctx) }

func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (db.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) db.Row
}

func loadState(ctx context.Context, q querier, key reservation.ServiceKey, forUpdate bool) (reservation.ServiceState, error) {
	query, args, err := selectStateQuery(key, forUpdate)
	if err != nil {
		return reservation.ServiceState{}, fmt.Errorf("%w: load: %v", ErrBuildQuery, err)
	}

	st := reservation.ServiceState{Key: key}
	var last *time.Time
	err = q.QueryRow(ctx, query, args...).Scan(&last, &st.ProcessingDate, &st.ReservationsToday, &st.Sequence, &st.UpdatedAt)
	if err != nil {
		if db.IsNotFound(db.WrapNotFound(err)) {
			return reservation.ServiceState{}, ErrNotFound
		}
		return reservation.ServiceState{}, fmt.Errorf("%w: load: %v", ErrExecQuery, err)
	}
	st.LastRegisteredDate = dayPtr(last)
	st.ProcessingDate = reservation.Day(st.ProcessingDate)

	st.Counts, err = loadCounts(ctx, q, key)
	if err != nil {
		return reservation.ServiceState{}, err
	}
	return st, nil
}

func loadCounts(ctx context.Context, q querier, key reservation.ServiceKey) (map[string]int, error) {
	query, args, err := selectCountsQuery(key)
	if err != nil {
		return nil, fmt.Errorf("%w: counts: %v", ErrBuildQuery, err)
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: counts: %v", ErrExecQuery, err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var day time.Time
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, err
		}
		counts[reservation.FormatDate(day)] = n
	}
	return counts, rows.Err()
}

func execQuery(ctx context.Context, tx db.Tx, what string, build func() (string, []any, error)) error {
	q, args, err := build()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBuildQuery, what, err)
	}
	if err := tx.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrExecQuery, what, err)
	}
	return nil
}

func dayPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := reservation.Day(*t)
	return &d
}
