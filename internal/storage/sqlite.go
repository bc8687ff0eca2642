package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindd/internal/schedule"
	logx "remindd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; Update relies on it for its
	// read-modify-write transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const scheduleColumns = `id, subscription, kind, title, body, one_time_at, days_of_week, time_of_day, payload, enabled, created_at, last_sent_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) Upsert(ctx context.Context, sc schedule.Schedule) error {
	return upsertSchedule(ctx, s.db, sc)
}

func upsertSchedule(ctx context.Context, db execer, sc schedule.Schedule) error {
	var (
		oneTimeAt, timeOfDay any
		days                 any
	)
	switch t := sc.Trigger.(type) {
	case schedule.OneTime:
		oneTimeAt = t.At.Format(time.RFC3339Nano)
	case schedule.Recurring:
		days = int64(t.Days)
		timeOfDay = t.At.String()
	default:
		return fmt.Errorf("%w: schedule %q has no trigger", schedule.ErrInvalid, sc.ID)
	}
	payload, err := encodePayload(sc.Payload)
	if err != nil {
		return err
	}
	created := sc.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO schedules(id, subscription, subscription_key, kind, title, body, one_time_at, days_of_week, time_of_day, payload, enabled, created_at, last_sent_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   subscription=excluded.subscription,
		   subscription_key=excluded.subscription_key,
		   kind=excluded.kind,
		   title=excluded.title,
		   body=excluded.body,
		   one_time_at=excluded.one_time_at,
		   days_of_week=excluded.days_of_week,
		   time_of_day=excluded.time_of_day,
		   payload=excluded.payload,
		   enabled=excluded.enabled,
		   created_at=excluded.created_at,
		   last_sent_at=excluded.last_sent_at`,
		sc.ID, sc.Subscription.String(), sc.Subscription.Key(), string(sc.Kind()), sc.Title, sc.Body,
		oneTimeAt, days, timeOfDay, payload, boolInt(sc.Enabled),
		created.Format(time.RFC3339Nano), nullTime(sc.LastSentAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (schedule.Schedule, error) {
	var (
		sc                   schedule.Schedule
		sub, kind, created   string
		oneTimeAt, timeOfDay sql.NullString
		payload, lastSent    sql.NullString
		days                 sql.NullInt64
		enabled              int
	)
	if err := r.Scan(&sc.ID, &sub, &kind, &sc.Title, &sc.Body, &oneTimeAt, &days, &timeOfDay, &payload, &enabled, &created, &lastSent); err != nil {
		return schedule.Schedule{}, err
	}
	sc.Subscription = schedule.Handle(sub)
	sc.Enabled = enabled != 0

	switch schedule.Kind(kind) {
	case schedule.KindOneTime:
		at, err := time.Parse(time.RFC3339Nano, oneTimeAt.String)
		if err != nil {
			return schedule.Schedule{}, fmt.Errorf("schedule %s: one_time_at: %w", sc.ID, err)
		}
		sc.Trigger = schedule.OneTime{At: at}
	case schedule.KindRecurring:
		clock, err := schedule.ParseClock(timeOfDay.String)
		if err != nil {
			return schedule.Schedule{}, fmt.Errorf("schedule %s: time_of_day: %w", sc.ID, err)
		}
		sc.Trigger = schedule.Recurring{Days: schedule.DaySet(days.Int64), At: clock}
	default:
		return schedule.Schedule{}, fmt.Errorf("schedule %s: unknown kind %q", sc.ID, kind)
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &sc.Payload); err != nil {
			return schedule.Schedule{}, fmt.Errorf("schedule %s: payload: %w", sc.ID, err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		sc.CreatedAt = t
	}
	if lastSent.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastSent.String); err == nil {
			sc.LastSentAt = t
		}
	}
	return sc, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (schedule.Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, false, nil
	}
	if err != nil {
		return schedule.Schedule{}, false, err
	}
	return sc, true, nil
}

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]schedule.Schedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM schedules`
	var (
		where []string
		args  []any
	)
	if f.Subscription != "" {
		where = append(where, "subscription_key = ?")
		args = append(args, f.Subscription)
	}
	if f.EnabledOnly {
		where = append(where, "enabled = 1")
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Update(ctx context.Context, id string, p schedule.Patch) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	cur, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := upsertSchedule(ctx, tx, p.Apply(cur)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedules`).Scan(&n)
	return n, err
}

func (s *sqliteStore) PutSubscription(ctx context.Context, sub Subscription) (bool, error) {
	sub.Endpoint = strings.TrimSpace(sub.Endpoint)
	now := s.now()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE endpoint = ?`, sub.Endpoint).Scan(&exists)
	if err != nil {
		return false, err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	var exp any
	if sub.ExpirationTime != nil {
		exp = *sub.ExpirationTime
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(endpoint, p256dh, auth, expiration_time, user_agent, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,NULL)
		 ON CONFLICT(endpoint) DO UPDATE SET
		   p256dh=excluded.p256dh,
		   auth=excluded.auth,
		   expiration_time=excluded.expiration_time,
		   user_agent=excluded.user_agent,
		   updated_at=?`,
		sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, exp, nullStr(sub.UserAgent),
		sub.CreatedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	return exists == 0, err
}

func (s *sqliteStore) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, p256dh, auth, expiration_time, user_agent, created_at, updated_at FROM subscriptions ORDER BY endpoint`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var (
			sub         Subscription
			exp         sql.NullInt64
			ua, updated sql.NullString
			created     string
		)
		if err := rows.Scan(&sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &exp, &ua, &created, &updated); err != nil {
			return nil, err
		}
		if exp.Valid {
			v := exp.Int64
			sub.ExpirationTime = &v
		}
		sub.UserAgent = ua.String
		sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if updated.Valid {
			sub.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated.String)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RemoveSubscription(ctx context.Context, endpoint string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE endpoint = ?`, strings.TrimSpace(endpoint))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) CountSubscriptions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions`).Scan(&n)
	return n, err
}

func encodePayload(p map[string]any) (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
