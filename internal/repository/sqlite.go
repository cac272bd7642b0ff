package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/kebairia/drbackup/internal/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS backups (
	id             TEXT NOT NULL PRIMARY KEY,
	type           TEXT NOT NULL,
	status         TEXT NOT NULL,
	trigger_kind   TEXT NOT NULL DEFAULT '',
	start_time     INTEGER NOT NULL,
	end_time       INTEGER,
	size_bytes     INTEGER NOT NULL DEFAULT 0,
	tables_json    TEXT NOT NULL DEFAULT '[]',
	salt_hex       TEXT NOT NULL DEFAULT '',
	checksum       TEXT NOT NULL DEFAULT '',
	location       TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	base_backup_id TEXT NOT NULL DEFAULT '',
	verified_at    INTEGER,
	verify_error   TEXT NOT NULL DEFAULT '',
	deleted_at     INTEGER
);
CREATE INDEX IF NOT EXISTS backups_start_time ON backups (start_time);

CREATE TABLE IF NOT EXISTS events (
	id           TEXT NOT NULL PRIMARY KEY,
	name         TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	ts           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_ts ON events (ts);

CREATE TABLE IF NOT EXISTS leases (
	name       TEXT NOT NULL PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

const recordColumns = `id, type, status, trigger_kind, start_time, end_time, size_bytes, tables_json,
	salt_hex, checksum, location, error, base_backup_id, verified_at, verify_error, deleted_at`

// SQLite is a Repository stored in a single SQLite file. Timestamps are
// stored as UTC unix nanoseconds.
type SQLite struct {
	db   *sql.DB
	opts options
}

var _ Repository = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and migrates
// its schema.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata db %s: %w", path, err)
	}
	// a single writer avoids SQLITE_BUSY between our own connections
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping metadata db %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate metadata db: %w", err)
	}
	return &SQLite{db: db, opts: buildOptions(opts)}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func toNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func recordArgs(r *record.Record) ([]any, error) {
	tables := r.Tables
	if tables == nil {
		tables = []string{}
	}
	tablesJSON, err := json.Marshal(tables)
	if err != nil {
		return nil, fmt.Errorf("encode tables: %w", err)
	}
	return []any{
		r.ID, string(r.Type), string(r.Status), string(r.Trigger),
		r.StartTime.UnixNano(), toNanos(r.EndTime), r.SizeBytes, string(tablesJSON),
		r.SaltHex, r.Checksum, r.Location, r.Error, r.BaseBackupID,
		toNanos(r.VerifiedAt), r.VerifyError, toNanos(r.DeletedAt),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*record.Record, error) {
	var (
		r                            record.Record
		typ, status, trigger, tables string
		start                        int64
		end, verifiedAt, deletedAt   sql.NullInt64
	)
	err := sc.Scan(&r.ID, &typ, &status, &trigger, &start, &end, &r.SizeBytes, &tables,
		&r.SaltHex, &r.Checksum, &r.Location, &r.Error, &r.BaseBackupID,
		&verifiedAt, &r.VerifyError, &deletedAt)
	if err != nil {
		return nil, err
	}
	r.Type = record.Type(typ)
	r.Status = record.Status(status)
	r.Trigger = record.Trigger(trigger)
	r.StartTime = time.Unix(0, start).UTC()
	r.EndTime = fromNanos(end)
	r.VerifiedAt = fromNanos(verifiedAt)
	r.DeletedAt = fromNanos(deletedAt)
	if err := json.Unmarshal([]byte(tables), &r.Tables); err != nil {
		return nil, fmt.Errorf("decode tables of %s: %w", r.ID, err)
	}
	return &r, nil
}

func (s *SQLite) Insert(ctx context.Context, r *record.Record) error {
	args, err := recordArgs(r)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO backups ("+recordColumns+") VALUES ("+placeholders+")", args...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicate, r.ID)
		}
		return fmt.Errorf("insert backup %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLite) Update(ctx context.Context, r *record.Record) error {
	n, err := s.update(ctx, r, "")
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	return nil
}

func (s *SQLite) UpdateIf(ctx context.Context, r *record.Record, expected record.Status) error {
	n, err := s.update(ctx, r, " AND status = ?", string(expected))
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	cur, err := s.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, not %s", ErrConflict, r.ID, cur.Status, expected)
}

func (s *SQLite) update(ctx context.Context, r *record.Record, cond string, condArgs ...any) (int64, error) {
	args, err := recordArgs(r)
	if err != nil {
		return 0, err
	}
	// id moves from first to last for the WHERE clause
	args = append(args[1:], args[0])
	args = append(args, condArgs...)
	res, err := s.db.ExecContext(ctx, `UPDATE backups SET
	type = ?, status = ?, trigger_kind = ?, start_time = ?, end_time = ?, size_bytes = ?, tables_json = ?,
	salt_hex = ?, checksum = ?, location = ?, error = ?, base_backup_id = ?,
	verified_at = ?, verify_error = ?, deleted_at = ?
	WHERE id = ?`+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("update backup %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update backup %s: %w", r.ID, err)
	}
	return n, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM backups WHERE id = ?", id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get backup %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLite) list(ctx context.Context, where string, args ...any) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM backups "+where+" ORDER BY start_time ASC, id ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) ListRecent(ctx context.Context, since time.Time) ([]*record.Record, error) {
	return s.list(ctx, "WHERE start_time >= ?", since.UnixNano())
}

func (s *SQLite) ListAll(ctx context.Context) ([]*record.Record, error) {
	return s.list(ctx, "")
}

func (s *SQLite) LatestSuccessful(ctx context.Context, types ...record.Type) (*record.Record, error) {
	where := "WHERE status IN (?, ?) AND trigger_kind != ?"
	args := []any{string(record.StatusCompleted), string(record.StatusVerified), string(record.TriggerPreRestore)}
	if len(types) > 0 {
		where += " AND type IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ") + ")"
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM backups "+where+" ORDER BY start_time DESC, id DESC LIMIT 1", args...)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no successful backup of types %v", ErrNotFound, types)
	}
	if err != nil {
		return nil, fmt.Errorf("latest successful backup: %w", err)
	}
	return r, nil
}

func (s *SQLite) Log(ctx context.Context, name string, payload map[string]any, ts time.Time) error {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO events (id, name, payload_json, ts) VALUES (?, ?, ?, ?)",
		uuid.NewString(), name, string(data), ts.UnixNano())
	if err != nil {
		return fmt.Errorf("log event %s: %w", name, err)
	}
	return nil
}

func (s *SQLite) Events(ctx context.Context, limit int) ([]record.Event, error) {
	q := "SELECT id, name, payload_json, ts FROM events ORDER BY ts DESC, rowid DESC"
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return s.events(ctx, q, args...)
}

func (s *SQLite) LatestEvent(ctx context.Context, name string) (record.Event, error) {
	events, err := s.events(ctx,
		"SELECT id, name, payload_json, ts FROM events WHERE name = ? ORDER BY ts DESC, rowid DESC LIMIT 1", name)
	if err != nil {
		return record.Event{}, err
	}
	if len(events) == 0 {
		return record.Event{}, fmt.Errorf("%w: %s", ErrNoEvent, name)
	}
	return events[0], nil
}

func (s *SQLite) events(ctx context.Context, q string, args ...any) ([]record.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []record.Event
	for rows.Next() {
		var (
			e       record.Event
			payload string
			ts      int64
		)
		if err := rows.Scan(&e.ID, &e.Name, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", e.ID, err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.opts.now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
	WHERE leases.expires_at <= ? OR leases.holder = excluded.holder`,
		name, holder, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *SQLite) RenewLease(ctx context.Context, name, holder string, ttl time.Duration) error {
	now := s.opts.now()
	res, err := s.db.ExecContext(ctx,
		"UPDATE leases SET expires_at = ? WHERE name = ? AND holder = ? AND expires_at > ?",
		now.Add(ttl).UnixNano(), name, holder, now.UnixNano())
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, name)
	}
	return nil
}

func (s *SQLite) ReleaseLease(ctx context.Context, name, holder string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM leases WHERE name = ? AND holder = ?", name, holder)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, name)
	}
	return nil
}
