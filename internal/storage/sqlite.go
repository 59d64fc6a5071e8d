package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "rpacal/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db           *sql.DB
	log          logx.Logger
	recentWindow time.Duration
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	recent := cfg.RecentWindow
	if recent <= 0 {
		recent = 24 * time.Hour
	}

	st := &sqliteStore{db: db, log: log, recentWindow: recent}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
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

// UpsertSchedule applies the three-tier dedupe:
//
//  1. same bot + exact start/end: refresh the row in place
//  2. same process + bot + start: reuse the row, update end/body
//  3. otherwise insert a new row (a recent sibling of the same
//     process+bot is logged, not merged: repeats are distinct instances)
func (s *sqliteStore) UpsertSchedule(ctx context.Context, sc Schedule) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	start, end := dbTime(sc.Start), dbTime(sc.End)

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT schedule_id FROM bot_schedules
		 WHERE bot_id = ? AND start_datetime = ? AND end_datetime = ? AND status = 'ACTIVE'
		 LIMIT 1`,
		sc.BotID, start, end,
	).Scan(&id)
	switch {
	case err == nil:
		_, err = s.db.ExecContext(ctx,
			`UPDATE bot_schedules
			 SET bot_name = ?, subject = ?, body = ?, process_id = ?, source_system = ?,
			     updated_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')
			 WHERE schedule_id = ?`,
			nullStr(sc.BotName), sc.Subject, nullStr(sc.Body), nullStr(sc.ProcessID), sc.Source, id,
		)
		return id, err
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	if sc.ProcessID != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT schedule_id FROM bot_schedules
			 WHERE process_id = ? AND bot_id = ? AND start_datetime = ? AND status = 'ACTIVE'
			 LIMIT 1`,
			sc.ProcessID, sc.BotID, start,
		).Scan(&id)
		switch {
		case err == nil:
			_, err = s.db.ExecContext(ctx,
				`UPDATE bot_schedules
				 SET bot_name = ?, subject = ?, end_datetime = ?, body = ?,
				     updated_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')
				 WHERE schedule_id = ?`,
				nullStr(sc.BotName), sc.Subject, end, nullStr(sc.Body), id,
			)
			return id, err
		case !errors.Is(err, sql.ErrNoRows):
			return 0, err
		}

		cutoff := dbTime(time.Now().Add(-s.recentWindow))
		var siblingID int64
		err = s.db.QueryRowContext(ctx,
			`SELECT schedule_id FROM bot_schedules
			 WHERE process_id = ? AND bot_id = ? AND status = 'ACTIVE' AND created_at >= ?
			 ORDER BY created_at DESC LIMIT 1`,
			sc.ProcessID, sc.BotID, cutoff,
		).Scan(&siblingID)
		if err == nil {
			s.log.Debug("schedule has recent sibling, inserting new instance",
				logx.String("process_id", sc.ProcessID),
				logx.String("bot_id", sc.BotID),
				logx.Int64("sibling_id", siblingID))
		} else if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_schedules
		   (bot_id, bot_name, subject, start_datetime, end_datetime, body, process_id, source_system)
		 VALUES (?,?,?,?,?,?,?,?)`,
		sc.BotID, nullStr(sc.BotName), sc.Subject, start, end,
		nullStr(sc.Body), nullStr(sc.ProcessID), sc.Source,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ExistsExactActive(ctx context.Context, botID, subject string, start, end time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM bot_schedules
		 WHERE bot_id = ? AND subject = ? AND start_datetime = ? AND end_datetime = ? AND status = 'ACTIVE'
		 LIMIT 1`,
		botID, subject, dbTime(start), dbTime(end),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) SoftDeleteBySourceInRange(ctx context.Context, source string, start, end time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE bot_schedules
		 SET status = 'DELETED', updated_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')
		 WHERE source_system = ? AND status = 'ACTIVE'
		   AND start_datetime >= ? AND start_datetime <= ?`,
		source, dbTime(start), dbTime(end),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) IsRegistered(ctx context.Context, botID, subject string, start, end time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM calendar_registrations
		 WHERE bot_id = ? AND subject = ? AND start_datetime = ? AND end_datetime = ? AND status = 'REGISTERED'
		 LIMIT 1`,
		botID, subject, dbTime(start), dbTime(end),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) MarkRegistered(ctx context.Context, botID, subject string, start, end time.Time) error {
	return s.markRegistration(ctx, botID, subject, start, end, "REGISTERED", "")
}

func (s *sqliteStore) MarkFailed(ctx context.Context, botID, subject string, start, end time.Time, cause string) error {
	return s.markRegistration(ctx, botID, subject, start, end, "FAILED", cause)
}

func (s *sqliteStore) markRegistration(ctx context.Context, botID, subject string, start, end time.Time, status, cause string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := dbTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_registrations
		   (bot_id, subject, start_datetime, end_datetime, status, attempt_count, last_attempt_at, last_error)
		 VALUES (?,?,?,?,?,1,?,?)
		 ON CONFLICT(bot_id, subject, start_datetime, end_datetime) DO UPDATE SET
		   status = excluded.status,
		   attempt_count = attempt_count + 1,
		   last_attempt_at = excluded.last_attempt_at,
		   last_error = excluded.last_error,
		   updated_at = excluded.last_attempt_at`,
		botID, subject, dbTime(start), dbTime(end), status, now, nullStr(cause),
	)
	return err
}

func (s *sqliteStore) RegisteredKeysInRange(ctx context.Context, botID string, start, end time.Time) (map[string]bool, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	// Rows are bounded by when they start. Bounding by end_datetime too
	// would hide entries that run past the window edge and force a refresh
	// on every run for that bot.
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject, start_datetime, end_datetime FROM calendar_registrations
		 WHERE bot_id = ? AND status = 'REGISTERED'
		   AND start_datetime >= ? AND start_datetime <= ?`,
		botID, dbTime(start), dbTime(end),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var subject, st, en string
		if err := rows.Scan(&subject, &st, &en); err != nil {
			return nil, err
		}
		keys[subject+"||"+st+"||"+en] = true
	}
	return keys, rows.Err()
}

func (s *sqliteStore) DeleteRegistrationsInRange(ctx context.Context, botID string, start, end time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM calendar_registrations
		 WHERE bot_id = ? AND start_datetime >= ? AND start_datetime <= ?`,
		botID, dbTime(start), dbTime(end),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) AppendSyncLog(ctx context.Context, e SyncLog) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_logs (sync_type, sync_status, records_synced, error_message, sync_datetime)
		 VALUES (?,?,?,?,?)`,
		e.SyncType, e.Status, e.Records, nullStr(e.Error), dbTime(e.At),
	)
	return err
}

func (s *sqliteStore) ListSyncLogs(ctx context.Context, limit int, syncType string) ([]SyncLog, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	q := `SELECT id, sync_type, sync_status, records_synced, COALESCE(error_message,''), sync_datetime
	      FROM sync_logs`
	args := []any{}
	if strings.TrimSpace(syncType) != "" {
		q += ` WHERE sync_type = ?`
		args = append(args, syncType)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]SyncLog, 0, limit)
	for rows.Next() {
		e, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LatestSyncLog(ctx context.Context) (SyncLog, bool, error) {
	if s == nil || s.db == nil {
		return SyncLog{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sync_type, sync_status, records_synced, COALESCE(error_message,''), sync_datetime
		 FROM sync_logs ORDER BY id DESC LIMIT 1`)
	e, err := scanSyncLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncLog{}, false, nil
	}
	if err != nil {
		return SyncLog{}, false, err
	}
	return e, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSyncLog(r scanner) (SyncLog, error) {
	var e SyncLog
	var at string
	if err := r.Scan(&e.ID, &e.SyncType, &e.Status, &e.Records, &e.Error, &at); err != nil {
		return SyncLog{}, err
	}
	if t, err := time.Parse(time.RFC3339, at); err == nil {
		e.At = t
	}
	return e, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
