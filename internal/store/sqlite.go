package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/facebookgo/clock"

	"example.com/buskercal/internal/domain"
)

// SQLite implements Store on a single SQLite database. TTLs are stored as
// absolute unix milliseconds and compared against the injected clock, so
// expiry is exact and testable.
type SQLite struct {
	db    *sql.DB
	clock clock.Clock
}

var _ Store = (*SQLite)(nil)

// NewSQLite wraps an open database. Call Init before use.
func NewSQLite(db *sql.DB, opts ...Option) *SQLite {
	o := buildOptions(opts)
	return &SQLite{db: db, clock: o.clock}
}

// Init applies the schema for records, timeline, error log, run metadata and locks.
func (s *SQLite) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_records (
			fingerprint TEXT PRIMARY KEY,
			event_date TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			location TEXT NOT NULL,
			performer_name TEXT NOT NULL,
			external_event_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			stale INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS event_timeline (
			fingerprint TEXT PRIMARY KEY,
			event_date TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_timeline_date ON event_timeline(event_date, fingerprint);`,
		`CREATE TABLE IF NOT EXISTS error_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			logged_at INTEGER NOT NULL,
			job_type TEXT NOT NULL,
			message TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_metadata (
			job_type TEXT PRIMARY KEY,
			last_run_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			records_scraped INTEGER NOT NULL,
			events_created INTEGER NOT NULL,
			events_skipped INTEGER NOT NULL,
			errors_count INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			events_adopted INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS locks (
			name TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply store schema: %w", err)
		}
	}
	return s.addColumn(ctx, "run_metadata", "events_adopted", "INTEGER NOT NULL DEFAULT 0")
}

// addColumn upgrades tables created before the column existed.
func (s *SQLite) addColumn(ctx context.Context, table, column, decl string) error {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&n); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *SQLite) now() int64 { return s.clock.Now().UnixMilli() }

// Put upserts the record and its timeline entry in one transaction.
func (s *SQLite) Put(ctx context.Context, rec domain.EventRecord, ttl time.Duration) error {
	if _, err := dayIndex(rec.Date); err != nil {
		return err
	}
	expires := s.clock.Now().Add(ttl).UnixMilli()
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("put event", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_records(fingerprint, event_date, start_time, end_time, location, performer_name,
			external_event_id, created_at, expires_at, stale)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
			event_date = excluded.event_date,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			location = excluded.location,
			performer_name = excluded.performer_name,
			external_event_id = excluded.external_event_id,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			stale = excluded.stale`,
		string(rec.Fingerprint), rec.Date, rec.StartTime, rec.EndTime, rec.Location, rec.PerformerName,
		rec.ExternalEventID, created.UnixMilli(), expires, boolInt(rec.Stale),
	); err != nil {
		return dbErr("put event", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_timeline(fingerprint, event_date) VALUES(?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET event_date = excluded.event_date`,
		string(rec.Fingerprint), rec.Date,
	); err != nil {
		return dbErr("index event", err)
	}
	if err := tx.Commit(); err != nil {
		return dbErr("put event", err)
	}
	return nil
}

// Get returns the live record for fp or ErrNotFound once it has expired.
func (s *SQLite) Get(ctx context.Context, fp domain.Fingerprint) (domain.EventRecord, error) {
	var (
		rec              domain.EventRecord
		created, expires int64
		stale            int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, event_date, start_time, end_time, location, performer_name,
			external_event_id, created_at, expires_at, stale
		 FROM event_records WHERE fingerprint = ? AND expires_at > ?`,
		string(fp), s.now(),
	).Scan(&rec.Fingerprint, &rec.Date, &rec.StartTime, &rec.EndTime, &rec.Location, &rec.PerformerName,
		&rec.ExternalEventID, &created, &expires, &stale)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.EventRecord{}, ErrNotFound
		}
		return domain.EventRecord{}, dbErr("get event", err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.ExpiresAt = time.UnixMilli(expires).UTC()
	rec.Stale = stale != 0
	return rec, nil
}

// Exists is the dedup check issued before any calendar call.
func (s *SQLite) Exists(ctx context.Context, fp domain.Fingerprint) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM event_records WHERE fingerprint = ? AND expires_at > ?`,
		string(fp), s.now(),
	).Scan(&n)
	if err != nil {
		return false, dbErr("check event", err)
	}
	return n > 0, nil
}

// Delete removes the record and its timeline entry. Missing keys are not an error.
func (s *SQLite) Delete(ctx context.Context, fp domain.Fingerprint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("delete event", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_records WHERE fingerprint = ?`, string(fp)); err != nil {
		return dbErr("delete event", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_timeline WHERE fingerprint = ?`, string(fp)); err != nil {
		return dbErr("delete event", err)
	}
	if err := tx.Commit(); err != nil {
		return dbErr("delete event", err)
	}
	return nil
}

func (s *SQLite) IndexByDateRange(ctx context.Context, from, to string) ([]domain.Fingerprint, error) {
	if _, err := dayIndex(from); err != nil {
		return nil, err
	}
	if _, err := dayIndex(to); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.fingerprint FROM event_timeline t
		 JOIN event_records r ON r.fingerprint = t.fingerprint
		 WHERE t.event_date >= ? AND t.event_date <= ? AND r.expires_at > ?
		 ORDER BY t.event_date, t.fingerprint`,
		from, to, s.now())
	if err != nil {
		return nil, dbErr("index by date", err)
	}
	defer rows.Close()
	var fps []domain.Fingerprint
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}
		fps = append(fps, domain.Fingerprint(fp))
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iter timeline", err)
	}
	return fps, nil
}

// PruneTimeline purges expired records and the timeline entries pointing at them.
func (s *SQLite) PruneTimeline(ctx context.Context) (int, error) {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, dbErr("prune timeline", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`DELETE FROM event_timeline WHERE fingerprint NOT IN (
			SELECT fingerprint FROM event_records WHERE expires_at > ?)`, now)
	if err != nil {
		return 0, dbErr("prune timeline", err)
	}
	removed, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_records WHERE expires_at <= ?`, now); err != nil {
		return 0, dbErr("purge expired events", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, dbErr("prune timeline", err)
	}
	return int(removed), nil
}

// AppendError inserts the entry and trims the log to the newest MaxErrorLogEntries.
func (s *SQLite) AppendError(ctx context.Context, entry domain.ErrorLogEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("append error", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO error_log(logged_at, job_type, message) VALUES(?, ?, ?)`,
		ts.UnixMilli(), string(entry.JobType), entry.Message,
	); err != nil {
		return dbErr("append error", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM error_log WHERE id NOT IN (SELECT id FROM error_log ORDER BY id DESC LIMIT ?)`,
		domain.MaxErrorLogEntries,
	); err != nil {
		return dbErr("trim error log", err)
	}
	if err := tx.Commit(); err != nil {
		return dbErr("append error", err)
	}
	return nil
}

func (s *SQLite) RecentErrors(ctx context.Context, n int) ([]domain.ErrorLogEntry, error) {
	n = clampErrorCount(n)
	rows, err := s.db.QueryContext(ctx,
		`SELECT logged_at, job_type, message FROM error_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, dbErr("recent errors", err)
	}
	defer rows.Close()
	var entries []domain.ErrorLogEntry
	for rows.Next() {
		var (
			e   domain.ErrorLogEntry
			ts  int64
			job string
		)
		if err := rows.Scan(&ts, &job, &e.Message); err != nil {
			return nil, fmt.Errorf("scan error entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		e.JobType = domain.JobType(job)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iter errors", err)
	}
	return entries, nil
}

func (s *SQLite) RecordRun(ctx context.Context, job domain.JobType, meta domain.RunMetadata) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_metadata(job_type, last_run_at, status, records_scraped, events_created,
			events_adopted, events_skipped, errors_count, duration_ms)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_type) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			status = excluded.status,
			records_scraped = excluded.records_scraped,
			events_created = excluded.events_created,
			events_adopted = excluded.events_adopted,
			events_skipped = excluded.events_skipped,
			errors_count = excluded.errors_count,
			duration_ms = excluded.duration_ms`,
		string(job), meta.LastRunAt.UnixMilli(), string(meta.LastRunStatus), meta.RecordsScraped,
		meta.EventsCreated, meta.EventsAdopted, meta.EventsSkipped, meta.ErrorsCount, meta.Duration.Milliseconds(),
	)
	if err != nil {
		return dbErr("record run", err)
	}
	return nil
}

func (s *SQLite) LastRun(ctx context.Context, job domain.JobType) (domain.RunMetadata, error) {
	var (
		meta     domain.RunMetadata
		lastRun  int64
		status   string
		duration int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_run_at, status, records_scraped, events_created, events_adopted, events_skipped,
			errors_count, duration_ms
		 FROM run_metadata WHERE job_type = ?`, string(job),
	).Scan(&lastRun, &status, &meta.RecordsScraped, &meta.EventsCreated, &meta.EventsAdopted,
		&meta.EventsSkipped, &meta.ErrorsCount, &duration)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RunMetadata{}, ErrNotFound
		}
		return domain.RunMetadata{}, dbErr("last run", err)
	}
	meta.JobType = job
	meta.LastRunAt = time.UnixMilli(lastRun).UTC()
	meta.LastRunStatus = domain.RunStatus(status)
	meta.Duration = time.Duration(duration) * time.Millisecond
	return meta, nil
}

// AcquireLock inserts the lock row, or takes over a row whose TTL has elapsed.
// The conditional upsert is a single statement, so it is atomic.
func (s *SQLite) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks(name, token, acquired_at, expires_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			token = excluded.token,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		 WHERE locks.expires_at <= ?`,
		name, token, now.UnixMilli(), now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, dbErr("acquire lock", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) ReleaseLock(ctx context.Context, name, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE name = ? AND token = ? AND expires_at > ?`,
		name, token, s.now(),
	)
	if err != nil {
		return false, dbErr("release lock", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) RenewLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE name = ? AND token = ? AND expires_at > ?`,
		now.Add(ttl).UnixMilli(), name, token, now.UnixMilli(),
	)
	if err != nil {
		return false, dbErr("renew lock", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return dbErr("ping", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func dbErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return unavailable(op, err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clampErrorCount(n int) int {
	if n <= 0 {
		return 10
	}
	if n > domain.MaxErrorLogEntries {
		return domain.MaxErrorLogEntries
	}
	return n
}
