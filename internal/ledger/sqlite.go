package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS attendance (
	seq  INTEGER PRIMARY KEY AUTOINCREMENT,
	id   TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	date TEXT NOT NULL,
	time TEXT NOT NULL,
	type TEXT NOT NULL CHECK (type IN ('in', 'out'))
);
CREATE INDEX IF NOT EXISTS attendance_name_date_idx ON attendance (name, date);
`

var sqliteColumns = []string{"seq", "id", "name", "date", "time", "type"}

// SQLite stores records in a single table. A version or column mismatch
// drops and recreates the table rather than migrating it.
type SQLite struct {
	db     *sql.DB
	lock   *flock.Flock
	logger logrus.FieldLogger
}

// NewSQLite opens the database at path and initializes the schema. useLock
// enables the same advisory <path>.lock file the CSV ledger uses.
func NewSQLite(ctx context.Context, path string, useLock bool, logger logrus.FieldLogger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &SQLite{db: db, logger: logger.WithFields(logrus.Fields{"component": "ledger", "path": path})}
	if useLock {
		s.lock = flock.New(path + ".lock")
	}
	if _, err := s.Validate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Lock implements attendance.Locker.
func (s *SQLite) Lock(ctx context.Context) (func(), error) {
	if s.lock == nil {
		return func() {}, nil
	}
	ok, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}
	if !ok {
		return nil, errors.New("acquire ledger lock: not acquired")
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.WithError(err).Warningf("failed to release ledger lock")
		}
	}, nil
}

// Validate checks the schema version and the attendance columns, recreating
// the tables on mismatch. It reports whether they were recreated.
func (s *SQLite) Validate(ctx context.Context) (bool, error) {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return false, fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return false, s.createSchema(ctx)
	}

	var version int
	err = s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == nil && version == sqliteSchemaVersion {
		columns, colErr := s.columns(ctx)
		if colErr != nil {
			return false, colErr
		}
		if slices.Equal(columns, sqliteColumns) {
			return false, nil
		}
		s.logger.WithField("columns", columns).Warningf("ledger columns mismatch, recreating")
	} else {
		s.logger.WithField("version", version).Warningf("ledger schema mismatch, recreating")
	}

	if err := s.dropSchema(ctx); err != nil {
		return false, err
	}
	return true, s.createSchema(ctx)
}

// columns lists the attendance table's columns in declaration order. A
// missing table yields none.
func (s *SQLite) columns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info('attendance') ORDER BY cid")
	if err != nil {
		return nil, fmt.Errorf("read attendance columns: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("read attendance columns: %w", err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

func (s *SQLite) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", sqliteSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func (s *SQLite) dropSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS attendance;
		DROP TABLE IF EXISTS schema_version;
	`)
	if err != nil {
		return fmt.Errorf("drop schema: %w", err)
	}
	return nil
}

// Last implements attendance.Ledger.
func (s *SQLite) Last(ctx context.Context, name, date string) (attendance.Record, bool, error) {
	var rec attendance.Record
	err := s.db.QueryRowContext(ctx,
		"SELECT name, date, time, type FROM attendance WHERE name = ? AND date = ? ORDER BY seq DESC LIMIT 1",
		name, date,
	).Scan(&rec.Name, &rec.Date, &rec.Time, &rec.Type)
	if err == sql.ErrNoRows {
		return attendance.Record{}, false, nil
	}
	if err != nil {
		return attendance.Record{}, false, err
	}
	return rec, true, nil
}

// Append implements attendance.Ledger.
func (s *SQLite) Append(ctx context.Context, rec attendance.Record) error {
	if _, err := s.Validate(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO attendance (id, name, date, time, type) VALUES (?, ?, ?, ?, ?)",
		uuid.NewString(), rec.Name, rec.Date, rec.Time, string(rec.Type),
	)
	return err
}

// Records implements attendance.Ledger.
func (s *SQLite) Records(ctx context.Context, date string) ([]attendance.Record, error) {
	query := "SELECT name, date, time, type FROM attendance ORDER BY seq"
	args := []any{}
	if date != "" {
		query = "SELECT name, date, time, type FROM attendance WHERE date = ? ORDER BY seq"
		args = append(args, date)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []attendance.Record
	for rows.Next() {
		var rec attendance.Record
		if err := rows.Scan(&rec.Name, &rec.Date, &rec.Time, &rec.Type); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Reset implements attendance.Ledger.
func (s *SQLite) Reset(ctx context.Context) error {
	if err := s.dropSchema(ctx); err != nil {
		return err
	}
	return s.createSchema(ctx)
}

// Close implements attendance.Ledger.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
