package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

var ledgerColumns = []string{"seq", "id", "name", "date", "time", "type"}

const ledgerDDL = `
	CREATE TABLE IF NOT EXISTS attendance_records (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		name TEXT NOT NULL,
		date TEXT NOT NULL,
		time TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('in', 'out'))
	);
	CREATE INDEX IF NOT EXISTS attendance_records_name_date_idx ON attendance_records (name, date);
`

// ensureLedgerSchema creates attendance_records, recreating it when its
// columns differ from the expected layout.
func ensureLedgerSchema(ctx context.Context, conn *pgx.Conn) error {
	_, err := validateLedger(ctx, conn)
	return err
}

func validateLedger(ctx context.Context, conn *pgx.Conn) (bool, error) {
	rows, err := conn.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = 'attendance_records'
		ORDER BY ordinal_position
	`)
	if err != nil {
		return false, err
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return false, err
	}

	if len(cols) == 0 {
		_, err := conn.Exec(ctx, ledgerDDL)
		return false, err
	}
	if slices.Equal(cols, ledgerColumns) {
		return false, nil
	}

	if _, err := conn.Exec(ctx, "DROP TABLE attendance_records CASCADE;"+ledgerDDL); err != nil {
		return false, fmt.Errorf("recreate attendance_records: %w", err)
	}
	return true, nil
}

// Ledger exposes the attendance_records table as an attendance.Ledger.
type Ledger struct {
	s      *Store
	logger logrus.FieldLogger
}

// Ledger returns the PostgreSQL-backed attendance ledger.
func (s *Store) Ledger(logger logrus.FieldLogger) *Ledger {
	return &Ledger{s: s, logger: logger.WithFields(logrus.Fields{"component": "ledger", "backend": "postgres"})}
}

// Validate checks the table layout, recreating it on mismatch.
func (l *Ledger) Validate(ctx context.Context) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return validateLedger(ctx, l.s.conn)
}

// Last implements attendance.Ledger.
func (l *Ledger) Last(ctx context.Context, name, date string) (attendance.Record, bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	var rec attendance.Record
	err := l.s.conn.QueryRow(ctx, `
		SELECT name, date, time, type FROM attendance_records
		WHERE name = $1 AND date = $2 ORDER BY seq DESC LIMIT 1
	`, name, date).Scan(&rec.Name, &rec.Date, &rec.Time, &rec.Type)
	if err == pgx.ErrNoRows {
		return attendance.Record{}, false, nil
	}
	if err != nil {
		return attendance.Record{}, false, err
	}
	return rec, true, nil
}

// Append implements attendance.Ledger. The table layout is validated first.
func (l *Ledger) Append(ctx context.Context, rec attendance.Record) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if _, err := validateLedger(ctx, l.s.conn); err != nil {
		return err
	}
	_, err := l.s.conn.Exec(ctx,
		"INSERT INTO attendance_records (id, name, date, time, type) VALUES ($1, $2, $3, $4, $5)",
		uuid.New(), rec.Name, rec.Date, rec.Time, string(rec.Type))
	return err
}

// Records implements attendance.Ledger.
func (l *Ledger) Records(ctx context.Context, date string) ([]attendance.Record, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	rows, err := l.s.conn.Query(ctx, `
		SELECT name, date, time, type FROM attendance_records
		WHERE $1 = '' OR date = $1 ORDER BY seq
	`, date)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (attendance.Record, error) {
		var rec attendance.Record
		err := row.Scan(&rec.Name, &rec.Date, &rec.Time, &rec.Type)
		return rec, err
	})
}

// Reset implements attendance.Ledger.
func (l *Ledger) Reset(ctx context.Context) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	_, err := l.s.conn.Exec(ctx, "DROP TABLE IF EXISTS attendance_records CASCADE;"+ledgerDDL)
	return err
}

// Close implements attendance.Ledger. The connection belongs to the Store.
func (l *Ledger) Close() error { return nil }

// Lock implements attendance.Locker using a session-level advisory lock.
func (l *Ledger) Lock(ctx context.Context) (func(), error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if _, err := l.s.conn.Exec(ctx, "SELECT pg_advisory_lock(hashtext('rollcall_attendance'))"); err != nil {
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}
	return func() {
		l.s.mu.Lock()
		defer l.s.mu.Unlock()
		var released bool
		err := l.s.conn.QueryRow(context.Background(),
			"SELECT pg_advisory_unlock(hashtext('rollcall_attendance'))",
		).Scan(&released)
		if err == nil && !released {
			err = errors.New("advisory lock was not held")
		}
		if err != nil {
			l.logger.WithError(err).Warningf("failed to release ledger lock")
		}
	}, nil
}
