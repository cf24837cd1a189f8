// Package ledger provides file-backed attendance ledgers.
package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// Header is the required first row of a CSV ledger.
var Header = []string{"Name", "Date", "Time", "Type"}

// ErrSchemaMismatch marks a ledger whose layout is not the one we write.
var ErrSchemaMismatch = errors.New("ledger schema mismatch")

const lockRetryDelay = 25 * time.Millisecond

// CSV is an append-only CSV ledger. A missing or malformed file is recreated
// with a blank header before the next read or write.
type CSV struct {
	path   string
	lock   *flock.Flock
	logger logrus.FieldLogger
	mu     sync.Mutex
}

// NewCSV opens (or lazily creates) the ledger at path. useLock enables an
// advisory <path>.lock file so several processes can share the ledger.
func NewCSV(path string, useLock bool, logger logrus.FieldLogger) (*CSV, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	l := &CSV{path: path, logger: logger.WithFields(logrus.Fields{"component": "ledger", "path": path})}
	if useLock {
		l.lock = flock.New(path + ".lock")
	}
	return l, nil
}

// Path returns the ledger file path.
func (l *CSV) Path() string { return l.path }

// Lock implements attendance.Locker.
func (l *CSV) Lock(ctx context.Context) (func(), error) {
	if l.lock == nil {
		return func() {}, nil
	}
	ok, err := l.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}
	if !ok {
		return nil, errors.New("acquire ledger lock: not acquired")
	}
	return func() {
		if err := l.lock.Unlock(); err != nil {
			l.logger.WithError(err).Warningf("failed to release ledger lock")
		}
	}, nil
}

// Validate checks the file, recreating it when it is missing or malformed.
// It reports whether the file was recreated.
func (l *CSV) Validate(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, recreated, err := l.load()
	return recreated, err
}

// load reads every row. Missing files and schema mismatches trigger recreation.
func (l *CSV) load() ([]attendance.Record, bool, error) {
	recs, err := l.read()
	if err == nil {
		return recs, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, ErrSchemaMismatch) {
		return nil, false, err
	}
	if errors.Is(err, ErrSchemaMismatch) {
		l.logger.WithError(err).Warningf("ledger malformed, recreating")
		if err := os.Rename(l.path, l.path+".corrupt"); err != nil {
			l.logger.WithError(err).Warningf("failed to keep a copy of the malformed ledger")
		}
	}
	if err := l.recreate(); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

func (l *CSV) read() ([]attendance.Record, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(Header)
	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", ErrSchemaMismatch)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if !slices.Equal(header, Header) {
		return nil, fmt.Errorf("%w: header %v", ErrSchemaMismatch, header)
	}

	var recs []attendance.Record
	for {
		row, err := r.Read()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
		recs = append(recs, attendance.Record{Name: row[0], Date: row[1], Time: row[2], Type: attendance.Type(row[3])})
	}
}

func (l *CSV) recreate() error {
	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("recreate ledger: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		f.Close()
		return fmt.Errorf("recreate ledger: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("recreate ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("recreate ledger: %w", err)
	}
	return os.Rename(tmp, l.path)
}

// Last implements attendance.Ledger.
func (l *CSV) Last(_ context.Context, name, date string) (attendance.Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs, _, err := l.load()
	if err != nil {
		return attendance.Record{}, false, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Name == name && recs[i].Date == date {
			return recs[i], true, nil
		}
	}
	return attendance.Record{}, false, nil
}

// Append implements attendance.Ledger. The schema is checked before every write.
func (l *CSV) Append(_ context.Context, rec attendance.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, _, err := l.load(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{rec.Name, rec.Date, rec.Time, string(rec.Type)}); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Records implements attendance.Ledger.
func (l *CSV) Records(_ context.Context, date string) ([]attendance.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs, _, err := l.load()
	if err != nil {
		return nil, err
	}
	if date == "" {
		return recs, nil
	}
	out := recs[:0:0]
	for _, r := range recs {
		if r.Date == date {
			out = append(out, r)
		}
	}
	return out, nil
}

// Reset implements attendance.Ledger.
func (l *CSV) Reset(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recreate()
}

// Close implements attendance.Ledger.
func (l *CSV) Close() error {
	if l.lock != nil && l.lock.Locked() {
		return l.lock.Unlock()
	}
	return nil
}
