// Package attendance decides whether a recognized person is checking in,
// checking out or has already been marked, and is the only writer of the ledger.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"
)

// Ledger layout.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

// Type is the direction of an attendance record.
type Type string

const (
	In  Type = "in"
	Out Type = "out"
)

// Valid reports whether t is a known record type.
func (t Type) Valid() bool { return t == In || t == Out }

// Outcome is the result of a Mark call.
type Outcome string

const (
	OutcomeIn            Outcome = "in"
	OutcomeOut           Outcome = "out"
	OutcomeAlreadyMarked Outcome = "already_marked"
)

// ErrEmptyName is returned for blank names.
var ErrEmptyName = errors.New("attendance: empty name")

// Record is one ledger row.
type Record struct {
	Name string `json:"name"`
	Date string `json:"date"`
	Time string `json:"time"`
	Type Type   `json:"type"`
}

// Timestamp parses Date and Time in loc.
func (r Record) Timestamp(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+TimeLayout, r.Date+" "+r.Time, loc)
}

// Ledger is the durable, append-only store of records. Implementations
// validate their schema before writes and recreate it when it does not match.
type Ledger interface {
	Last(ctx context.Context, name, date string) (Record, bool, error)
	Append(ctx context.Context, rec Record) error
	Records(ctx context.Context, date string) ([]Record, error)
	Reset(ctx context.Context) error
	Close() error
}

// Locker is implemented by ledgers that can be shared between processes.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// Validator is implemented by ledgers that check their schema on demand.
// recreated reports that the ledger was rebuilt blank.
type Validator interface {
	Validate(ctx context.Context) (recreated bool, err error)
}

type cursor struct {
	lastType Type
	lastAt   time.Time
}

// Options configures a Machine.
type Options struct {
	Cooldown time.Duration
	Location *time.Location
	Clock    func() time.Time
}

// Machine tracks the per-person, per-day in/out state.
type Machine struct {
	ledger   Ledger
	cooldown time.Duration
	loc      *time.Location
	now      func() time.Time
	logger   logrus.FieldLogger

	mu      sync.Mutex
	cursors map[string]cursor
}

// NewMachine wires a Machine to its ledger. A nil Location means UTC.
func NewMachine(ledger Ledger, opts Options, logger logrus.FieldLogger) *Machine {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Machine{
		ledger:   ledger,
		cooldown: opts.Cooldown,
		loc:      opts.Location,
		now:      opts.Clock,
		logger:   logger.WithField("component", "attendance"),
		cursors:  make(map[string]cursor),
	}
}

// NormalizeName trims and NFC-normalizes a name so visually identical names share state.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// Location returns the zone all ledger timestamps are expressed in.
func (m *Machine) Location() *time.Location { return m.loc }

// Today returns the current ledger date.
func (m *Machine) Today() string { return m.now().In(m.loc).Format(DateLayout) }

// Mark records an attendance event for name if the state machine allows one.
// It is safe to call on every recognized frame.
func (m *Machine) Mark(ctx context.Context, name string) (Outcome, error) {
	name = NormalizeName(name)
	if name == "" {
		return "", ErrEmptyName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().In(m.loc).Truncate(time.Second)
	date := now.Format(DateLayout)
	key := name + "\x00" + date

	// Fast path: still inside the cooldown after an "in", no I/O needed.
	if c, ok := m.cursors[key]; ok && c.lastType == In && now.Sub(c.lastAt) < m.cooldown {
		return OutcomeAlreadyMarked, nil
	}

	if l, ok := m.ledger.(Locker); ok {
		unlock, err := l.Lock(ctx)
		if err != nil {
			return "", fmt.Errorf("lock ledger: %w", err)
		}
		defer unlock()
	}

	if v, ok := m.ledger.(Validator); ok {
		recreated, err := v.Validate(ctx)
		if err != nil {
			return "", fmt.Errorf("validate attendance ledger: %w", err)
		}
		if recreated {
			m.logger.Warningf("attendance ledger was recreated, dropping cached state")
			clear(m.cursors)
		}
	}

	// The ledger is authoritative; another process may have written since our last look.
	c, err := m.loadCursor(ctx, name, date)
	if err != nil {
		return "", err
	}

	var next Type
	switch {
	case c.lastType == "" || c.lastType == Out:
		next = In
	case now.Sub(c.lastAt) >= m.cooldown:
		next = Out
	default:
		m.cursors[key] = c
		return OutcomeAlreadyMarked, nil
	}

	rec := Record{Name: name, Date: date, Time: now.Format(TimeLayout), Type: next}
	if err := m.ledger.Append(ctx, rec); err != nil {
		return "", fmt.Errorf("append attendance record: %w", err)
	}
	m.cursors[key] = cursor{lastType: next, lastAt: now}

	m.logger.WithFields(logrus.Fields{
		"name": name,
		"type": next,
		"time": rec.Time,
	}).Infof("attendance marked")

	if next == In {
		return OutcomeIn, nil
	}
	return OutcomeOut, nil
}

func (m *Machine) loadCursor(ctx context.Context, name, date string) (cursor, error) {
	rec, ok, err := m.ledger.Last(ctx, name, date)
	if err != nil {
		return cursor{}, fmt.Errorf("read attendance ledger: %w", err)
	}
	if !ok {
		return cursor{}, nil
	}
	at, err := rec.Timestamp(m.loc)
	if err != nil || !rec.Type.Valid() {
		// An unparseable tail row is treated as no prior state.
		m.logger.WithField("name", name).Warningf("ignoring malformed ledger row %+v", rec)
		return cursor{}, nil
	}
	return cursor{lastType: rec.Type, lastAt: at}, nil
}

// Records returns the ledger rows for date ("" for all dates).
func (m *Machine) Records(ctx context.Context, date string) ([]Record, error) {
	return m.ledger.Records(ctx, date)
}

// Reset recreates the ledger and drops every cached cursor.
func (m *Machine) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.ledger.(Locker); ok {
		unlock, err := l.Lock(ctx)
		if err != nil {
			return fmt.Errorf("lock ledger: %w", err)
		}
		defer unlock()
	}
	if err := m.ledger.Reset(ctx); err != nil {
		return err
	}
	clear(m.cursors)
	return nil
}

// Forget drops cached cursors so the next Mark re-reads the ledger.
func (m *Machine) Forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.cursors)
}
