package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

// memLedger is an in-memory Ledger used to observe writes.
type memLedger struct {
	mu      sync.Mutex
	records []Record
	lastErr error
	appends int
	locks   int
}

func (l *memLedger) Last(_ context.Context, name, date string) (Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastErr != nil {
		return Record{}, false, l.lastErr
	}
	for i := len(l.records) - 1; i >= 0; i-- {
		if r := l.records[i]; r.Name == name && r.Date == date {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

func (l *memLedger) Append(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appends++
	l.records = append(l.records, rec)
	return nil
}

func (l *memLedger) Records(_ context.Context, date string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, r := range l.records {
		if date == "" || r.Date == date {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *memLedger) Reset(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	return nil
}

func (l *memLedger) Close() error { return nil }

func (l *memLedger) Lock(context.Context) (func(), error) {
	l.mu.Lock()
	l.locks++
	l.mu.Unlock()
	return func() {}, nil
}

type fakeClock struct{ t time.Time }

func newClock(s string) *fakeClock {
	t, _ := time.Parse(time.RFC3339, s)
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMachine(l Ledger, c *fakeClock) *Machine {
	logger, _ := test.NewNullLogger()
	return NewMachine(l, Options{Cooldown: time.Hour, Location: time.UTC, Clock: c.Now}, logger)
}

func TestMarkStateMachine(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{}
	clock := newClock("2024-03-01T09:00:00Z")
	m := newTestMachine(ledger, clock)

	steps := []struct {
		advance time.Duration
		want    Outcome
	}{
		{0, OutcomeIn},
		{time.Second, OutcomeAlreadyMarked},
		{30 * time.Minute, OutcomeAlreadyMarked},
		{30 * time.Minute, OutcomeOut},
		{time.Second, OutcomeIn},
		{time.Minute, OutcomeAlreadyMarked},
	}
	for i, s := range steps {
		clock.Advance(s.advance)
		got, err := m.Mark(ctx, "Alice")
		if err != nil {
			t.Fatalf("step %d: Mark: %v", i, err)
		}
		if got != s.want {
			t.Fatalf("step %d: got %q, want %q", i, got, s.want)
		}
	}

	recs, _ := ledger.Records(ctx, "2024-03-01")
	wantTypes := []Type{In, Out, In}
	if len(recs) != len(wantTypes) {
		t.Fatalf("expected %d records, got %d: %+v", len(wantTypes), len(recs), recs)
	}
	for i, r := range recs {
		if r.Type != wantTypes[i] {
			t.Errorf("record %d: type %q, want %q", i, r.Type, wantTypes[i])
		}
	}
	if recs[0].Time != "09:00:00" || recs[1].Time != "10:00:01" {
		t.Errorf("unexpected times %q, %q", recs[0].Time, recs[1].Time)
	}
}

func TestMarkIdempotentWithinCooldown(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{}
	clock := newClock("2024-03-01T09:00:00Z")
	m := newTestMachine(ledger, clock)

	for i := 0; i < 50; i++ {
		if _, err := m.Mark(ctx, "Alice"); err != nil {
			t.Fatal(err)
		}
		clock.Advance(10 * time.Second)
	}
	if ledger.appends != 1 {
		t.Fatalf("expected exactly 1 record, got %d", ledger.appends)
	}

	clock.Advance(time.Hour)
	if got, _ := m.Mark(ctx, "Alice"); got != OutcomeOut {
		t.Fatalf("expected out after cooldown, got %q", got)
	}
	if ledger.appends != 2 {
		t.Fatalf("expected 2 records, got %d", ledger.appends)
	}
}

func TestMarkRebuildsCursorFromLedger(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{records: []Record{{Name: "Alice", Date: "2024-03-01", Time: "08:30:00", Type: In}}}
	clock := newClock("2024-03-01T09:00:00Z")

	// Fresh machine, as after a restart.
	m := newTestMachine(ledger, clock)
	if got, _ := m.Mark(ctx, "Alice"); got != OutcomeAlreadyMarked {
		t.Fatalf("expected already_marked from persisted in, got %q", got)
	}
	clock.Advance(30 * time.Minute)
	if got, _ := m.Mark(ctx, "Alice"); got != OutcomeOut {
		t.Fatalf("expected out once the persisted in is an hour old, got %q", got)
	}
}

func TestMarkNewDayStartsWithIn(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{}
	clock := newClock("2024-03-01T23:59:00Z")
	m := newTestMachine(ledger, clock)

	if got, _ := m.Mark(ctx, "Alice"); got != OutcomeIn {
		t.Fatalf("got %q", got)
	}
	clock.Advance(2 * time.Minute)
	if got, _ := m.Mark(ctx, "Alice"); got != OutcomeIn {
		t.Fatalf("expected fresh in on new day, got %q", got)
	}
	if m.Today() != "2024-03-02" {
		t.Errorf("unexpected today %q", m.Today())
	}
}

func TestMarkUsesConfiguredZone(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{}
	clock := newClock("2024-03-01T20:00:00Z")
	ist := time.FixedZone("IST", 5*3600+1800)
	logger, _ := test.NewNullLogger()
	m := NewMachine(ledger, Options{Cooldown: time.Hour, Location: ist, Clock: clock.Now}, logger)

	if _, err := m.Mark(ctx, "Alice"); err != nil {
		t.Fatal(err)
	}
	r := ledger.records[0]
	if r.Date != "2024-03-02" || r.Time != "01:30:00" {
		t.Errorf("expected IST timestamp, got %s %s", r.Date, r.Time)
	}
}

func TestMarkNormalizesNames(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{}
	m := newTestMachine(ledger, newClock("2024-03-01T09:00:00Z"))

	if _, err := m.Mark(ctx, "Jos\u00e9"); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Mark(ctx, " Jose\u0301 "); got != OutcomeAlreadyMarked {
		t.Errorf("decomposed name should match composed cursor, got %q", got)
	}
	if _, err := m.Mark(ctx, "   "); !errors.Is(err, ErrEmptyName) {
		t.Errorf("expected ErrEmptyName, got %v", err)
	}
}

func TestMarkLedgerError(t *testing.T) {
	ledger := &memLedger{lastErr: errors.New("disk on fire")}
	m := newTestMachine(ledger, newClock("2024-03-01T09:00:00Z"))
	if _, err := m.Mark(context.Background(), "Alice"); err == nil {
		t.Fatal("expected error")
	}
	if ledger.appends != 0 {
		t.Error("nothing should be written on read failure")
	}
}

func TestMarkTakesLedgerLock(t *testing.T) {
	ledger := &memLedger{}
	m := newTestMachine(ledger, newClock("2024-03-01T09:00:00Z"))
	m.Mark(context.Background(), "Alice")
	m.Mark(context.Background(), "Alice")
	if ledger.locks != 1 {
		t.Errorf("expected a single lock (fast path skips I/O), got %d", ledger.locks)
	}
}

func TestResetDropsCursors(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{}
	m := newTestMachine(ledger, newClock("2024-03-01T09:00:00Z"))
	m.Mark(ctx, "Alice")
	if err := m.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Mark(ctx, "Alice"); got != OutcomeIn {
		t.Errorf("expected in after reset, got %q", got)
	}
}

func TestConcurrentMarksWriteOnce(t *testing.T) {
	ledger := &memLedger{}
	m := newTestMachine(ledger, newClock("2024-03-01T09:00:00Z"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Mark(context.Background(), "Alice")
		}()
	}
	wg.Wait()
	if ledger.appends != 1 {
		t.Errorf("expected 1 record under concurrency, got %d", ledger.appends)
	}
}
