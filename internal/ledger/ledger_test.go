package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/sirupsen/logrus/hooks/test"
)

const wantHeader = "Name,Date,Time,Type\n"

func newTestCSV(t *testing.T) (*CSV, string) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "attendance.csv")
	l, err := NewCSV(path, true, logger)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestCSVCreatesMissingFile(t *testing.T) {
	l, path := newTestCSV(t)

	recreated, err := l.Validate(context.Background())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !recreated {
		t.Error("missing file should be reported as recreated")
	}
	data, _ := os.ReadFile(path)
	if string(data) != wantHeader {
		t.Errorf("unexpected file contents %q", data)
	}

	recreated, err = l.Validate(context.Background())
	if err != nil || recreated {
		t.Errorf("valid file should not be recreated (recreated=%v err=%v)", recreated, err)
	}
}

func TestCSVAppendAndRead(t *testing.T) {
	ctx := context.Background()
	l, path := newTestCSV(t)

	recs := []attendance.Record{
		{Name: "Alice", Date: "2024-03-01", Time: "09:00:00", Type: attendance.In},
		{Name: "Smith, Bob", Date: "2024-03-01", Time: "09:05:00", Type: attendance.In},
		{Name: "Alice", Date: "2024-03-01", Time: "10:00:00", Type: attendance.Out},
		{Name: "Alice", Date: "2024-03-02", Time: "08:00:00", Type: attendance.In},
	}
	for _, r := range recs {
		if err := l.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := l.Records(ctx, "2024-03-01")
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records for 2024-03-01, got %d", len(got))
	}
	if got[1].Name != "Smith, Bob" {
		t.Errorf("quoted name not round-tripped: %q", got[1].Name)
	}

	all, _ := l.Records(ctx, "")
	if len(all) != 4 {
		t.Errorf("expected 4 records total, got %d", len(all))
	}

	last, ok, err := l.Last(ctx, "Alice", "2024-03-01")
	if err != nil || !ok {
		t.Fatalf("Last: ok=%v err=%v", ok, err)
	}
	if last.Type != attendance.Out || last.Time != "10:00:00" {
		t.Errorf("unexpected last record %+v", last)
	}
	if _, ok, _ := l.Last(ctx, "Carol", "2024-03-01"); ok {
		t.Error("unexpected record for Carol")
	}

	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), wantHeader) {
		t.Errorf("header missing: %q", data)
	}
}

func TestCSVRecreatesMismatchedLedger(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"Wrong columns", "Name,Date,Timestamp\nAlice,2024-03-01,09:00:00\n"},
		{"Extra column", "Name,Date,Time,Type,Note\n"},
		{"Ragged row", "Name,Date,Time,Type\nAlice,2024-03-01\n"},
		{"Empty file", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l, path := newTestCSV(t)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}

			rec := attendance.Record{Name: "Alice", Date: "2024-03-01", Time: "09:00:00", Type: attendance.In}
			if err := l.Append(ctx, rec); err != nil {
				t.Fatalf("Append: %v", err)
			}

			data, _ := os.ReadFile(path)
			want := wantHeader + "Alice,2024-03-01,09:00:00,in\n"
			if string(data) != want {
				t.Errorf("got %q, want %q", data, want)
			}
		})
	}
}

func TestCSVReset(t *testing.T) {
	ctx := context.Background()
	l, path := newTestCSV(t)
	l.Append(ctx, attendance.Record{Name: "Alice", Date: "2024-03-01", Time: "09:00:00", Type: attendance.In})

	if err := l.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != wantHeader {
		t.Errorf("expected blank ledger, got %q", data)
	}
}

func TestCSVLock(t *testing.T) {
	l, _ := newTestCSV(t)
	unlock, err := l.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// A second handle on the same file must wait for the first.
	logger, _ := test.NewNullLogger()
	other, _ := NewCSV(l.Path(), true, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := other.Lock(ctx); err == nil {
		t.Error("expected second lock to time out while the first is held")
	}

	unlock()
	unlock2, err := other.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	unlock2()
}

func TestMachineOverCSV(t *testing.T) {
	ctx := context.Background()
	l, path := newTestCSV(t)
	logger, _ := test.NewNullLogger()

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := attendance.NewMachine(l, attendance.Options{Cooldown: time.Hour, Clock: clock}, logger)

	if got, _ := m.Mark(ctx, "Alice"); got != attendance.OutcomeIn {
		t.Fatalf("first mark: %q", got)
	}
	if got, _ := m.Mark(ctx, "Alice"); got != attendance.OutcomeAlreadyMarked {
		t.Fatalf("second mark: %q", got)
	}
	now = now.Add(time.Hour)

	// Restarted process with a fresh machine reads the persisted cursor.
	m2 := attendance.NewMachine(l, attendance.Options{Cooldown: time.Hour, Clock: clock}, logger)
	if got, _ := m2.Mark(ctx, "Alice"); got != attendance.OutcomeOut {
		t.Fatalf("mark after restart: %q", got)
	}

	data, _ := os.ReadFile(path)
	want := wantHeader + "Alice,2024-03-01,09:00:00,in\nAlice,2024-03-01,10:00:00,out\n"
	if string(data) != want {
		t.Errorf("got %q, want %q", data, want)
	}
}

func TestSQLiteLedger(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "attendance.db")

	s, err := NewSQLite(ctx, path, false, logger)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer s.Close()

	s.Append(ctx, attendance.Record{Name: "Alice", Date: "2024-03-01", Time: "09:00:00", Type: attendance.In})
	s.Append(ctx, attendance.Record{Name: "Alice", Date: "2024-03-01", Time: "10:00:00", Type: attendance.Out})
	s.Append(ctx, attendance.Record{Name: "Bob", Date: "2024-03-02", Time: "10:00:00", Type: attendance.In})

	last, ok, err := s.Last(ctx, "Alice", "2024-03-01")
	if err != nil || !ok || last.Type != attendance.Out {
		t.Fatalf("Last = %+v ok=%v err=%v", last, ok, err)
	}
	recs, err := s.Records(ctx, "2024-03-01")
	if err != nil || len(recs) != 2 {
		t.Fatalf("Records = %v err=%v", recs, err)
	}

	if err := s.Append(ctx, attendance.Record{Name: "X", Date: "2024-03-01", Time: "10:00:00", Type: "sideways"}); err == nil {
		t.Error("invalid type should be rejected by the schema")
	}

	// Simulate a ledger written by an incompatible version.
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_version SET version = 99"); err != nil {
		t.Fatal(err)
	}
	recreated, err := s.Validate(ctx)
	if err != nil || !recreated {
		t.Fatalf("Validate after version bump: recreated=%v err=%v", recreated, err)
	}
	if recs, _ := s.Records(ctx, ""); len(recs) != 0 {
		t.Errorf("expected empty ledger after recreation, got %d rows", len(recs))
	}
}

func TestSQLiteRecreatesMismatchedColumns(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	tests := []struct {
		name  string
		setup string
	}{
		{"Wrong columns", "DROP TABLE attendance; CREATE TABLE attendance (who TEXT)"},
		{"Missing table", "DROP TABLE attendance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "attendance.db")
			s, err := NewSQLite(ctx, path, false, logger)
			if err != nil {
				t.Fatalf("NewSQLite: %v", err)
			}
			defer s.Close()

			// The recorded version still matches, only the table is off.
			if _, err := s.db.ExecContext(ctx, tt.setup); err != nil {
				t.Fatal(err)
			}

			now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
			m := attendance.NewMachine(s, attendance.Options{Cooldown: time.Hour, Clock: func() time.Time { return now }}, logger)
			for i := 0; i < 2; i++ {
				got, err := m.Mark(ctx, "Alice")
				if err != nil {
					t.Fatalf("mark %d: %v", i, err)
				}
				want := attendance.OutcomeIn
				if i > 0 {
					want = attendance.OutcomeAlreadyMarked
				}
				if got != want {
					t.Fatalf("mark %d = %q, want %q", i, got, want)
				}
			}

			recs, err := s.Records(ctx, "")
			if err != nil || len(recs) != 1 || recs[0].Name != "Alice" {
				t.Fatalf("Records = %v err=%v", recs, err)
			}
			if recreated, err := s.Validate(ctx); err != nil || recreated {
				t.Errorf("Validate on a healthy ledger: recreated=%v err=%v", recreated, err)
			}
		})
	}
}

func TestSQLiteLockSerializesHandles(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "attendance.db")
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	const handles = 4
	machines := make([]*attendance.Machine, handles)
	var first *SQLite
	for i := range machines {
		s, err := NewSQLite(ctx, path, true, logger)
		if err != nil {
			t.Fatalf("NewSQLite %d: %v", i, err)
		}
		t.Cleanup(func() { s.Close() })
		if first == nil {
			first = s
		}
		machines[i] = attendance.NewMachine(s, attendance.Options{Cooldown: time.Hour, Clock: clock}, logger)
	}

	for round := 0; round < 10; round++ {
		name := fmt.Sprintf("Person%d", round)
		var wg sync.WaitGroup
		errs := make(chan error, handles)
		for _, m := range machines {
			wg.Add(1)
			go func(m *attendance.Machine) {
				defer wg.Done()
				if _, err := m.Mark(ctx, name); err != nil {
					errs <- err
				}
			}(m)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("%s: %v", name, err)
		}
	}

	recs, err := first.Records(ctx, "2024-03-01")
	if err != nil {
		t.Fatal(err)
	}
	ins := make(map[string]int)
	for _, rec := range recs {
		if rec.Type != attendance.In {
			t.Errorf("unexpected %+v", rec)
		}
		ins[rec.Name]++
	}
	for round := 0; round < 10; round++ {
		name := fmt.Sprintf("Person%d", round)
		if ins[name] != 1 {
			t.Errorf("%s has %d \"in\" records, want 1", name, ins[name])
		}
	}

	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Errorf("expected lock file: %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	dir := t.TempDir()

	for _, backend := range []string{"", BackendCSV, BackendSQLite} {
		l, err := Open(ctx, backend, filepath.Join(dir, "ledger-"+backend), false, logger)
		if err != nil {
			t.Fatalf("Open(%q): %v", backend, err)
		}
		l.Close()
	}
	if _, err := Open(ctx, "parquet", filepath.Join(dir, "x"), false, logger); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestMachineRecoversFromCorruptCSV(t *testing.T) {
	ctx := context.Background()
	l, path := newTestCSV(t)
	logger, _ := test.NewNullLogger()

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	m := attendance.NewMachine(l, attendance.Options{Cooldown: time.Hour, Clock: func() time.Time { return now }}, logger)
	if got, _ := m.Mark(ctx, "Alice"); got != attendance.OutcomeIn {
		t.Fatalf("first mark: %q", got)
	}

	if err := os.WriteFile(path, []byte("garbage\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Hour)

	// The recreated ledger has no "in" for Alice, so the next mark starts over.
	if got, err := m.Mark(ctx, "Alice"); err != nil || got != attendance.OutcomeIn {
		t.Fatalf("mark after corruption: %q err=%v", got, err)
	}
	data, _ := os.ReadFile(path)
	want := wantHeader + "Alice,2024-03-01,11:00:00,in\n"
	if string(data) != want {
		t.Errorf("got %q, want %q", data, want)
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("expected corrupt copy to be kept: %v", err)
	}
}
