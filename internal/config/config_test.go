package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/andresmejia3/rollcall/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"ROLLCALL_DATABASE_URL", "ROLLCALL_LOG_LEVEL", "POSTGRES_HOST", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB", "POSTGRES_PORT"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	clearEnv(t)
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if resolved != filepath.Join(tempHome, ".config", "rollcall", "config.toml") {
		t.Fatalf("unexpected resolved path %q", resolved)
	}

	def := config.Default()
	if cfg.Recognition != def.Recognition {
		t.Fatalf("recognition defaults changed: %+v", cfg.Recognition)
	}
	if cfg.Cooldown() != time.Hour {
		t.Fatalf("expected 1h cooldown, got %v", cfg.Cooldown())
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", cfg.Location())
	}
	if !filepath.IsAbs(cfg.Ledger.Path) || filepath.Base(cfg.Ledger.Path) != "attendance.csv" {
		t.Fatalf("unexpected ledger path %q", cfg.Ledger.Path)
	}
	if cfg.DatabaseURL() != "postgres://localhost:5432/rollcall" {
		t.Fatalf("unexpected database url %q", cfg.DatabaseURL())
	}
	if cfg.MatcherTimeout() != 30*time.Second {
		t.Fatalf("unexpected matcher timeout %v", cfg.MatcherTimeout())
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, `
[recognition]
max_distance = 0.45

[attendance]
timezone = "Asia/Kolkata"
cooldown_hours = 0.5
trigger = "Consensus"

[ledger]
backend = "sqlite"
path = "~/rollcall/attendance.db"
`)

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("resolved=%q exists=%v", resolved, exists)
	}
	if cfg.Recognition.MaxDistance != 0.45 {
		t.Errorf("max_distance = %v", cfg.Recognition.MaxDistance)
	}
	if cfg.Recognition.MinFaceSize != 50 {
		t.Errorf("unset key lost its default: %d", cfg.Recognition.MinFaceSize)
	}
	if cfg.Attendance.Trigger != "consensus" {
		t.Errorf("trigger not normalized: %q", cfg.Attendance.Trigger)
	}
	if cfg.Location().String() != "Asia/Kolkata" {
		t.Errorf("location = %v", cfg.Location())
	}
	if cfg.Cooldown() != 30*time.Minute {
		t.Errorf("cooldown = %v", cfg.Cooldown())
	}
	home, _ := os.UserHomeDir()
	if cfg.Ledger.Path != filepath.Join(home, "rollcall", "attendance.db") {
		t.Errorf("ledger path not expanded: %q", cfg.Ledger.Path)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "user")
	t.Setenv("POSTGRES_PASSWORD", "pw")
	t.Setenv("POSTGRES_DB", "rollcall")
	t.Setenv("ROLLCALL_LOG_LEVEL", "DEBUG")

	cfg, _, _, err := config.Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.DatabaseURL() != "postgres://user:pw@db:5432/rollcall" {
		t.Errorf("unexpected url %q", cfg.DatabaseURL())
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("unexpected level %q", cfg.Logging.Level)
	}

	t.Setenv("ROLLCALL_DATABASE_URL", "postgres://explicit/db")
	cfg, _, _, err = config.Load(writeConfig(t, "[database]\nurl = \"postgres://file/db\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabaseURL() != "postgres://explicit/db" {
		t.Errorf("ROLLCALL_DATABASE_URL should win, got %q", cfg.DatabaseURL())
	}
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"Confidence range", "[recognition]\nmin_confidence = 1.5\n", "recognition.min_confidence"},
		{"Negative distance", "[recognition]\nmax_distance = -1\n", "recognition.max_distance"},
		{"Window above history", "[recognition]\nhistory_length = 3\nconsistency_check_frames = 5\n", "consistency_check_frames"},
		{"Unknown zone", "[attendance]\ntimezone = \"Mars/Olympus\"\n", "attendance.timezone"},
		{"Unknown trigger", "[attendance]\ntrigger = \"always\"\n", "attendance.trigger"},
		{"Consensus window too small", "[recognition]\nconsecutive_frames = 6\n[attendance]\ntrigger = \"consensus\"\n", "consensus"},
		{"Unknown tracking mode", "[tracking]\nmode = \"kalman\"\n", "tracking.mode"},
		{"Watch without ROI", "[gate]\nwatch_roi = true\n", "gate.roi_path"},
		{"Unknown backend", "[ledger]\nbackend = \"parquet\"\n", "ledger.backend"},
		{"Unknown matcher", "[matcher]\nbackend = \"magic\"\n", "matcher.backend"},
		{"Unknown log format", "[logging]\nformat = \"xml\"\n", "logging.format"},
		{"Unknown key", "[recognition]\nmin_confidance = 0.5\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("HOME", t.TempDir())
			_, _, _, err := config.Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}

	var sample config.Config
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := toml.Unmarshal(data, &sample); err != nil {
		t.Fatalf("sample does not parse: %v", err)
	}
	if sample.Recognition != config.Default().Recognition {
		t.Errorf("sample recognition values drifted from defaults: %+v", sample.Recognition)
	}

	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample config fails validation: %v", err)
	}
}

func TestEncode(t *testing.T) {
	cfg := config.Default()
	out, err := cfg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "max_distance = 0.6") {
		t.Errorf("unexpected encoding:\n%s", out)
	}
}
