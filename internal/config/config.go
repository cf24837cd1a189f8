package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // attendance.timezone must resolve on hosts without a zoneinfo database

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Recognition contains the per-face decision thresholds.
type Recognition struct {
	MinConfidence           float64 `toml:"min_confidence"`
	MaxDistance             float64 `toml:"max_distance"`
	MinFaceSize             int     `toml:"min_face_size"`
	QualityThreshold        float64 `toml:"quality_threshold"`
	HighConfidenceThreshold float64 `toml:"high_confidence_threshold"`
	ConsecutiveFrames       int     `toml:"consecutive_frames"`
	HistoryLength           int     `toml:"history_length"`
	ConsistencyCheckFrames  int     `toml:"consistency_check_frames"`
	SharpnessScale          float64 `toml:"sharpness_scale"`
}

// Attendance contains the state machine settings.
type Attendance struct {
	CooldownHours float64 `toml:"cooldown_hours"`
	Timezone      string  `toml:"timezone"`
	Trigger       string  `toml:"trigger"` // frame | consensus
}

// Gate contains frame sampling and region-of-interest settings.
type Gate struct {
	TargetInterval float64 `toml:"target_interval"`
	ROIPath        string  `toml:"roi_path"`
	WatchROI       bool    `toml:"watch_roi"`
}

// Tracking selects how detections are grouped into tracks.
type Tracking struct {
	Mode             string  `toml:"mode"` // iou | bucket
	IoUThreshold     float64 `toml:"iou_threshold"`
	Grid             int     `toml:"grid"`
	BucketFrames     int     `toml:"bucket_frames"`
	RetentionSeconds float64 `toml:"retention_seconds"`
}

// Ledger selects the attendance ledger backend.
type Ledger struct {
	Backend string `toml:"backend"` // csv | sqlite | postgres
	Path    string `toml:"path"`
	Lock    bool   `toml:"lock"`
}

// Matcher configures the Python worker and the identity matcher.
type Matcher struct {
	Backend        string `toml:"backend"` // worker | gallery
	Python         string `toml:"python"`
	Script         string `toml:"script"`
	GalleryDir     string `toml:"gallery_dir"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Database contains the PostgreSQL connection string.
type Database struct {
	URL string `toml:"url"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Server contains the REST server settings.
type Server struct {
	Bind string `toml:"bind"`
}

// Config encapsulates all configuration values for rollcall.
type Config struct {
	Recognition Recognition `toml:"recognition"`
	Attendance  Attendance  `toml:"attendance"`
	Gate        Gate        `toml:"gate"`
	Tracking    Tracking    `toml:"tracking"`
	Ledger      Ledger      `toml:"ledger"`
	Matcher     Matcher     `toml:"matcher"`
	Database    Database    `toml:"database"`
	Logging     Logging     `toml:"logging"`
	Server      Server      `toml:"server"`

	location *time.Location
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/rollcall/config.toml")
}

// Load locates, parses, and validates a configuration file. A missing file
// yields the defaults. It returns the resolved path and whether it existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("rollcall.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// Cooldown returns attendance.cooldown_hours as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Attendance.CooldownHours * float64(time.Hour))
}

// Location returns the attendance time zone loaded during validation.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// MatcherTimeout returns matcher.timeout_seconds as a duration (0 = none).
func (c *Config) MatcherTimeout() time.Duration {
	return time.Duration(c.Matcher.TimeoutSeconds) * time.Second
}

// DatabaseURL returns the configured connection string or the local default.
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	return defaultDatabaseURL
}
