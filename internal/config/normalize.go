package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDatabase()
	c.normalizeLogging()

	c.Attendance.Trigger = strings.ToLower(strings.TrimSpace(c.Attendance.Trigger))
	c.Attendance.Timezone = strings.TrimSpace(c.Attendance.Timezone)
	if c.Attendance.Timezone == "" {
		c.Attendance.Timezone = defaultTimezone
	}
	c.Tracking.Mode = strings.ToLower(strings.TrimSpace(c.Tracking.Mode))
	c.Ledger.Backend = strings.ToLower(strings.TrimSpace(c.Ledger.Backend))
	c.Matcher.Backend = strings.ToLower(strings.TrimSpace(c.Matcher.Backend))
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Ledger.Path, err = expandPath(c.Ledger.Path); err != nil {
		return fmt.Errorf("ledger.path: %w", err)
	}
	if c.Gate.ROIPath, err = expandPath(c.Gate.ROIPath); err != nil {
		return fmt.Errorf("gate.roi_path: %w", err)
	}
	if c.Matcher.Script, err = expandPath(c.Matcher.Script); err != nil {
		return fmt.Errorf("matcher.script: %w", err)
	}
	if c.Matcher.GalleryDir, err = expandPath(c.Matcher.GalleryDir); err != nil {
		return fmt.Errorf("matcher.gallery_dir: %w", err)
	}
	if c.Logging.File, err = expandPath(c.Logging.File); err != nil {
		return fmt.Errorf("logging.file: %w", err)
	}
	return nil
}

// normalizeDatabase applies ROLLCALL_DATABASE_URL, then the POSTGRES_* variables.
func (c *Config) normalizeDatabase() {
	if value, ok := os.LookupEnv("ROLLCALL_DATABASE_URL"); ok && strings.TrimSpace(value) != "" {
		c.Database.URL = strings.TrimSpace(value)
		return
	}
	if c.Database.URL != "" {
		return
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		c.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
}

func (c *Config) normalizeLogging() {
	if value, ok := os.LookupEnv("ROLLCALL_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
}
