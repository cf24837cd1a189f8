package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate ensures the configuration is usable and resolves the attendance time zone.
func (c *Config) Validate() error {
	if err := c.validateRecognition(); err != nil {
		return err
	}
	if err := c.validateAttendance(); err != nil {
		return err
	}
	if err := c.validateGate(); err != nil {
		return err
	}
	if err := c.validateTracking(); err != nil {
		return err
	}
	if err := c.validateLedger(); err != nil {
		return err
	}
	if err := c.validateMatcher(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Server.Bind) == "" {
		return errors.New("server.bind must be set")
	}
	return nil
}

func unit(v float64) bool { return v >= 0 && v <= 1 }

func (c *Config) validateRecognition() error {
	r := c.Recognition
	switch {
	case !unit(r.MinConfidence):
		return errors.New("recognition.min_confidence must be between 0 and 1")
	case r.MaxDistance <= 0:
		return errors.New("recognition.max_distance must be positive")
	case r.MinFaceSize < 0:
		return errors.New("recognition.min_face_size must be >= 0")
	case !unit(r.QualityThreshold):
		return errors.New("recognition.quality_threshold must be between 0 and 1")
	case !unit(r.HighConfidenceThreshold):
		return errors.New("recognition.high_confidence_threshold must be between 0 and 1")
	case r.ConsecutiveFrames < 1:
		return errors.New("recognition.consecutive_frames must be >= 1")
	case r.HistoryLength < 1:
		return errors.New("recognition.history_length must be >= 1")
	case r.ConsistencyCheckFrames < 1:
		return errors.New("recognition.consistency_check_frames must be >= 1")
	case r.ConsistencyCheckFrames > r.HistoryLength:
		return fmt.Errorf("recognition.consistency_check_frames (%d) must not exceed recognition.history_length (%d)",
			r.ConsistencyCheckFrames, r.HistoryLength)
	case r.SharpnessScale <= 0:
		return errors.New("recognition.sharpness_scale must be positive")
	}
	return nil
}

func (c *Config) validateAttendance() error {
	if c.Attendance.CooldownHours < 0 {
		return errors.New("attendance.cooldown_hours must be >= 0")
	}
	loc, err := time.LoadLocation(c.Attendance.Timezone)
	if err != nil {
		return fmt.Errorf("attendance.timezone: %w", err)
	}
	c.location = loc

	switch c.Attendance.Trigger {
	case "frame":
	case "consensus":
		need := max(2, c.Recognition.ConsecutiveFrames)
		if need > c.Recognition.ConsistencyCheckFrames {
			return fmt.Errorf("attendance.trigger = \"consensus\" needs %d agreeing samples but recognition.consistency_check_frames is %d",
				need, c.Recognition.ConsistencyCheckFrames)
		}
	default:
		return fmt.Errorf("attendance.trigger must be \"frame\" or \"consensus\", got %q", c.Attendance.Trigger)
	}
	return nil
}

func (c *Config) validateGate() error {
	if c.Gate.TargetInterval < 0 {
		return errors.New("gate.target_interval must be >= 0")
	}
	if c.Gate.WatchROI && c.Gate.ROIPath == "" {
		return errors.New("gate.roi_path must be set when gate.watch_roi is true")
	}
	return nil
}

func (c *Config) validateTracking() error {
	t := c.Tracking
	switch t.Mode {
	case "iou":
		if t.IoUThreshold <= 0 || t.IoUThreshold > 1 {
			return errors.New("tracking.iou_threshold must be in (0, 1]")
		}
	case "bucket":
		if t.Grid < 1 {
			return errors.New("tracking.grid must be >= 1")
		}
		if t.BucketFrames < 1 {
			return errors.New("tracking.bucket_frames must be >= 1")
		}
	default:
		return fmt.Errorf("tracking.mode must be \"iou\" or \"bucket\", got %q", t.Mode)
	}
	if t.RetentionSeconds <= 0 {
		return errors.New("tracking.retention_seconds must be positive")
	}
	return nil
}

func (c *Config) validateLedger() error {
	switch c.Ledger.Backend {
	case "csv", "sqlite":
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path must be set for the %s backend", c.Ledger.Backend)
		}
	case "postgres":
	default:
		return fmt.Errorf("ledger.backend must be csv, sqlite or postgres, got %q", c.Ledger.Backend)
	}
	return nil
}

func (c *Config) validateMatcher() error {
	switch c.Matcher.Backend {
	case "worker", "gallery":
	default:
		return fmt.Errorf("matcher.backend must be \"worker\" or \"gallery\", got %q", c.Matcher.Backend)
	}
	if c.Matcher.Script == "" {
		return errors.New("matcher.script must be set")
	}
	if c.Matcher.TimeoutSeconds < 0 {
		return errors.New("matcher.timeout_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}
