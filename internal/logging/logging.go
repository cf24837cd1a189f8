// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string // console | json
	File   string // optional, appended to and mirrored with Output
	Output io.Writer
}

// New constructs a logrus logger. The returned closer releases the log file, if any.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("ensure log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(out, f)
		closer = f
	}
	logger.SetOutput(out)

	return logger, closer, nil
}

func parseLevel(level string) (logrus.Level, error) {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	default:
		parsed, err := logrus.ParseLevel(l)
		if err != nil {
			return 0, fmt.Errorf("log level: %w", err)
		}
		return parsed, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
