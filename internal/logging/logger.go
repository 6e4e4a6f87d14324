package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	runID  string
	writer io.Writer
	logDir string
	level  log.Level
}

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithWriter sends records to w instead of a file under the log directory.
func WithWriter(w io.Writer) Option {
	return func(opts *newOptions) {
		opts.writer = w
	}
}

// WithLogDir overrides the default ~/.shipflow/logs directory.
func WithLogDir(dir string) Option {
	return func(opts *newOptions) {
		opts.logDir = strings.TrimSpace(dir)
	}
}

// WithLevel sets the minimum emitted level.
func WithLevel(level log.Level) Option {
	return func(opts *newOptions) {
		opts.level = level
	}
}

// RuntimeLogger writes structured JSON logs.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	runID      string
	requestID  string
}

// New initializes logging under ~/.shipflow/logs, or onto the writer given
// by WithWriter, without writing to stdout.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	var (
		out      io.Writer
		file     *os.File
		filePath string
	)
	if resolved.writer != nil {
		out = resolved.writer
	} else {
		logDir := resolved.logDir
		if logDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolve home directory: %w", err)
			}
			logDir = filepath.Join(homeDir, ".shipflow", "logs")
		}
		if err := os.MkdirAll(logDir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}

		timestamp := time.Now().UTC().Format("20060102-150405")
		fileName := fmt.Sprintf("shipflow-%s.log", timestamp)
		if resolved.runID != "" {
			fileName = fmt.Sprintf("shipflow-%s-%s.log", timestamp, resolved.runID)
		}
		filePath = filepath.Join(logDir, fileName)
		// #nosec G304 -- filePath is constructed from trusted local paths.
		opened, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = opened
		out = opened
	}

	logger := log.NewWithOptions(out, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		runID:      resolved.runID,
	}
	runtimeLogger.rebuildLogger()
	if filePath != "" {
		runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")
	}

	_ = ctx
	return runtimeLogger, nil
}

// WithRunID updates the run_id field for subsequent log records.
func (r *RuntimeLogger) WithRunID(runID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.runID = strings.TrimSpace(runID)
	r.rebuildLogger()
	return r
}

// WithRequestID updates the request_id field for subsequent log records.
func (r *RuntimeLogger) WithRequestID(requestID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.requestID = strings.TrimSpace(requestID)
	r.rebuildLogger()
	return r
}

// Component returns a child logger tagged with component=name.
func (r *RuntimeLogger) Component(name string) *log.Logger {
	if r == nil || r.Logger == nil {
		return log.New(io.Discard)
	}
	return r.Logger.With("component", name)
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path, or "" for writer-backed loggers.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	fields := []any{}
	if r.runID != "" {
		fields = append(fields, "run_id", r.runID)
	}
	if r.requestID != "" {
		fields = append(fields, "request_id", r.requestID)
	}
	r.Logger = r.baseLogger.With(fields...)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{level: log.InfoLevel}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
