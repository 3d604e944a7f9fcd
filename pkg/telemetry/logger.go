package telemetry

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger carrying the fields deployment logs share:
// component, workspace and run_id.
type Logger struct {
	zlog   zerolog.Logger
	closer io.Closer
}

// NewLogger opens cfg.Output and writes to it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stderr":
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		out, closer = f, f
	}

	l := NewLoggerTo(cfg, out)
	l.closer = closer
	return l, nil
}

// NewLoggerTo writes to w regardless of cfg.Output.
func NewLoggerTo(cfg LoggingConfig, w io.Writer) *Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	zlog := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	return &Logger{zlog: zlog}
}

// Zerolog returns the underlying logger, the form engine components take.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// NewComponentLogger tags every line with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithWorkspace tags every line with the target workspace.
func (l *Logger) WithWorkspace(name string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("workspace", name) })
}

// WithRunID tags every line with the ledger run id.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("run_id", runID) })
}

// WithField tags every line with key.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) with(add func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: add(l.zlog.With()).Logger()}
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
