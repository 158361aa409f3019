package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the service logger. It embeds zerolog.Logger, so components
// either log through it directly or take Zerolog() and derive their own.
type Logger struct {
	zerolog.Logger

	// file is set when Output names a log file.
	file *os.File
}

// NewLogger opens cfg.Output and builds a logger on it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	switch cfg.Output {
	case "", "stderr":
		return NewLoggerTo(os.Stderr, cfg), nil
	case "stdout":
		return NewLoggerTo(os.Stdout, cfg), nil
	}
	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l := NewLoggerTo(f, cfg)
	l.file = f
	return l, nil
}

// NewLoggerTo builds a logger on w and ignores cfg.Output.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) *Logger {
	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	zl := ctx.Logger()
	if cfg.EnableSampling {
		zl = zl.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return &Logger{Logger: zl}
}

func timeFieldFormat(name string) string {
	switch name {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	}
	return time.RFC3339
}

func (l *Logger) Zerolog() zerolog.Logger {
	return l.Logger
}

func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.derive("component", component)
}

func (l *Logger) WithLeaseID(leaseID string) *Logger {
	return l.derive("lease_id", leaseID)
}

func (l *Logger) WithEventID(eventID string) *Logger {
	return l.derive("event_id", eventID)
}

// derive shares the parent's file; only the root logger closes it.
func (l *Logger) derive(key, value string) *Logger {
	return &Logger{Logger: l.With().Str(key, value).Logger()}
}

// Close closes the log file, if the logger opened one.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
