// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured, component-scoped logger used
// across prefixd. It wraps charmbracelet/log so every subsystem logs with
// the same key/value discipline whether it runs attached to a terminal or
// shipping JSON lines to a collector.
package logging

import (
	"io"
	"os"
	"sync/atomic"

	charmlog "github.com/charmbracelet/log"
)

// Level mirrors charmlog.Level without leaking the dependency into callers.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) charm() charmlog.Level {
	switch l {
	case LevelDebug:
		return charmlog.DebugLevel
	case LevelWarn:
		return charmlog.WarnLevel
	case LevelError:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Config controls logger construction.
type Config struct {
	Output io.Writer
	Level  Level
	// JSON emits newline-delimited JSON instead of the default keyval format.
	JSON bool
	// ReportTimestamp controls whether each line carries a timestamp.
	ReportTimestamp bool
}

// DefaultConfig returns the daemon's default logging configuration: info
// level, keyval format, timestamps on, writing to stderr.
func DefaultConfig() Config {
	return Config{
		Output:          os.Stderr,
		Level:           LevelInfo,
		ReportTimestamp: true,
	}
}

// Logger is a thin, component-scoped wrapper around charmlog.Logger.
type Logger struct {
	l *charmlog.Logger
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	l := charmlog.NewWithOptions(out, charmlog.Options{
		Level:           cfg.Level.charm(),
		ReportTimestamp: cfg.ReportTimestamp,
		Formatter:       formatterFor(cfg.JSON),
	})
	return &Logger{l: l}
}

func formatterFor(jsonFormat bool) charmlog.Formatter {
	if jsonFormat {
		return charmlog.JSONFormatter
	}
	return charmlog.TextFormatter
}

// WithComponent returns a derived logger tagging every line with
// component=name. Subsystems always log through a component-scoped
// logger, never the bare default.
func (lg *Logger) WithComponent(name string) *Logger {
	return &Logger{l: lg.l.With("component", name)}
}

// With returns a derived logger with the given key/value pairs attached.
func (lg *Logger) With(keyvals ...any) *Logger {
	return &Logger{l: lg.l.With(keyvals...)}
}

func (lg *Logger) Debug(msg string, keyvals ...any) { lg.l.Debug(msg, keyvals...) }
func (lg *Logger) Info(msg string, keyvals ...any)  { lg.l.Info(msg, keyvals...) }
func (lg *Logger) Warn(msg string, keyvals ...any)  { lg.l.Warn(msg, keyvals...) }
func (lg *Logger) Error(msg string, keyvals ...any) { lg.l.Error(msg, keyvals...) }

// SetLevel adjusts the logger's minimum level at runtime.
func (lg *Logger) SetLevel(level Level) { lg.l.SetLevel(level.charm()) }

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(DefaultConfig()))
}

// Default returns the process-wide default logger.
func Default() *Logger { return defaultLogger.Load() }

// SetDefault replaces the process-wide default logger, e.g. after the
// daemon has parsed its configuration and knows the desired level/format.
func SetDefault(lg *Logger) { defaultLogger.Store(lg) }
