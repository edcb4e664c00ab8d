// Package logging configures the zerolog logger every binary in this
// module shares, matching the reference server's structured, Loki-friendly
// setup.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level is the minimum severity a configured logger emits.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the logger's output encoding.
type Format string

const (
	FormatJSON   Format = "json"   // structured, for log aggregation
	FormatPretty Format = "pretty" // human-readable, for local runs
)

// Config configures New.
type Config struct {
	Level   Level
	Format  Format
	Service string // attached to every event as "service"
}

// New builds a zerolog.Logger with a timestamp, caller info, and a
// "service" field, matching the reference NewLogger's shape.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "netchannel"
	}

	return zerolog.New(output).With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// LogPanic records a recovered panic with a full stack trace. Meant for
// defer/recover blocks in worker goroutines, so a panic in one connection's
// processing doesn't take the process down silently.
func LogPanic(log zerolog.Logger, panicValue interface{}, msg string) {
	log.Error().
		Interface("panic", panicValue).
		Str("stack", string(debug.Stack())).
		Msg(msg)
}
