// Package logging provides structured logging for the concurrency
// manager using zerolog. It mirrors the lineage orchestrator's log
// package: a global logger initialized once, plus component-scoped
// child loggers handed out to each internal package.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global, process-wide logger. Init replaces it; until
// then it writes to stderr with no level filter of its own, so
// early-boot logging before Init still produces output.
var Logger zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a logging verbosity, named the way the config options
// table spells it.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls global logger construction.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init (re)builds the global Logger from cfg. Safe to call once at
// process startup, before any pool is constructed.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the component
// name, e.g. "router", "writeexec", "lockmgr".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTask returns a child logger tagged with a task identifier.
func WithTask(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// WithGroup returns a child logger tagged with a commit-group
// identifier.
func WithGroup(groupID string) zerolog.Logger {
	return Logger.With().Str("group_id", groupID).Logger()
}
