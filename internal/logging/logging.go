// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init points the global logger at stderr: a console writer in
// development, JSON with timestamp and caller otherwise. Unknown levels
// fall back to info.
func Init(service, env, level string) zerolog.Logger {
	return InitWriter(os.Stderr, service, env, level)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, service, env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(w).With().Timestamp().Caller().Str("service", service).Str("env", env).Logger()
	}
	log.Logger = logger
	return logger
}

// ForRun returns the global logger tagged with runID.
func ForRun(runID string) zerolog.Logger {
	return log.Logger.With().Str("run_id", runID).Logger()
}
