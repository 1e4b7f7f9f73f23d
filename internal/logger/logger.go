// Package logger configures the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // trace, debug, info, warn, error
	Format string // json, console
	Output io.Writer
}

// DefaultConfig logs info and above as JSON to stdout.
func DefaultConfig() LogConfig {
	return LogConfig{Level: "info", Format: "json", Output: os.Stdout}
}

// Setup initializes the global logger with the provided configuration. An
// unknown level falls back to info and is reported once configured.
func Setup(config LogConfig) {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	if strings.EqualFold(config.Format, "console") {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(config.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	log.Logger = zerolog.New(output).With().
		Timestamp().
		Str("service", "billing-service").
		Logger()

	if err != nil {
		log.Warn().Str("level", config.Level).Msg("unknown log level, using info")
	}
}

// WithComponent returns a logger with a component field
func WithComponent(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
