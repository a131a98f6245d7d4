// Package monitoring owns the observability surface of the broker:
// structured logging, Prometheus collectors, and process-level resource
// sampling.
package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger construction options.
type LoggerConfig struct {
	Level  string // debug | info | warn | error
	Format string // json | console
}

// NewLogger creates the service-wide structured logger.
//
// JSON output is the production default (one object per line, scrape
// friendly); console output is for local development. Every event carries a
// timestamp, caller location and the service tag.
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "ipcd").
		Logger()

	return logger
}
