package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "hubcore").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// Session creates a logger for per-connection framing, handshake and
// dispatch events.
func Session() zerolog.Logger {
	return Log.With().Str("component", "session").Logger()
}

// Bus creates a logger for event-bus registration and dispatch.
func Bus() zerolog.Logger {
	return Log.With().Str("component", "eventbus").Logger()
}

// Endpoint creates a logger for endpoint RPC routing.
func Endpoint() zerolog.Logger {
	return Log.With().Str("component", "endpoint").Logger()
}

// Table creates a logger for table replication and persistence.
func Table() zerolog.Logger {
	return Log.With().Str("component", "table").Logger()
}

// Registry creates a logger for registry persistence and replication.
func Registry() zerolog.Logger {
	return Log.With().Str("component", "registry").Logger()
}

// Network creates a logger for connection accept/replace/disconnect
// events.
func Network() zerolog.Logger {
	return Log.With().Str("component", "network").Logger()
}

// Server creates a logger for server lifecycle events.
func Server() zerolog.Logger {
	return Log.With().Str("component", "server").Logger()
}

// HTTP creates a logger for HTTP request events.
func HTTP() zerolog.Logger {
	return Log.With().Str("component", "http").Logger()
}
