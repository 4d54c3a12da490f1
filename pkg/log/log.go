package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTaskKey creates a child logger with task_key field
func WithTaskKey(key string) zerolog.Logger {
	return Logger.With().Str("task_key", key).Logger()
}

// WithWorkerAddress creates a child logger with worker field
func WithWorkerAddress(address string) zerolog.Logger {
	return Logger.With().Str("worker", address).Logger()
}

// WithClientID creates a child logger with client_id field
func WithClientID(clientID string) zerolog.Logger {
	return Logger.With().Str("client_id", clientID).Logger()
}

// WithWorkerHost creates a child logger with host field, for lines
// about every worker on one machine (host restrictions, rebalance).
func WithWorkerHost(host string) zerolog.Logger {
	return Logger.With().Str("host", host).Logger()
}
