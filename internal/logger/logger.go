// Package logger provides structured logging for the app orchestrator
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const serviceName = "app-orchestrator"

// Logger wraps zerolog with orchestrator-specific helpers
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // console output for development
	Output     io.Writer
	WithCaller bool
}

// New creates a new structured logger
func New(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything, used by tests and optional dependencies
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// ParseLevel maps a config string onto a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Zerolog returns the underlying zerolog logger
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
func (l *Logger) Fatal() *zerolog.Event { return l.zlog.Fatal() }

// Component returns a sub-logger tagged with the component name
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// Conversation returns a sub-logger tagged with a conversation id
func (l *Logger) Conversation(conversationID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("conversation_id", conversationID).Logger()}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// LogTurn logs the outcome of one router turn
func (l *Logger) LogTurn(conversationID, pipeline, state string, retries int, duration time.Duration, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.
		Str("event", "turn_completed").
		Str("conversation_id", conversationID).
		Str("pipeline", pipeline).
		Str("state", state).
		Int("retry_count", retries).
		Int64("duration_ms", duration.Milliseconds()).
		Msg("Router turn completed")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(port string, env string) {
	l.zlog.Info().
		Str("event", "server_start").
		Str("port", port).
		Str("environment", env).
		Msg("App orchestrator starting")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("App orchestrator shutting down")
}

var globalLogger *Logger

// InitGlobalLogger initializes the global logger and the zerolog default logger
func InitGlobalLogger(cfg Config) *Logger {
	globalLogger = New(cfg)
	log.Logger = globalLogger.zlog
	return globalLogger
}

// Global returns the global logger, initialising it with defaults if needed
func Global() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{Level: "info"})
	}
	return globalLogger
}
