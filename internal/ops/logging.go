package ops

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sandwichfarm/zapfeed/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

// NewLogger creates a new structured logger based on config
func NewLogger(cfg *config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Component-specific logger helpers

// LogRelayQuery logs a relay query
func (l *Logger) LogRelayQuery(relays int, filters int, events int, duration time.Duration, err error) {
	if err != nil {
		l.Error("relay query failed",
			"relays", relays,
			"filters", filters,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("relay query completed",
			"relays", relays,
			"filters", filters,
			"events", events,
			"duration_ms", duration.Milliseconds())
	}
}

// LogSubscription logs a live subscription lifecycle change
func (l *Logger) LogSubscription(name string, action string, reason string) {
	l.Debug("subscription "+action,
		"subscription", name,
		"reason", reason)
}

// LogReceiptBatch logs a flushed receipt batch
func (l *Logger) LogReceiptBatch(size int, trigger string) {
	l.Debug("receipt batch flushed",
		"size", size,
		"trigger", trigger)
}

// LogProfileFetch logs a profile cache fill
func (l *Logger) LogProfileFetch(requested, fetched int, err error) {
	if err != nil {
		l.Error("profile fetch failed",
			"requested", requested,
			"error", err)
	} else {
		l.Debug("profiles fetched",
			"requested", requested,
			"fetched", fetched)
	}
}

// LogValidation logs a claim verification result
func (l *Logger) LogValidation(kind string, claim string, valid bool, err error) {
	if err != nil {
		l.Warn("claim verification failed",
			"kind", kind,
			"claim", claim,
			"error", err)
	} else {
		l.Debug("claim verified",
			"kind", kind,
			"claim", claim,
			"valid", valid)
	}
}

// LogWalletRPC logs a wallet RPC call
func (l *Logger) LogWalletRPC(method string, duration time.Duration, err error) {
	if err != nil {
		l.Error("wallet rpc failed",
			"method", method,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("wallet rpc completed",
			"method", method,
			"duration_ms", duration.Milliseconds())
	}
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version, commit string) {
	l.Info("zapfeed starting",
		"version", version,
		"commit", commit)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("zapfeed shutting down",
		"reason", reason)
}

// Default logger configuration
var defaultLogger *Logger

func init() {
	// Create a default logger for early startup
	defaultLogger = NewLogger(&config.Logging{
		Level:  "info",
		Format: "text",
	})
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}
