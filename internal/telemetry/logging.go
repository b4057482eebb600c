package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LogLevel reads the logging verbosity from LOG_LEVEL (DEBUG, INFO, WARN,
// ERROR), defaulting to INFO.
func LogLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// handlerFor builds the slog.Handler named by LOG_FORMAT: "text" for a
// human-readable stream (local development) or, by default, JSON
// (production).
func handlerFor(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// SetupLogger builds the process-wide logger and installs it as the slog
// default.
func SetupLogger() *slog.Logger {
	level := LogLevel()
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}

	logger := slog.New(handlerFor(os.Getenv("LOG_FORMAT"), os.Stdout, opts))
	slog.SetDefault(logger)
	return logger
}

// loggerCtxKey is an unexported empty-struct key, avoiding collisions with
// any other package's context values.
type loggerCtxKey struct{}

// WithLogger attaches logger to ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger attached by WithLogger, or the global
// default if none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerCtxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// withField is the shared implementation behind WithDomain, WithCommandID,
// and WithProcessID: each just names the attribute key.
func withField(logger *slog.Logger, key, value string) *slog.Logger {
	return logger.With(key, value)
}

// WithDomain returns a logger with the command-bus domain attached.
func WithDomain(logger *slog.Logger, domain string) *slog.Logger {
	return withField(logger, "domain", domain)
}

// WithCommandID returns a logger with a command's identity attached.
func WithCommandID(logger *slog.Logger, commandID string) *slog.Logger {
	return withField(logger, "command_id", commandID)
}

// WithProcessID returns a logger with a saga process's identity attached.
func WithProcessID(logger *slog.Logger, processID string) *slog.Logger {
	return withField(logger, "process_id", processID)
}
