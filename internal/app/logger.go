package app

import (
	"io"
	"log/slog"
)

// logLevels enumerates the accepted -log-level values; NewConfig
// validates against the same map, so unknown strings never reach
// newLogger.
var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// newLogger builds the app's isolated logger. It is carried through
// ctxlog rather than installed as the slog default, so tests and
// embedded uses keep their own instances.
func newLogger(level, format string, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevels[level]}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}
