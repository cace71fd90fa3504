// Package logging configures structured logging for the terminal server using log/slog.
package logging

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level is a package-level LevelVar that allows runtime log level changes.
var Level slog.LevelVar

// Setup initialises the default slog logger from environment variables:
//
//   - WEBTERM_LOG_LEVEL or LOG_LEVEL: debug, info, warn, error (default: info)
//   - WEBTERM_LOG_FORMAT or LOG_FORMAT: json, text (default: json)
//
// The standard library "log" package is bridged as well, so net/http and
// other callers of log.Printf end up in the same structured stream.
func Setup() {
	SetupWithConfig(lookup("LOG_LEVEL"), lookup("LOG_FORMAT"), os.Stderr)
}

// SetupWithConfig configures slog with explicit parameters (useful for testing).
func SetupWithConfig(levelStr, formatStr string, w io.Writer) {
	Level.Set(ParseLevel(levelStr))

	opts := &slog.HandlerOptions{Level: &Level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(formatStr)) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(newSlogWriter(logger, slog.LevelInfo))
	log.SetFlags(0) // slog handles timestamps
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ErrorLog returns a *log.Logger that writes to the default slog logger at
// WARN, tagged with component. It is meant for http.Server.ErrorLog.
func ErrorLog(component string) *log.Logger {
	return log.New(newSlogWriter(slog.Default().With("component", component), slog.LevelWarn), "", 0)
}

func lookup(name string) string {
	if v, ok := os.LookupEnv("WEBTERM_" + name); ok {
		return v
	}
	return os.Getenv(name)
}

// slogWriter adapts slog.Logger to io.Writer for the stdlib log bridge.
type slogWriter struct {
	logger *slog.Logger
	level  slog.Level
}

func newSlogWriter(logger *slog.Logger, level slog.Level) *slogWriter {
	return &slogWriter{logger: logger, level: level}
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Log(context.Background(), w.level, msg, "source", "stdlib")
	return len(p), nil
}
