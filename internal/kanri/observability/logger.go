// Package observability configures Kanri's structured logging.
package observability

import (
	"io"
	"log/slog"
	"strings"

	"github.com/bdobrica/Kanri/common/redact"
)

// ParseLevel maps "debug", "warn" and "error" to their slog levels. Anything
// else is Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Setup installs the default slog logger writing to w. format "json" selects
// the JSON handler, anything else the text handler. String attributes equal
// to one of secrets are replaced before they are written.
func Setup(w io.Writer, level, format string, secrets ...string) *slog.Logger {
	redactor := redact.New(secrets...)
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if redactor.Empty() || a.Value.Kind() != slog.KindString {
				return a
			}
			return slog.String(a.Key, redactor.String(a.Value.String()))
		},
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
