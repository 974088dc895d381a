// Package logging provides structured logging configuration and utilities.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Redacted replaces the value of a redacted attribute.
const Redacted = "[REDACTED]"

// DefaultRedactKeys are attribute keys that carry subject identity.
var DefaultRedactKeys = []string{"identity", "email", "phone_number", "identity_value"}

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool
	// Output defaults to stdout.
	Output io.Writer
	// RedactKeys are attribute keys whose values are never written.
	// Nil means DefaultRedactKeys.
	RedactKeys []string
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// NewLogger builds a logger. Pretty selects the text handler, otherwise
// records are JSON.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	keys := cfg.RedactKeys
	if keys == nil {
		keys = DefaultRedactKeys
	}
	redact := make(map[string]bool, len(keys))
	for _, k := range keys {
		redact[k] = true
	}

	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if redact[a.Key] {
				return slog.String(a.Key, Redacted)
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Pretty {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}
