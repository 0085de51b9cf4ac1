// Package arlog configures the process-wide slog logger used by every
// other package, grounded on jroosing-HydraDNS/internal/logging: a text
// or JSON handler selected by level/format, optional extra attributes
// attached once at startup, and slog.SetDefault so code that reaches for
// the package-level slog functions still gets the configured handler.
package arlog

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config mirrors the fields arataga's own config file exposes for
// logging: a level, an optional structured format, and extra fields
// every log line should carry (e.g. "component": "arataga").
type Config struct {
	Level            string
	Structured       bool
	StructuredFormat string
	IncludePID       bool
	ExtraFields      map[string]string
}

// Configure builds a *slog.Logger per cfg, installs it as the process
// default, and returns it for explicit wiring into components that take
// a logger rather than reaching for slog.Default().
func Configure(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	out := io.Writer(os.Stderr)

	attrs := make([]slog.Attr, 0, len(cfg.ExtraFields)+1)
	for k, v := range cfg.ExtraFields {
		attrs = append(attrs, slog.String(k, v))
	}
	if cfg.IncludePID {
		attrs = append(attrs, slog.Int("pid", os.Getpid()))
	}

	var handler slog.Handler
	if cfg.Structured && strings.ToLower(cfg.StructuredFormat) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}
	if len(attrs) > 0 {
		handler = handler.WithAttrs(attrs)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG", "TRACE":
		return slog.LevelDebug
	case "INFO", "":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
