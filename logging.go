package dispatch

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds the process logger from LogFormat ("json" or "text")
// and LogLevel ("debug", "info", "warn", "error"). Unknown values fall back
// to JSON at info.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.LogLevel)}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
