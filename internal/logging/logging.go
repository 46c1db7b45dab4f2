// Package logging provides the structured logger factory used by the unchain
// client and agent, plus a per-key throttle for diagnostics emitted from the
// evaluation hot path.
//
// Every logger carries a "component" attribute so client and agent lines can
// be told apart when both write to the same stream.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	ComponentClient = "unchain"
	ComponentAgent  = "unchain-agent"
)

// New returns a JSON logger on stderr for component.
func New(level, component string) *slog.Logger {
	return NewWithWriter(level, component, os.Stderr)
}

func NewWithWriter(level, component string, w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return ForComponent(slog.New(handler), component)
}

// ForComponent tags logger with component and any extra attributes. A nil
// logger stands for slog.Default().
func ForComponent(logger *slog.Logger, component string, attrs ...any) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if component != "" {
		attrs = append([]any{slog.String("component", component)}, attrs...)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// ParseLevel accepts slog level names with optional offsets ("debug",
// "WARN+2"), "warning" and plain numbers ("-4", "8"). Anything else is info.
func ParseLevel(s string) slog.Level {
	level, ok := lookupLevel(s)
	if !ok {
		return slog.LevelInfo
	}
	return level
}

// ValidLevel reports whether s names a level rather than falling back to info.
// The empty string is valid.
func ValidLevel(s string) bool {
	if strings.TrimSpace(s) == "" {
		return true
	}
	_, ok := lookupLevel(s)
	return ok
}

func lookupLevel(s string) (slog.Level, bool) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn, true
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err == nil {
		return level, true
	}
	if n, err := strconv.Atoi(s); err == nil {
		return slog.Level(n), true
	}
	return slog.LevelInfo, false
}
