// Package logx configures the package-level structured logger the rest of
// the engine calls through log/slog, the way marcus-td's internal/session
// and internal/serverdb packages read a level from config rather than
// wiring a third-party logging library (no such library appears anywhere
// in the retrieval pack).
package logx

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Level mirrors spec.md §6's recognized logLevel config values.
type Level string

const (
	LevelSilent Level = "silent"
	LevelError  Level = "error"
	LevelWarn   Level = "warn"
	LevelInfo   Level = "info"
	LevelDebug  Level = "debug"
)

// silentHandler discards every record; slog has no built-in "off" level.
type silentHandler struct{}

func (silentHandler) Enabled(_ context.Context, _ slog.Level) bool      { return false }
func (silentHandler) Handle(_ context.Context, _ slog.Record) error     { return nil }
func (h silentHandler) WithAttrs(_ []slog.Attr) slog.Handler            { return h }
func (h silentHandler) WithGroup(_ string) slog.Handler                 { return h }

// New builds a *slog.Logger for the given level, writing text-formatted
// records to stderr (matching janus-datalog's cmd/datalog choice of stderr
// for diagnostics).
func New(level Level) *slog.Logger {
	if level == "" {
		level = LevelInfo
	}
	if Level(strings.ToLower(string(level))) == LevelSilent {
		return slog.New(silentHandler{})
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: toSlogLevel(level)}))
}

func toSlogLevel(l Level) slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	case LevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
