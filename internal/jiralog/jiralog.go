// Package jiralog provides the single structured logger shared by every
// component. No third-party logging library appears anywhere in the
// retrieved example pack (the teacher and its dependency graph log with
// plain fmt.Fprintf(os.Stderr, ...)), so this wraps the standard
// library's log/slog rather than reaching for an unvalidated ecosystem
// choice — see DESIGN.md.
package jiralog

import (
	"log/slog"
	"os"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// Default returns the process-wide logger.
func Default() *slog.Logger { return logger }

// SetLevel adjusts the minimum level the default logger emits.
func SetLevel(level slog.Level) {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// Component returns a logger tagged with the owning component's name,
// e.g. jiralog.Component("sync").
func Component(name string) *slog.Logger {
	return logger.With("component", name)
}
