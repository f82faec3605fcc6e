// Package logging holds the process-wide structured logger used by every
// component of the streaming core, so call sites log through a single
// hot-swappable sink instead of reaching for slog.Default() directly.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// L returns the current global logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger. Safe for concurrent use.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// New builds a logger with the given format ("text" or "json") and
// level, writing to w (defaults to stderr when nil).
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}
