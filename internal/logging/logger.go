package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New builds the application logger. The text format uses colorized
// terminal output, json is for running under a supervisor.
func New(level slog.Level, format string) *slog.Logger {
	if format == "json" {
		h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})
		return slog.New(h).With("app", "fliptrace")
	}

	h := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	})
	return slog.New(h).With("app", "fliptrace")
}
