// Package logging constructs the single *slog.Logger every component is
// handed through its Config, following the teacher's logger.New(verbose
// bool) *slog.Logger entrypoint.
package logging

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// New returns a logger writing to stderr: in verbose mode, tint's colored
// human-readable handler at debug level; otherwise a JSON handler at info
// level, suitable for log aggregation in production.
func New(verbose bool) *slog.Logger {
	if verbose {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: "15:04:05.000",
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
