// Package logging configures the process-wide slog logger. Every log line
// carries the service name so api and worker output can be told apart when
// both land in the same aggregator.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs the default logger for the given service. Format is "json"
// (default) or "text"; anything else falls back to json with a warning.
func Init(service, format string) *slog.Logger {
	format = strings.ToLower(strings.TrimSpace(format))

	logger := slog.New(newHandler(os.Stdout, format)).With("service", service)
	slog.SetDefault(logger)

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	return logger
}

func newHandler(w io.Writer, format string) slog.Handler {
	if format == "text" {
		return slog.NewTextHandler(w, nil)
	}
	return slog.NewJSONHandler(w, nil)
}
