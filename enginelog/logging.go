// Package enginelog wires the ambient structured-logging convention used
// throughout this engine: log/slog, JSON or text handler picked by
// environment, level picked by environment. The engine core never logs
// directly (see events.Sink); this package is for the demo harness and
// for tests that want readable output.
package enginelog

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures and installs a global slog logger for component.
// JOBENGINE_LOG_FORMAT=json switches to structured JSON; anything else
// (including unset) uses the text handler. JOBENGINE_LOG_LEVEL selects
// debug/info/warn/error, defaulting to info.
func Init(component string) *slog.Logger {
	format := strings.ToLower(os.Getenv("JOBENGINE_LOG_FORMAT"))
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("JOBENGINE_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
