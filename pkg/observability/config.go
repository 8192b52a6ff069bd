package observability

import "log/slog"

// Config holds the logging configuration shared by all service loops.
type Config struct {
	LogFormat    string
	LogLevel     slog.Level
	LogAddSource bool

	ServiceName    string
	ServiceVersion string
}
