package observability

import (
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
)

// ConfigureLogger creates the service logger from the provided
// configuration. Format "json" produces machine-readable logs;
// anything else gets the tinted text handler for local runs.
func ConfigureLogger(cfg *Config, logOut io.Writer) *slog.Logger {
	log := slog.New(createHandler(cfg, logOut))

	if cfg.ServiceName != "" {
		log = log.With(slog.String("service", cfg.ServiceName))
	}
	if cfg.ServiceVersion != "" {
		log = log.With(slog.String("version", cfg.ServiceVersion))
	}

	return log
}

func createHandler(cfg *Config, logOut io.Writer) slog.Handler {
	//nolint: exhaustruct // optional config
	logOpts := &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogAddSource,
	}

	switch cfg.LogFormat {
	case "json":
		return slog.NewJSONHandler(logOut, logOpts)
	default:
		//nolint:exhaustruct // optional config
		return tint.NewHandler(logOut, &tint.Options{
			AddSource:  cfg.LogAddSource,
			TimeFormat: "15:04:05",
		})
	}
}
