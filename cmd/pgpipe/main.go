package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/pgpipe/pgpipe/internal/backfill"
	"github.com/pgpipe/pgpipe/internal/capture"
	"github.com/pgpipe/pgpipe/internal/client"
	"github.com/pgpipe/pgpipe/internal/dlq"
	"github.com/pgpipe/pgpipe/internal/embedded"
	"github.com/pgpipe/pgpipe/internal/pipeline"
	"github.com/pgpipe/pgpipe/internal/schemamon"
	"github.com/pgpipe/pgpipe/internal/storage"
	"github.com/pgpipe/pgpipe/pkg/observability"
)

//nolint:gochecknoglobals,revive // build variables
var (
	commit string = "unspecified"
	app    string = "unspecified"
)

type config struct {
	LogFormat    string     `default:"json" split_words:"true"`
	LogLevel     slog.Level `default:"debug" split_words:"true"`
	LogAddSource bool       `default:"false" split_words:"true"`
	LogFilePath  string     `split_words:"true"`

	PostgresDSN string `required:"true" split_words:"true"`

	NATSServer   string `default:"localhost:4222" split_words:"true"`
	NATSEmbedded bool   `default:"false" split_words:"true"`
	NATSStoreDir string `default:"/tmp/pgpipe-nats" split_words:"true"`

	ShutdownTimeout time.Duration `default:"30s" split_words:"true"`
}

func main() {
	var cfg config
	err := envconfig.Process("pgpipe", &cfg)
	if err != nil {
		slog.Error("unable to parse config", slog.Any("error", err))
		os.Exit(1)
	}

	if err := mainErr(&cfg); err != nil {
		slog.Error("service stopped with error", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("service terminated gracefully")
}

func mainErr(cfg *config) error {
	var logOut io.Writer
	var logFile io.WriteCloser
	var err error

	switch cfg.LogFilePath {
	case "":
		logOut = os.Stdout
	default:
		fileflags := os.O_WRONLY | os.O_APPEND | os.O_CREATE
		logFile, err = os.OpenFile(cfg.LogFilePath, fileflags, os.FileMode(0o600))
		if err != nil {
			return fmt.Errorf("unable to setup logfile: %w", err)
		}
		defer logFile.Close()

		logOut = io.MultiWriter(os.Stdout, logFile)
	}

	log := observability.ConfigureLogger(&observability.Config{
		LogFormat:      cfg.LogFormat,
		LogLevel:       cfg.LogLevel,
		LogAddSource:   cfg.LogAddSource,
		ServiceName:    app,
		ServiceVersion: commit,
	}, logOut)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsURL := cfg.NATSServer
	if cfg.NATSEmbedded {
		ns, err := embedded.NewNATSServer(log, -1, cfg.NATSStoreDir)
		if err != nil {
			return fmt.Errorf("embedded nats server: %w", err)
		}
		defer ns.Shutdown()
		natsURL = ns.URL()
	}

	nc, err := client.NewNATSClient(ctx, natsURL, log)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer nc.Close() //nolint:errcheck // shutdown path

	store, err := storage.NewStore(ctx, cfg.PostgresDSN, log)
	if err != nil {
		return fmt.Errorf("configuration store: %w", err)
	}
	defer store.Close() //nolint:errcheck // shutdown path

	dlqMgr := dlq.NewManager(nc, log)
	recovery := dlq.NewRecovery(dlqMgr, store, log)

	opener := capture.PGOutputOpener(log)
	manager := pipeline.NewManager(store, opener, dlqMgr, log)

	executor := backfill.NewExecutor(store, backfill.NewPGReader(log), log)

	var wg sync.WaitGroup

	wg.Add(3)
	go func() { defer wg.Done(); manager.Run(ctx) }()
	go func() { defer wg.Done(); recovery.Start(ctx) }()
	go func() { defer wg.Done(); executor.Run(ctx) }()

	// One schema monitor per distinct source in the configured
	// pipelines; the set is resolved once at startup.
	monitors, err := buildMonitors(ctx, store, log)
	if err != nil {
		return fmt.Errorf("schema monitors: %w", err)
	}
	for _, mon := range monitors {
		wg.Add(1)
		go func() { defer wg.Done(); mon.Run(ctx) }()
	}

	log.InfoContext(ctx, "pgpipe started",
		slog.String("nats_url", natsURL),
		slog.Int("schema_monitors", len(monitors)))

	<-ctx.Done()
	log.Info("received termination signal - service will shutdown")

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		log.Warn("shutdown timed out, exiting anyway")
	}

	return nil
}

func buildMonitors(ctx context.Context, store *storage.Store, log *slog.Logger) ([]*schemamon.Monitor, error) {
	pipelines, err := store.GetPipelines(ctx)
	if err != nil {
		return nil, err
	}

	catalog := schemamon.NewPGCatalog(log)

	seen := make(map[string]bool, len(pipelines))
	var monitors []*schemamon.Monitor

	for _, p := range pipelines {
		if seen[p.SourceID] {
			continue
		}
		seen[p.SourceID] = true

		source, err := store.GetSource(ctx, p.SourceID)
		if err != nil {
			return nil, err
		}

		monitors = append(monitors, schemamon.NewMonitor(source, store, catalog, log))
	}

	return monitors, nil
}
