package embedded

import (
	"fmt"
	"log/slog"

	natsServer "github.com/nats-io/nats-server/v2/server"
	natsTest "github.com/nats-io/nats-server/v2/test"
)

// NATSServer wraps an embedded NATS server with JetStream. Used for
// local single-binary runs and for tests that need a real DLQ store.
type NATSServer struct {
	server *natsServer.Server
	logger *slog.Logger
}

// NewNATSServer creates and starts an embedded NATS server. Pass a
// negative port to pick a random free one.
func NewNATSServer(logger *slog.Logger, port int, storeDir string) (*NATSServer, error) {
	opts := &natsServer.Options{ //nolint:exhaustruct // defaults
		Host:      "127.0.0.1",
		Port:      port,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns := natsTest.RunServer(opts)
	if ns == nil {
		return nil, fmt.Errorf("failed to start NATS server")
	}

	logger.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))

	return &NATSServer{
		server: ns,
		logger: logger,
	}, nil
}

// Shutdown gracefully stops the NATS server.
func (n *NATSServer) Shutdown() {
	if n.server != nil {
		n.logger.Info("shutting down embedded NATS server")
		n.server.Shutdown()
		n.server.WaitForShutdown()
	}
}

// URL returns the connection URL for the NATS server.
func (n *NATSServer) URL() string {
	return n.server.ClientURL()
}
