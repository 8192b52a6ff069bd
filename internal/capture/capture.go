// Package capture defines the change-capture port the pipeline engine
// consumes, plus the concrete pgoutput adapter. The engine never
// touches the replication protocol directly: an implementation of
// Stream is injected at startup, which keeps the native replication
// dependency behind this one seam.
package capture

import (
	"context"
	"log/slog"

	"github.com/pgpipe/pgpipe/internal/models"
)

// Position is a WAL location (an LSN). Positions only grow.
type Position uint64

// Event is one decoded change with the WAL position it came from.
type Event struct {
	Record   models.CDCRecord
	Position Position
}

// Stream is a live change subscription on one source. Events arrive in
// source-commit order. A failure on the subscription itself surfaces
// on Errors and terminates the stream; per-record destination failures
// are not the stream's concern.
type Stream interface {
	// Events delivers decoded changes. The channel closes when the
	// stream ends, after which Errors should be drained.
	Events() <-chan Event

	// Errors reports a fatal subscription failure, if any.
	Errors() <-chan error

	// Ack confirms everything up to and including pos has been
	// durably handled (written or dead-lettered), letting the source
	// release retained WAL.
	Ack(pos Position)

	// Close stops the subscription and releases the connection.
	Close(ctx context.Context) error
}

// Opener creates a Stream for a source. The engine takes an Opener so
// tests can inject a fake subscription.
type Opener interface {
	Open(ctx context.Context, src models.Source) (Stream, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, src models.Source) (Stream, error)

func (f OpenerFunc) Open(ctx context.Context, src models.Source) (Stream, error) {
	return f(ctx, src)
}

// PGOutputOpener opens pgoutput logical-replication streams.
func PGOutputOpener(log *slog.Logger) Opener {
	return OpenerFunc(func(ctx context.Context, src models.Source) (Stream, error) {
		return OpenPGOutputStream(ctx, src, log)
	})
}
