package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/models"
)

// Sink is the destination-write contract shared by the streaming
// engine, the backfill executor and the DLQ recovery loop. Both
// variants implement it identically so callers stay
// destination-agnostic.
//
// WriteBatch applies an ordered batch of CDC records: deletes by key,
// creates/updates as idempotent upserts by key. At-least-once delivery
// upstream requires exactly that, not plain inserts.
type Sink interface {
	// Initialize establishes the connection. Idempotent; returns a
	// *models.ConnectionError when the destination is unreachable.
	Initialize(ctx context.Context) error

	// CreateTableIfNotExists ensures the destination objects for the
	// table exist. Reports whether anything was created. Safe to call
	// repeatedly.
	CreateTableIfNotExists(ctx context.Context, tableName string, schema []models.ColumnDescriptor) (bool, error)

	// WriteBatch applies the records honoring the table sync's filter
	// and transform. Returns the count written; a *models.WriteError
	// carries how far it got so the caller can DLQ the rest.
	WriteBatch(ctx context.Context, records []models.CDCRecord, tableSync models.TableSync) (int, error)

	// Close releases the connection. Safe after a failed Initialize.
	Close() error

	// ValidateConnection is a best-effort initialize+close round trip
	// for health probing.
	ValidateConnection(ctx context.Context) error
}

// New dispatches on the destination type discriminator. The variant
// set is closed: warehouse and relational.
func New(dest models.Destination, log *slog.Logger) (Sink, error) {
	switch dest.Type {
	case internal.DestinationTypeWarehouse:
		return NewWarehouseSink(dest, log)
	case internal.DestinationTypeRelational:
		return NewRelationalSink(dest, log)
	default:
		return nil, &models.ConfigurationError{
			Subject: "destination " + dest.ID,
			Reason:  fmt.Sprintf("unknown destination type %q", dest.Type),
		}
	}
}
