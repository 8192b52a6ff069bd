package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/models"
	"github.com/pgpipe/pgpipe/internal/sink"
)

// Store is the configuration the recovery loop needs to rebuild a
// delivery path for a queued message.
type Store interface {
	GetDestination(ctx context.Context, id string) (models.Destination, error)
	GetTableSync(ctx context.Context, pipelineID, destinationID, tableName string) (models.TableSync, error)
	GetTableMetadata(ctx context.Context, sourceID, tableName string) (models.TableMetadata, error)
}

// Recovery drains the retry streams on a timer. Queues are processed
// sequentially by a single goroutine, which bounds concurrency to one
// active consumer per triple and preserves per-key order.
type Recovery struct {
	mgr      *Manager
	store    Store
	newSink  func(models.Destination, *slog.Logger) (sink.Sink, error)
	log      *slog.Logger
	interval time.Duration
}

func NewRecovery(mgr *Manager, store Store, log *slog.Logger) *Recovery {
	return &Recovery{
		mgr:      mgr,
		store:    store,
		newSink:  sink.New,
		log:      log.With(slog.String("component", "dlq-recovery")),
		interval: internal.DLQRecoveryInterval,
	}
}

func (r *Recovery) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.InfoContext(ctx, "dlq recovery loop started", slog.String("interval", r.interval.String()))

	for {
		select {
		case <-ctx.Done():
			r.log.InfoContext(ctx, "dlq recovery loop stopped")
			return
		case <-ticker.C:
			if err := r.drainAll(ctx); err != nil {
				r.log.ErrorContext(ctx, "dlq recovery pass failed", slog.Any("error", err))
			}
		}
	}
}

func (r *Recovery) drainAll(ctx context.Context) error {
	keys, err := r.mgr.ListQueues(ctx)
	if err != nil {
		return err
	}

	for _, key := range keys {
		sourceID, tableName, destinationID, err := ParseQueueKey(key)
		if err != nil {
			r.log.WarnContext(ctx, "skipping unparseable dlq stream", slog.String("stream", key))
			continue
		}

		if err := r.DrainQueue(ctx, sourceID, tableName, destinationID); err != nil {
			// One stuck queue must not block the others.
			r.log.ErrorContext(ctx, "drain dlq queue",
				slog.String("queue", key),
				slog.Any("error", err))
		}
	}

	return nil
}

// DrainQueue claims one batch from a triple's stream and re-attempts
// delivery in order. Delivered messages are acknowledged; the rest are
// requeued with their retry count bumped.
func (r *Recovery) DrainQueue(ctx context.Context, sourceID, tableName, destinationID string) error {
	claimed, err := r.mgr.DequeueBatch(ctx, sourceID, tableName, destinationID, internal.DLQMaxBatchSize, internal.DLQDefaultConsumer)
	if err != nil {
		if errors.Is(err, internal.ErrNoMessagesInDLQ) || errors.Is(err, internal.ErrDLQNotExists) {
			return nil
		}
		return err
	}

	dest, err := r.store.GetDestination(ctx, destinationID)
	if err != nil {
		return r.requeueAll(ctx, sourceID, tableName, destinationID, claimed, fmt.Errorf("load destination: %w", err))
	}

	dst, err := r.newSink(dest, r.log)
	if err != nil {
		return r.requeueAll(ctx, sourceID, tableName, destinationID, claimed, fmt.Errorf("build sink: %w", err))
	}
	defer dst.Close() //nolint:errcheck // best effort

	if err := dst.Initialize(ctx); err != nil {
		return r.requeueAll(ctx, sourceID, tableName, destinationID, claimed, err)
	}

	meta, err := r.store.GetTableMetadata(ctx, sourceID, tableName)
	if err != nil {
		return r.requeueAll(ctx, sourceID, tableName, destinationID, claimed, fmt.Errorf("load table metadata: %w", err))
	}

	var (
		delivered []uint64
		remaining []uint64
	)

	ensured := false
	for i, cm := range claimed {
		if !ensured {
			target := cm.Message.TableNameTarget
			if target == "" {
				target = tableName
			}
			if _, err := dst.CreateTableIfNotExists(ctx, target, meta.SchemaTable); err != nil {
				return r.requeueAll(ctx, sourceID, tableName, destinationID, claimed, err)
			}
			ensured = true
		}

		tableSync, err := r.store.GetTableSync(ctx, cm.Message.PipelineID, destinationID, tableName)
		if err != nil {
			remaining = idsOf(claimed[i:])
			break
		}

		if _, err := dst.WriteBatch(ctx, []models.CDCRecord{cm.Message.CDCRecord}, tableSync); err != nil {
			// Order per key must hold: stop at the first failure so
			// nothing behind it overtakes.
			remaining = idsOf(claimed[i:])
			r.log.WarnContext(ctx, "dlq redelivery failed",
				slog.String("table", tableName),
				slog.Uint64("message_id", cm.ID),
				slog.Any("error", err))
			break
		}

		delivered = append(delivered, cm.ID)
	}

	if len(delivered) > 0 {
		if _, err := r.mgr.Acknowledge(ctx, sourceID, tableName, destinationID, delivered); err != nil {
			return err
		}
		r.log.InfoContext(ctx, "dlq messages redelivered",
			slog.String("table", tableName),
			slog.Int("count", len(delivered)))
	}

	if len(remaining) > 0 {
		if err := r.mgr.Requeue(ctx, sourceID, tableName, destinationID, remaining); err != nil {
			return err
		}
	}

	return nil
}

func (r *Recovery) requeueAll(ctx context.Context, sourceID, tableName, destinationID string, claimed []ClaimedMessage, cause error) error {
	if err := r.mgr.Requeue(ctx, sourceID, tableName, destinationID, idsOf(claimed)); err != nil {
		return fmt.Errorf("requeue after %v: %w", cause, err)
	}
	return cause
}

func idsOf(claimed []ClaimedMessage) []uint64 {
	ids := make([]uint64, 0, len(claimed))
	for _, cm := range claimed {
		ids = append(ids, cm.ID)
	}
	return ids
}

// ParseQueueKey splits a stream name back into its triple.
func ParseQueueKey(key string) (sourceID, tableName, destinationID string, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != internal.DLQStreamPrefix {
		return "", "", "", fmt.Errorf("not a dlq queue key: %s", key)
	}
	return parts[1], parts[2], parts[3], nil
}
