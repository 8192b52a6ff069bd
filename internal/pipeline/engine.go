package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/capture"
	"github.com/pgpipe/pgpipe/internal/models"
	"github.com/pgpipe/pgpipe/internal/sink"
)

// Store is the slice of the configuration store the engine writes its
// runtime state through.
type Store interface {
	GetTableMetadata(ctx context.Context, sourceID, tableName string) (models.TableMetadata, error)
	SetTableObjectFlags(ctx context.Context, id string, landing, stream, task, target bool) error
	SetPipelineState(ctx context.Context, pipelineID, state string) error
	RecordPipelineError(ctx context.Context, pipelineID, message string) error
	RecordPipelineLSN(ctx context.Context, pipelineID string, lsn uint64) error
}

// DeadLetter receives the records a batch write could not deliver,
// and answers whether a table still has records queued for
// redelivery.
type DeadLetter interface {
	Enqueue(ctx context.Context, msg models.DLQMessage) error
	HasMessages(ctx context.Context, sourceID, tableName, destinationID string) (bool, error)
}

// errQueuedBehindBacklog marks records routed through the retry queue
// only because earlier records of their table are still waiting there.
var errQueuedBehindBacklog = errors.New("earlier records for this table await redelivery")

// Engine runs one pipeline: consume the capture stream, batch per
// table, flush through the sink, dead-letter what the destination
// rejects. A capture failure is fatal and recorded as ERROR; a write
// failure never is.
type Engine struct {
	cfg    models.PipelineConfig
	source models.Source
	dest   models.Destination
	syncs  map[string]models.TableSync
	dst    sink.Sink
	opener capture.Opener
	store  Store
	dlq    DeadLetter
	log    *slog.Logger

	// detoured tracks tables whose records went to the retry queue.
	// New batches for such a table keep joining the queue until it is
	// drained, so nothing overtakes the queued records.
	detoured map[string]bool
}

func NewEngine(
	cfg models.PipelineConfig,
	source models.Source,
	dest models.Destination,
	syncs []models.TableSync,
	dst sink.Sink,
	opener capture.Opener,
	store Store,
	dlq DeadLetter,
	log *slog.Logger,
) *Engine {
	byTable := make(map[string]models.TableSync, len(syncs))
	for _, ts := range syncs {
		if ts.Enabled {
			byTable[ts.TableName] = ts
		}
	}

	return &Engine{
		cfg:      cfg,
		source:   source,
		dest:     dest,
		syncs:    byTable,
		dst:      dst,
		opener:   opener,
		store:    store,
		dlq:      dlq,
		log:      log.With(slog.String("pipeline_id", cfg.ID), slog.String("pipeline", cfg.Name)),
		detoured: make(map[string]bool),
	}
}

// Run drives the pipeline until ctx is cancelled (clean pause) or the
// capture subscription fails (ERROR). The returned error is the fatal
// cause, already recorded to pipeline metadata.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.start(ctx); err != nil {
		e.fail(err)
		return err
	}

	stream, err := e.opener.Open(ctx, e.source)
	if err != nil {
		err = fmt.Errorf("open capture stream: %w", err)
		e.fail(err)
		return err
	}

	if err := e.store.SetPipelineState(ctx, e.cfg.ID, internal.PipelineStateRunning); err != nil {
		e.log.WarnContext(ctx, "failed to record running state", slog.Any("error", err))
	}

	e.log.InfoContext(ctx, "pipeline streaming",
		slog.Int("tables", len(e.syncs)),
		slog.Int("max_batch_size", e.cfg.MaxBatchSize),
		slog.Int("max_queue_size", e.cfg.MaxQueueSize))

	err = e.stream(ctx, stream)
	if err != nil {
		e.fail(err)
		return err
	}

	return nil
}

// start is the STARTING phase: connect the sink and ensure the
// destination objects for every bound table. A table whose tracking
// row or destination objects cannot be resolved is excluded from this
// run instead of failing the pipeline.
func (e *Engine) start(ctx context.Context) error {
	if err := e.dst.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize sink: %w", err)
	}

	for table, ts := range e.syncs {
		meta, err := e.store.GetTableMetadata(ctx, e.source.ID, table)
		if err != nil {
			e.log.WarnContext(ctx, "table excluded from streaming",
				slog.String("table", table),
				slog.Any("error", err))
			delete(e.syncs, table)
			continue
		}

		target := ts.TableNameTarget
		if target == "" {
			target = table
		}

		created, err := e.dst.CreateTableIfNotExists(ctx, target, meta.SchemaTable)
		if err != nil {
			var cfgErr *models.ConfigurationError
			if errors.As(err, &cfgErr) {
				e.log.WarnContext(ctx, "table excluded from streaming",
					slog.String("table", table),
					slog.Any("error", err))
				delete(e.syncs, table)
				continue
			}
			return fmt.Errorf("ensure destination table %s: %w", target, err)
		}
		if created {
			e.log.InfoContext(ctx, "destination table created",
				slog.String("table", table),
				slog.String("target", target))
		}

		// The warehouse variant maintains landing, stream and task
		// objects per table; the relational one only the target.
		warehouse := e.dest.Type == internal.DestinationTypeWarehouse
		if err := e.store.SetTableObjectFlags(ctx, meta.ID, warehouse, warehouse, warehouse, true); err != nil {
			e.log.WarnContext(ctx, "failed to record destination object flags",
				slog.String("table", table),
				slog.Any("error", err))
		}
	}

	if len(e.syncs) == 0 {
		return fmt.Errorf("pipeline %s has no usable table syncs", e.cfg.ID)
	}

	return nil
}

func (e *Engine) stream(ctx context.Context, stream capture.Stream) error {
	batcher := NewBatcher(e.cfg.MaxBatchSize, e.cfg.MaxQueueSize)

	ticker := time.NewTicker(internal.EngineFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.shutdown(stream, batcher)

		case err := <-stream.Errors():
			if err != nil {
				return fmt.Errorf("capture stream: %w", err)
			}

		case ev, ok := <-stream.Events():
			if !ok {
				// Stream ended on its own; the fatal cause is on Errors.
				if err := <-stream.Errors(); err != nil {
					return fmt.Errorf("capture stream: %w", err)
				}
				return e.shutdown(stream, batcher)
			}

			if _, bound := e.syncs[ev.Record.TableName]; !bound {
				// Published but not bound to this pipeline.
				continue
			}

			if err := e.flush(ctx, stream, batcher.Add(ev)); err != nil {
				return err
			}

		case <-ticker.C:
			if err := e.flush(ctx, stream, batcher.FlushAll()); err != nil {
				return err
			}
		}
	}
}

// shutdown is the clean pause path: flush what is buffered under a
// fresh deadline, close the subscription, report PAUSED.
func (e *Engine) shutdown(stream capture.Stream, batcher *Batcher) error {
	ctx, cancel := context.WithTimeout(context.Background(), internal.EngineShutdownTimeout)
	defer cancel()

	if err := e.flush(ctx, stream, batcher.FlushAll()); err != nil {
		e.log.ErrorContext(ctx, "final flush failed", slog.Any("error", err))
	}

	if err := stream.Close(ctx); err != nil {
		e.log.WarnContext(ctx, "failed to close capture stream", slog.Any("error", err))
	}

	if err := e.store.SetPipelineState(ctx, e.cfg.ID, internal.PipelineStatePaused); err != nil {
		e.log.WarnContext(ctx, "failed to record paused state", slog.Any("error", err))
	}

	e.log.InfoContext(ctx, "pipeline paused")

	return nil
}

// flush writes each due batch, dead-letters what the destination
// refused, then acknowledges positions. Only a DLQ append failure is
// fatal here: losing a record silently is the one thing this path must
// never do.
func (e *Engine) flush(ctx context.Context, stream capture.Stream, batches []TableBatch) error {
	var maxPos capture.Position

	for _, batch := range batches {
		ts := e.syncs[batch.TableName]

		if e.detoured[batch.TableName] {
			if e.hasBacklog(ctx, ts) {
				// Writing direct would overtake the queued records;
				// the batch joins the queue behind them instead.
				if dlqErr := e.deadLetter(ctx, batch.Records, ts, errQueuedBehindBacklog); dlqErr != nil {
					return fmt.Errorf("dead-letter records for %s: %w", batch.TableName, dlqErr)
				}
				if batch.MaxPosition > maxPos {
					maxPos = batch.MaxPosition
				}
				continue
			}
			delete(e.detoured, batch.TableName)
		}

		written, err := e.writeWithRetry(ctx, batch, ts)
		if err != nil {
			e.log.ErrorContext(ctx, "batch write failed, dead-lettering remainder",
				slog.String("table", batch.TableName),
				slog.Int("written", written),
				slog.Int("total", len(batch.Records)),
				slog.Any("error", err))

			if dlqErr := e.deadLetter(ctx, batch.Records[written:], ts, err); dlqErr != nil {
				return fmt.Errorf("dead-letter records for %s: %w", batch.TableName, dlqErr)
			}
			e.detoured[batch.TableName] = true
		}

		if batch.MaxPosition > maxPos {
			maxPos = batch.MaxPosition
		}
	}

	if maxPos > 0 {
		stream.Ack(maxPos)
		if err := e.store.RecordPipelineLSN(ctx, e.cfg.ID, uint64(maxPos)); err != nil {
			e.log.WarnContext(ctx, "failed to record wal position", slog.Any("error", err))
		}
	}

	return nil
}

// hasBacklog reports whether the table's retry queue still holds
// records. An inconclusive check counts as a backlog, keeping the
// table on the queue path until the queue is known to be empty.
func (e *Engine) hasBacklog(ctx context.Context, ts models.TableSync) bool {
	pending, err := e.dlq.HasMessages(ctx, e.source.ID, ts.TableName, ts.DestinationID)
	if err != nil {
		e.log.WarnContext(ctx, "failed to check retry queue backlog",
			slog.String("table", ts.TableName),
			slog.Any("error", err))
		return true
	}
	return pending
}

// writeWithRetry attempts the batch a bounded number of times. The
// upserts are idempotent by key, so whole-batch retries are safe. On
// exhaustion it reports how far the last attempt got.
func (e *Engine) writeWithRetry(ctx context.Context, batch TableBatch, ts models.TableSync) (int, error) {
	written := 0

	err := retry.Do(
		func() error {
			n, err := e.dst.WriteBatch(ctx, batch.Records, ts)
			written = n
			return err
		},
		retry.Attempts(internal.SinkWriteAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		var writeErr *models.WriteError
		if errors.As(err, &writeErr) {
			written = writeErr.Written
		}
		return written, err
	}

	return written, nil
}

// deadLetter hands the unwritten records over one-by-one in order, so
// redelivery preserves per-key operation order.
func (e *Engine) deadLetter(ctx context.Context, records []models.CDCRecord, ts models.TableSync, cause error) error {
	for _, rec := range records {
		msg := models.DLQMessage{ //nolint:exhaustruct // retry metadata stamped by Enqueue
			PipelineID:      e.cfg.ID,
			SourceID:        e.source.ID,
			DestinationID:   ts.DestinationID,
			TableName:       ts.TableName,
			TableNameTarget: ts.TableNameTarget,
			CDCRecord:       rec,
			ErrorMessage:    cause.Error(),
		}

		if err := e.dlq.Enqueue(ctx, msg); err != nil {
			return err
		}
	}

	return nil
}

// fail records the fatal cause. Uses a fresh context: the engine's own
// may already be cancelled.
func (e *Engine) fail(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), internal.EngineShutdownTimeout)
	defer cancel()

	e.log.ErrorContext(ctx, "pipeline failed", slog.Any("error", cause))

	if err := e.store.RecordPipelineError(ctx, e.cfg.ID, cause.Error()); err != nil {
		e.log.ErrorContext(ctx, "failed to record pipeline error", slog.Any("error", err))
	}
}
