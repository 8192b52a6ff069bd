// Package backfill executes queued historical extractions, independent
// of the live replication streams. Jobs move PENDING → EXECUTING →
// {COMPLETED, FAILED, CANCELLED}; progress counters advance after every
// batch so a crash leaves resumable, visible state.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/models"
	"github.com/pgpipe/pgpipe/internal/sink"
)

// Store is the configuration and job-state surface the executor uses.
type Store interface {
	ClaimPendingBackfill(ctx context.Context) (models.BackfillJob, error)
	GetBackfillStatus(ctx context.Context, id string) (string, error)
	UpdateBackfillProgress(ctx context.Context, id string, countRecord, totalRecord int64) error
	CompleteBackfill(ctx context.Context, id string) error
	FailBackfill(ctx context.Context, id, message string) error

	GetPipeline(ctx context.Context, id string) (models.PipelineConfig, error)
	GetSource(ctx context.Context, id string) (models.Source, error)
	GetDestination(ctx context.Context, id string) (models.Destination, error)
	GetTableSync(ctx context.Context, pipelineID, destinationID, tableName string) (models.TableSync, error)
	GetTableMetadata(ctx context.Context, sourceID, tableName string) (models.TableMetadata, error)
}

// BatchFunc receives one batch of snapshot-read records.
type BatchFunc func(ctx context.Context, records []models.CDCRecord) error

// Reader scans a source table in fixed-size batches. The concrete
// implementation keyset-paginates over the source; tests inject their
// own.
type Reader interface {
	Count(ctx context.Context, src models.Source, table, filterSQL string) (int64, error)
	Read(ctx context.Context, src models.Source, table string, schema []models.ColumnDescriptor, filterSQL string, batchSize int, fn BatchFunc) error
}

// Executor polls for PENDING jobs and runs them one at a time.
type Executor struct {
	store   Store
	reader  Reader
	newSink func(models.Destination, *slog.Logger) (sink.Sink, error)
	log     *slog.Logger

	interval  time.Duration
	batchSize int
}

type ExecutorOption func(*Executor)

func WithInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.interval = d
	}
}

func WithBatchSize(n int) ExecutorOption {
	return func(e *Executor) {
		e.batchSize = n
	}
}

func NewExecutor(store Store, reader Reader, log *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:     store,
		reader:    reader,
		newSink:   sink.New,
		log:       log.With(slog.String("component", "backfill")),
		interval:  internal.BackfillPollInterval,
		batchSize: internal.BackfillBatchSize,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run polls until ctx is cancelled. Each tick drains the PENDING
// queue; a job failure is scoped to that job.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.log.InfoContext(ctx, "backfill executor started", slog.String("poll_interval", e.interval.String()))

	e.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("backfill executor stopped")
			return
		case <-ticker.C:
			e.drain(ctx)
		}
	}
}

func (e *Executor) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := e.store.ClaimPendingBackfill(ctx)
		if err != nil {
			if !errors.Is(err, internal.ErrJobNotFound) {
				e.log.ErrorContext(ctx, "failed to claim backfill job", slog.Any("error", err))
			}
			return
		}

		e.execute(ctx, job)
	}
}

func (e *Executor) execute(ctx context.Context, job models.BackfillJob) {
	log := e.log.With(slog.String("job_id", job.ID), slog.String("table", job.TableName))
	log.InfoContext(ctx, "backfill job claimed")

	err := e.run(ctx, job)
	switch {
	case err == nil:
		if err := e.store.CompleteBackfill(ctx, job.ID); err != nil {
			log.ErrorContext(ctx, "failed to mark job completed", slog.Any("error", err))
			return
		}
		log.InfoContext(ctx, "backfill job completed")

	case errors.Is(err, models.ErrJobCancelled):
		// The operator already flipped the status; just stop counting.
		log.InfoContext(ctx, "backfill job cancelled")

	default:
		log.ErrorContext(ctx, "backfill job failed", slog.Any("error", err))
		if failErr := e.store.FailBackfill(ctx, job.ID, err.Error()); failErr != nil {
			log.ErrorContext(ctx, "failed to mark job failed", slog.Any("error", failErr))
		}
	}
}

func (e *Executor) run(ctx context.Context, job models.BackfillJob) error {
	pipeline, err := e.store.GetPipeline(ctx, job.PipelineID)
	if err != nil {
		return fmt.Errorf("load pipeline: %w", err)
	}

	source, err := e.store.GetSource(ctx, job.SourceID)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}

	dest, err := e.store.GetDestination(ctx, pipeline.DestinationID)
	if err != nil {
		return fmt.Errorf("load destination: %w", err)
	}

	tableSync, err := e.store.GetTableSync(ctx, job.PipelineID, pipeline.DestinationID, job.TableName)
	if err != nil {
		return fmt.Errorf("load table sync: %w", err)
	}

	meta, err := e.store.GetTableMetadata(ctx, job.SourceID, job.TableName)
	if err != nil {
		return fmt.Errorf("load table metadata: %w", err)
	}

	dst, err := e.newSink(dest, e.log)
	if err != nil {
		return fmt.Errorf("build sink: %w", err)
	}
	defer dst.Close() //nolint:errcheck // best effort

	if err := dst.Initialize(ctx); err != nil {
		return err
	}

	target := tableSync.TableNameTarget
	if target == "" {
		target = job.TableName
	}
	if _, err := dst.CreateTableIfNotExists(ctx, target, meta.SchemaTable); err != nil {
		return err
	}

	total, err := e.reader.Count(ctx, source, job.TableName, job.FilterSQL)
	if err != nil {
		return fmt.Errorf("count source rows: %w", err)
	}

	var count int64

	write := func(ctx context.Context, records []models.CDCRecord) error {
		// Cooperative cancellation between batches.
		status, err := e.store.GetBackfillStatus(ctx, job.ID)
		if err != nil {
			return err
		}
		if status == internal.BackfillStatusCancelled {
			return models.ErrJobCancelled
		}

		n, err := dst.WriteBatch(ctx, records, tableSync)
		count += int64(n)
		if err != nil {
			// Progress so far stays visible even on failure.
			if progErr := e.store.UpdateBackfillProgress(ctx, job.ID, count, total); progErr != nil {
				e.log.WarnContext(ctx, "failed to update backfill progress", slog.Any("error", progErr))
			}
			return err
		}

		return e.store.UpdateBackfillProgress(ctx, job.ID, count, total)
	}

	return e.reader.Read(ctx, source, job.TableName, meta.SchemaTable, job.FilterSQL, e.batchSize, write)
}
