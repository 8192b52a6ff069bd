package schemamon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/models"
)

// Store is the tracking-state surface the monitor reads and writes.
type Store interface {
	GetTableMetadataList(ctx context.Context, sourceID string) ([]models.TableMetadata, error)
	InsertTableMetadata(ctx context.Context, sourceID, tableName string, schema []models.ColumnDescriptor) (models.TableMetadata, error)
	DeleteTableMetadata(ctx context.Context, id string) error
	UpdateTableSchema(ctx context.Context, id string, schema []models.ColumnDescriptor, changed bool) error
	InsertSchemaHistory(ctx context.Context, h models.HistorySchemaEvolution) (int, error)
}

// Catalog introspects the live source: which tables the publication
// carries and what columns a table has right now.
type Catalog interface {
	PublishedTables(ctx context.Context, src models.Source) ([]string, error)
	TableColumns(ctx context.Context, src models.Source, table string) ([]models.ColumnDescriptor, error)
}

// Monitor watches one source on a timer.
type Monitor struct {
	source  models.Source
	store   Store
	catalog Catalog
	log     *slog.Logger

	interval time.Duration
}

type MonitorOption func(*Monitor)

func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.interval = d
	}
}

func NewMonitor(source models.Source, store Store, catalog Catalog, log *slog.Logger, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		source:   source,
		store:    store,
		catalog:  catalog,
		log:      log.With(slog.String("component", "schema-monitor"), slog.String("source_id", source.ID)),
		interval: internal.SchemaMonitorInterval,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Run checks on the interval until ctx is cancelled. A failed pass is
// logged and retried next tick; drift detection is monitoring, never
// fatal.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.InfoContext(ctx, "schema monitor started", slog.String("interval", m.interval.String()))

	if err := m.Check(ctx); err != nil {
		m.log.ErrorContext(ctx, "schema check failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			m.log.Info("schema monitor stopped")
			return
		case <-ticker.C:
			if err := m.Check(ctx); err != nil {
				m.log.ErrorContext(ctx, "schema check failed", slog.Any("error", err))
			}
		}
	}
}

// Check runs one full pass: reconcile the table list, then diff every
// tracked table's live schema against its snapshot.
func (m *Monitor) Check(ctx context.Context) error {
	if err := m.SyncTableList(ctx); err != nil {
		return err
	}

	metas, err := m.store.GetTableMetadataList(ctx, m.source.ID)
	if err != nil {
		return fmt.Errorf("list tracked tables: %w", err)
	}

	for _, meta := range metas {
		if err := m.FetchAndCompareSchema(ctx, meta); err != nil {
			m.log.ErrorContext(ctx, "schema compare failed",
				slog.String("table", meta.TableName),
				slog.Any("error", err))
		}
	}

	return nil
}

// SyncTableList reconciles the publication's table set against the
// tracked rows: newly published tables get a metadata row with their
// current schema, unpublished ones are dropped together with their
// history.
func (m *Monitor) SyncTableList(ctx context.Context) error {
	published, err := m.catalog.PublishedTables(ctx, m.source)
	if err != nil {
		return fmt.Errorf("list published tables: %w", err)
	}

	tracked, err := m.store.GetTableMetadataList(ctx, m.source.ID)
	if err != nil {
		return fmt.Errorf("list tracked tables: %w", err)
	}

	publishedSet := make(map[string]bool, len(published))
	for _, t := range published {
		publishedSet[t] = true
	}
	trackedSet := make(map[string]bool, len(tracked))
	for _, meta := range tracked {
		trackedSet[meta.TableName] = true
	}

	for _, table := range published {
		if trackedSet[table] {
			continue
		}

		schema, err := m.catalog.TableColumns(ctx, m.source, table)
		if err != nil {
			m.log.ErrorContext(ctx, "failed to read columns of new table",
				slog.String("table", table),
				slog.Any("error", err))
			continue
		}

		if _, err := m.store.InsertTableMetadata(ctx, m.source.ID, table, schema); err != nil {
			m.log.ErrorContext(ctx, "failed to track table",
				slog.String("table", table),
				slog.Any("error", err))
		}
	}

	for _, meta := range tracked {
		if publishedSet[meta.TableName] {
			continue
		}

		if err := m.store.DeleteTableMetadata(ctx, meta.ID); err != nil {
			m.log.ErrorContext(ctx, "failed to untrack table",
				slog.String("table", meta.TableName),
				slog.Any("error", err))
			continue
		}

		m.log.InfoContext(ctx, "table untracked", slog.String("table", meta.TableName))
	}

	return nil
}

// FetchAndCompareSchema diffs the live column list against the stored
// snapshot. On drift: one history row per classified change, the drift
// flag raised, and the snapshot overwritten. No drift leaves the row
// untouched.
func (m *Monitor) FetchAndCompareSchema(ctx context.Context, meta models.TableMetadata) error {
	live, err := m.catalog.TableColumns(ctx, m.source, meta.TableName)
	if err != nil {
		return fmt.Errorf("read live columns: %w", err)
	}

	changes := DiffSchemas(meta.SchemaTable, live)
	if len(changes) == 0 {
		return nil
	}

	for _, change := range changes {
		version, err := m.store.InsertSchemaHistory(ctx, models.HistorySchemaEvolution{ //nolint:exhaustruct // id and timestamps store-assigned
			TableMetadataID: meta.ID,
			SchemaOld:       meta.SchemaTable,
			SchemaNew:       live,
			ChangesType:     change.Type,
		})
		if err != nil {
			return fmt.Errorf("record schema change: %w", err)
		}

		m.log.InfoContext(ctx, "schema drift detected",
			slog.String("table", meta.TableName),
			slog.String("change", change.Type),
			slog.String("column", change.Column),
			slog.Int("version", version))
	}

	if err := m.store.UpdateTableSchema(ctx, meta.ID, live, true); err != nil {
		return fmt.Errorf("update schema snapshot: %w", err)
	}

	return nil
}
