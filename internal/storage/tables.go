package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/models"

	json "github.com/goccy/go-json"
)

// GetTableMetadata loads the tracking row of one (source, table) pair.
func (s *Store) GetTableMetadata(ctx context.Context, sourceID, tableName string) (zero models.TableMetadata, _ error) {
	var (
		meta       models.TableMetadata
		schemaJSON []byte
	)

	err := s.pool.QueryRow(ctx, `
		SELECT id, source_id, table_name, schema_table,
		       has_landing_table, has_stream, has_task, has_target_table,
		       is_changes_schema, updated_at
		FROM table_metadata
		WHERE source_id = $1 AND table_name = $2
	`, sourceID, tableName).Scan(
		&meta.ID,
		&meta.SourceID,
		&meta.TableName,
		&schemaJSON,
		&meta.HasLandingTable,
		&meta.HasStream,
		&meta.HasTask,
		&meta.HasTargetTable,
		&meta.IsChangesSchema,
		&meta.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, internal.ErrTableNotTracked
		}
		return zero, fmt.Errorf("get table metadata: %w", err)
	}

	if err := json.Unmarshal(schemaJSON, &meta.SchemaTable); err != nil {
		return zero, fmt.Errorf("unmarshal table schema: %w", err)
	}

	return meta, nil
}

// GetTableMetadataList returns every tracked table of one source.
func (s *Store) GetTableMetadataList(ctx context.Context, sourceID string) ([]models.TableMetadata, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, table_name, schema_table,
		       has_landing_table, has_stream, has_task, has_target_table,
		       is_changes_schema, updated_at
		FROM table_metadata
		WHERE source_id = $1
		ORDER BY table_name
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query table metadata: %w", err)
	}
	defer rows.Close()

	var metas []models.TableMetadata
	for rows.Next() {
		var (
			meta       models.TableMetadata
			schemaJSON []byte
		)
		if err := rows.Scan(
			&meta.ID,
			&meta.SourceID,
			&meta.TableName,
			&schemaJSON,
			&meta.HasLandingTable,
			&meta.HasStream,
			&meta.HasTask,
			&meta.HasTargetTable,
			&meta.IsChangesSchema,
			&meta.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan table metadata: %w", err)
		}
		if err := json.Unmarshal(schemaJSON, &meta.SchemaTable); err != nil {
			return nil, fmt.Errorf("unmarshal table schema: %w", err)
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table metadata: %w", err)
	}

	return metas, nil
}

// InsertTableMetadata starts tracking a newly published table with its
// first schema snapshot.
func (s *Store) InsertTableMetadata(ctx context.Context, sourceID, tableName string, schema []models.ColumnDescriptor) (models.TableMetadata, error) {
	meta := models.TableMetadata{ //nolint:exhaustruct // object flags start false
		ID:          uuid.NewString(),
		SourceID:    sourceID,
		TableName:   tableName,
		SchemaTable: schema,
		UpdatedAt:   time.Now().UTC(),
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return meta, fmt.Errorf("marshal table schema: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO table_metadata (id, source_id, table_name, schema_table, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, meta.ID, sourceID, tableName, schemaJSON, meta.UpdatedAt)
	if err != nil {
		return meta, fmt.Errorf("insert table metadata: %w", err)
	}

	s.logger.InfoContext(ctx, "table tracked",
		slog.String("source_id", sourceID),
		slog.String("table", tableName))

	return meta, nil
}

// UpdateTableSchema overwrites the stored snapshot and raises or
// clears the drift flag.
func (s *Store) UpdateTableSchema(ctx context.Context, id string, schema []models.ColumnDescriptor, changed bool) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal table schema: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE table_metadata
		SET schema_table = $2, is_changes_schema = $3, updated_at = NOW()
		WHERE id = $1
	`, id, schemaJSON, changed)
	if err != nil {
		return fmt.Errorf("update table schema: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return internal.ErrTableNotTracked
	}

	return nil
}

// SetTableObjectFlags records which destination-side objects exist.
func (s *Store) SetTableObjectFlags(ctx context.Context, id string, landing, stream, task, target bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE table_metadata
		SET has_landing_table = $2, has_stream = $3, has_task = $4, has_target_table = $5,
		    updated_at = NOW()
		WHERE id = $1
	`, id, landing, stream, task, target)
	if err != nil {
		return fmt.Errorf("set table object flags: %w", err)
	}

	return nil
}

// DeleteTableMetadata stops tracking a table. History rows are
// removed first in the same transaction; the cascade is explicit.
func (s *Store) DeleteTableMetadata(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `
		DELETE FROM history_schema_evolution WHERE table_metadata_id = $1
	`, id); err != nil {
		return fmt.Errorf("delete schema history: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM table_metadata WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("delete table metadata: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// InsertSchemaHistory appends one drift record. The version number is
// assigned inside the transaction as max+1 per tracked table, so
// concurrent monitors cannot hand out the same version twice.
func (s *Store) InsertSchemaHistory(ctx context.Context, h models.HistorySchemaEvolution) (int, error) {
	oldJSON, err := json.Marshal(h.SchemaOld)
	if err != nil {
		return 0, fmt.Errorf("marshal old schema: %w", err)
	}
	newJSON, err := json.Marshal(h.SchemaNew)
	if err != nil {
		return 0, fmt.Errorf("marshal new schema: %w", err)
	}

	if h.ID == "" {
		h.ID = uuid.NewString()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var version int
	err = tx.QueryRow(ctx, `
		INSERT INTO history_schema_evolution
			(id, table_metadata_id, schema_old, schema_new, changes_type, version_schema, created_at)
		VALUES ($1, $2, $3, $4, $5,
			(SELECT COALESCE(MAX(version_schema), 0) + 1
			 FROM history_schema_evolution
			 WHERE table_metadata_id = $2), NOW())
		RETURNING version_schema
	`, h.ID, h.TableMetadataID, oldJSON, newJSON, h.ChangesType).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("insert schema history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return version, nil
}
