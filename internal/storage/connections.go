package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pgpipe/pgpipe/internal/models"
)

// GetSource loads one replication source by ID.
func (s *Store) GetSource(ctx context.Context, id string) (zero models.Source, _ error) {
	var src models.Source

	err := s.pool.QueryRow(ctx, `
		SELECT id, name, host, port, database_name, username, password, publication, slot_name
		FROM sources
		WHERE id = $1
	`, id).Scan(
		&src.ID,
		&src.Name,
		&src.Host,
		&src.Port,
		&src.Database,
		&src.User,
		&src.Password,
		&src.Publication,
		&src.SlotName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, fmt.Errorf("source %s not found", id)
		}
		return zero, fmt.Errorf("get source: %w", err)
	}

	return src, nil
}

// GetDestination loads one destination by ID. Config stays an opaque
// JSON blob; the sink variants decode the fields they need.
func (s *Store) GetDestination(ctx context.Context, id string) (zero models.Destination, _ error) {
	var dest models.Destination

	err := s.pool.QueryRow(ctx, `
		SELECT id, name, type, config
		FROM destinations
		WHERE id = $1
	`, id).Scan(
		&dest.ID,
		&dest.Name,
		&dest.Type,
		&dest.Config,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, fmt.Errorf("destination %s not found", id)
		}
		return zero, fmt.Errorf("get destination: %w", err)
	}

	return dest, nil
}

// GetTableSyncs returns the enabled table bindings of one pipeline.
func (s *Store) GetTableSyncs(ctx context.Context, pipelineID string) ([]models.TableSync, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pipeline_id, destination_id, table_name, table_name_target,
		       COALESCE(filter_sql, ''), COALESCE(transform_sql, ''), enabled
		FROM table_syncs
		WHERE pipeline_id = $1 AND enabled
		ORDER BY table_name
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("query table syncs: %w", err)
	}
	defer rows.Close()

	var syncs []models.TableSync
	for rows.Next() {
		var ts models.TableSync
		if err := rows.Scan(
			&ts.ID,
			&ts.PipelineID,
			&ts.DestinationID,
			&ts.TableName,
			&ts.TableNameTarget,
			&ts.FilterSQL,
			&ts.TransformSQL,
			&ts.Enabled,
		); err != nil {
			return nil, fmt.Errorf("scan table sync: %w", err)
		}
		syncs = append(syncs, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table syncs: %w", err)
	}

	return syncs, nil
}

// GetTableSync loads one binding by its natural key. Enabled or not:
// dead-letter recovery must still honor the binding's filter and
// transform for rows that failed while it was active.
func (s *Store) GetTableSync(ctx context.Context, pipelineID, destinationID, tableName string) (zero models.TableSync, _ error) {
	var ts models.TableSync

	err := s.pool.QueryRow(ctx, `
		SELECT id, pipeline_id, destination_id, table_name, table_name_target,
		       COALESCE(filter_sql, ''), COALESCE(transform_sql, ''), enabled
		FROM table_syncs
		WHERE pipeline_id = $1 AND destination_id = $2 AND table_name = $3
	`, pipelineID, destinationID, tableName).Scan(
		&ts.ID,
		&ts.PipelineID,
		&ts.DestinationID,
		&ts.TableName,
		&ts.TableNameTarget,
		&ts.FilterSQL,
		&ts.TransformSQL,
		&ts.Enabled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, fmt.Errorf("table sync %s/%s/%s not found", pipelineID, destinationID, tableName)
		}
		return zero, fmt.Errorf("get table sync: %w", err)
	}

	return ts, nil
}
