package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/models"
)

// GetPipelines returns every configured pipeline, tunables clamped.
func (s *Store) GetPipelines(ctx context.Context) ([]models.PipelineConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, source_id, destination_id, status, max_batch_size, max_queue_size
		FROM pipelines
		ORDER BY created_at
	`)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to query pipelines",
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("query pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []models.PipelineConfig
	for rows.Next() {
		var p models.PipelineConfig
		if err := rows.Scan(
			&p.ID,
			&p.Name,
			&p.SourceID,
			&p.DestinationID,
			&p.Status,
			&p.MaxBatchSize,
			&p.MaxQueueSize,
		); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		p.ClampTunables()
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipelines: %w", err)
	}

	return pipelines, nil
}

// GetPipeline loads one pipeline by ID.
func (s *Store) GetPipeline(ctx context.Context, id string) (zero models.PipelineConfig, _ error) {
	var p models.PipelineConfig

	err := s.pool.QueryRow(ctx, `
		SELECT id, name, source_id, destination_id, status, max_batch_size, max_queue_size
		FROM pipelines
		WHERE id = $1
	`, id).Scan(
		&p.ID,
		&p.Name,
		&p.SourceID,
		&p.DestinationID,
		&p.Status,
		&p.MaxBatchSize,
		&p.MaxQueueSize,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, internal.ErrPipelineNotExists
		}
		return zero, fmt.Errorf("get pipeline: %w", err)
	}

	p.ClampTunables()

	return p, nil
}

// SetPipelineStatus rewrites the configured status. Used by the
// manager to reset REFRESH back to START once the refresh cycle is
// done; the configuration layer owns every other transition.
func (s *Store) SetPipelineStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipelines SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("set pipeline status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return internal.ErrPipelineNotExists
	}

	return nil
}

// GetPipelineMetadata returns the runtime state row, or a zero row in
// PAUSED for a pipeline that never ran.
func (s *Store) GetPipelineMetadata(ctx context.Context, pipelineID string) (models.PipelineMetadata, error) {
	meta := models.PipelineMetadata{ //nolint:exhaustruct // zero row default
		PipelineID: pipelineID,
		State:      internal.PipelineStatePaused,
	}

	var lastLSN int64

	err := s.pool.QueryRow(ctx, `
		SELECT state, COALESCE(last_error, ''), last_error_at, last_start_at, COALESCE(last_lsn, 0)
		FROM pipeline_metadata
		WHERE pipeline_id = $1
	`, pipelineID).Scan(
		&meta.State,
		&meta.LastError,
		&meta.LastErrorAt,
		&meta.LastStartAt,
		&lastLSN,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return meta, nil
		}
		return meta, fmt.Errorf("get pipeline metadata: %w", err)
	}

	meta.LastLSN = uint64(lastLSN)

	return meta, nil
}

// SetPipelineState upserts the runtime state. RUNNING also stamps
// last_start_at and clears the last error.
func (s *Store) SetPipelineState(ctx context.Context, pipelineID, state string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_metadata (pipeline_id, state, last_start_at, updated_at)
		VALUES ($1, $2, CASE WHEN $2 = $3 THEN NOW() END, NOW())
		ON CONFLICT (pipeline_id) DO UPDATE SET
			state         = EXCLUDED.state,
			last_start_at = COALESCE(EXCLUDED.last_start_at, pipeline_metadata.last_start_at),
			last_error    = CASE WHEN EXCLUDED.state = $3 THEN NULL ELSE pipeline_metadata.last_error END,
			updated_at    = NOW()
	`, pipelineID, state, internal.PipelineStateRunning)
	if err != nil {
		return fmt.Errorf("set pipeline state: %w", err)
	}

	return nil
}

// RecordPipelineError flips the runtime state to ERROR and records the
// message for the dashboard layer.
func (s *Store) RecordPipelineError(ctx context.Context, pipelineID, message string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_metadata (pipeline_id, state, last_error, last_error_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (pipeline_id) DO UPDATE SET
			state         = EXCLUDED.state,
			last_error    = EXCLUDED.last_error,
			last_error_at = EXCLUDED.last_error_at,
			updated_at    = NOW()
	`, pipelineID, internal.PipelineStateError, message)
	if err != nil {
		return fmt.Errorf("record pipeline error: %w", err)
	}

	return nil
}

// RecordPipelineLSN stores the last WAL position applied to the
// destination. Written after every flushed batch; monotonic by
// construction on the engine side.
func (s *Store) RecordPipelineLSN(ctx context.Context, pipelineID string, lsn uint64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pipeline_metadata SET last_lsn = $2, updated_at = NOW() WHERE pipeline_id = $1
	`, pipelineID, int64(lsn))
	if err != nil {
		return fmt.Errorf("record pipeline lsn: %w", err)
	}

	return nil
}
