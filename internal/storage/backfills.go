package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/models"
)

// ClaimPendingBackfill atomically claims the oldest PENDING job and
// flips it to EXECUTING. SKIP LOCKED keeps concurrent executors from
// claiming the same job. Returns ErrJobNotFound when the queue is
// empty.
func (s *Store) ClaimPendingBackfill(ctx context.Context) (zero models.BackfillJob, _ error) {
	var job models.BackfillJob

	err := s.pool.QueryRow(ctx, `
		UPDATE backfill_jobs
		SET status = $1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM backfill_jobs
			WHERE status = $2
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, pipeline_id, source_id, table_name, COALESCE(filter_sql, ''),
		          status, count_record, total_record, is_error, COALESCE(error_message, ''),
		          created_at, updated_at
	`, internal.BackfillStatusExecuting, internal.BackfillStatusPending).Scan(
		&job.ID,
		&job.PipelineID,
		&job.SourceID,
		&job.TableName,
		&job.FilterSQL,
		&job.Status,
		&job.CountRecord,
		&job.TotalRecord,
		&job.IsError,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, internal.ErrJobNotFound
		}
		return zero, fmt.Errorf("claim backfill job: %w", err)
	}

	return job, nil
}

// GetBackfillStatus reads just the status column. Cheap enough to
// poll between batches for cooperative cancellation.
func (s *Store) GetBackfillStatus(ctx context.Context, id string) (string, error) {
	var status string

	err := s.pool.QueryRow(ctx, `
		SELECT status FROM backfill_jobs WHERE id = $1
	`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", internal.ErrJobNotFound
		}
		return "", fmt.Errorf("get backfill status: %w", err)
	}

	return status, nil
}

// UpdateBackfillProgress advances the extraction counters after one
// batch. Never moves the status.
func (s *Store) UpdateBackfillProgress(ctx context.Context, id string, countRecord, totalRecord int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backfill_jobs
		SET count_record = $2, total_record = $3, updated_at = NOW()
		WHERE id = $1
	`, id, countRecord, totalRecord)
	if err != nil {
		return fmt.Errorf("update backfill progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return internal.ErrJobNotFound
	}

	return nil
}

// CompleteBackfill moves an EXECUTING job to COMPLETED. A job the
// operator cancelled mid-flight keeps its CANCELLED status.
func (s *Store) CompleteBackfill(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE backfill_jobs
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, internal.BackfillStatusCompleted, internal.BackfillStatusExecuting)
	if err != nil {
		return fmt.Errorf("complete backfill job: %w", err)
	}

	return nil
}

// FailBackfill moves a job to FAILED and records the cause.
func (s *Store) FailBackfill(ctx context.Context, id, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE backfill_jobs
		SET status = $2, is_error = TRUE, error_message = $3, updated_at = NOW()
		WHERE id = $1
	`, id, internal.BackfillStatusFailed, message)
	if err != nil {
		return fmt.Errorf("fail backfill job: %w", err)
	}

	return nil
}
