package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNoNewMessages is returned by fetch paths when a queue or
	// capture stream had nothing to deliver.
	ErrNoNewMessages = errors.New("no new messages")

	// ErrJobCancelled signals cooperative backfill cancellation. It is
	// not a failure: the job transitions to CANCELLED, not FAILED.
	ErrJobCancelled = errors.New("job cancelled")
)

// ConnectionError marks a source or destination as unreachable. Callers
// retry with backoff; a pipeline goes to ERROR if it recurs past the
// connect threshold.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// WriteError marks a batch as partially or fully rejected by the
// destination. It is never fatal to a pipeline: the engine hands the
// unwritten records to the DLQ and keeps flowing.
type WriteError struct {
	Table   string
	Written int
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write batch to %s failed after %d rows: %v", e.Table, e.Written, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ConfigurationError marks an invalid table sync or filter. The table
// is excluded from streaming until the operator corrects it.
type ConfigurationError struct {
	Subject string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Subject, e.Reason)
}
