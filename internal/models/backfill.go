package models

import (
	"time"

	"github.com/pgpipe/pgpipe/internal"
)

// BackfillJob is one queued historical extraction. Created PENDING by
// the API layer; the executor claims it, advances the counters after
// every batch, and leaves it in a terminal state.
type BackfillJob struct {
	ID         string
	PipelineID string
	SourceID   string
	TableName  string
	FilterSQL  string

	Status      string
	CountRecord int64
	TotalRecord int64

	IsError      bool
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the job is in a state the executor must not
// touch again.
func (j BackfillJob) Terminal() bool {
	switch j.Status {
	case internal.BackfillStatusCompleted, internal.BackfillStatusFailed, internal.BackfillStatusCancelled:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a cancel request is valid for the
// current status. Only PENDING and EXECUTING jobs may be cancelled.
func (j BackfillJob) Cancellable() bool {
	switch j.Status {
	case internal.BackfillStatusPending, internal.BackfillStatusExecuting:
		return true
	default:
		return false
	}
}
