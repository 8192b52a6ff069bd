package models

import (
	"time"

	"github.com/pgpipe/pgpipe/internal"
)

// PipelineConfig is the desired state of one pipeline as the operator
// configured it. The core reads it; only the configuration layer
// mutates it, except for the REFRESH reset performed by the manager
// after a completed refresh cycle.
type PipelineConfig struct {
	ID            string
	Name          string
	SourceID      string
	DestinationID string

	// Configured status: START, PAUSE or REFRESH.
	Status string

	// Runtime tunables; applied on START/REFRESH only.
	MaxBatchSize int
	MaxQueueSize int
}

// ClampTunables forces the runtime tunables into their allowed bounds.
// Out-of-range values from the store are clamped, not rejected.
func (p *PipelineConfig) ClampTunables() {
	p.MaxBatchSize = min(max(p.MaxBatchSize, internal.MinBatchSize), internal.MaxBatchSize)
	p.MaxQueueSize = min(max(p.MaxQueueSize, internal.MinQueueSize), internal.MaxQueueSize)
}

// PipelineMetadata is the runtime state the core writes back for the
// API and dashboard layers to read.
type PipelineMetadata struct {
	PipelineID  string
	State       string // RUNNING, PAUSED or ERROR
	LastError   string
	LastErrorAt *time.Time
	LastStartAt *time.Time

	// Last WAL position applied to the destination, for lag monitoring.
	LastLSN uint64
}
