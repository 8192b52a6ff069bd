package internal

import "time"

// Default values
const (
	// Destination type discriminators
	DestinationTypeWarehouse  = "warehouse"
	DestinationTypeRelational = "relational"

	// Pipeline configured status (operator intent)
	PipelineStatusStart   = "START"
	PipelineStatusPause   = "PAUSE"
	PipelineStatusRefresh = "REFRESH"

	// Pipeline runtime status (engine state, reported back)
	PipelineStateRunning = "RUNNING"
	PipelineStatePaused  = "PAUSED"
	PipelineStateError   = "ERROR"

	// Backfill job status
	BackfillStatusPending   = "PENDING"
	BackfillStatusExecuting = "EXECUTING"
	BackfillStatusCompleted = "COMPLETED"
	BackfillStatusFailed    = "FAILED"
	BackfillStatusCancelled = "CANCELLED"

	// Schema change classification
	SchemaChangeNewColumn  = "NEW COLUMN"
	SchemaChangeDropColumn = "DROP COLUMN"
	SchemaChangeTypeChange = "TYPE_CHANGE"

	// DLQ constants
	DLQStreamPrefix    = "pgpipe-dlq"
	DLQSubjectName     = "failed"
	DLQMaxBatchSize    = 100
	DLQDefaultConsumer = "recovery"

	// Relational destination alias prefix
	RelationalAliasPrefix = "pg_"

	// Batching bounds (runtime tunables are clamped to these)
	MinBatchSize = 1024
	MaxBatchSize = 16384
	MinQueueSize = 2048
	MaxQueueSize = 65536

	// Bounded in-line write retries before records go to the DLQ
	SinkWriteAttempts = 3

	// Backfill extraction batch size (rows per source read)
	BackfillBatchSize = 4096
)

// Timing defaults
const (
	NATSMaxConnectionWait = 2 * time.Minute
	NATSConnectionTimeout = 5 * time.Second
	NATSConnectionRetries = 10
	NATSInitialRetryDelay = 1 * time.Second
	NATSMaxRetryDelay     = 10 * time.Second

	PostgresMaxConnectionWait = 2 * time.Minute
	PostgresConnectionTimeout = 10 * time.Second
	PostgresConnectionRetries = 10
	PostgresInitialRetryDelay = 1 * time.Second
	PostgresMaxRetryDelay     = 10 * time.Second

	DLQClaimTimeout       = 30 * time.Second
	DLQRecoveryInterval   = 15 * time.Second
	ManagerPollInterval   = 5 * time.Second
	BackfillPollInterval  = 10 * time.Second
	SchemaMonitorInterval = 1 * time.Minute
	EngineFlushInterval   = 1 * time.Second
	EngineShutdownTimeout = 30 * time.Second
)
