package models

import "time"

// ColumnDescriptor is one column of a tracked table's last known
// schema. Order matters: the stored schema is an ordered list.
type ColumnDescriptor struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableMetadata tracks one (source, table) pair: the last schema
// snapshot, the existence flags for the destination-side objects, and
// the drift flag raised by the schema monitor. Unique per
// (SourceID, TableName).
type TableMetadata struct {
	ID        string
	SourceID  string
	TableName string

	SchemaTable []ColumnDescriptor

	HasLandingTable bool
	HasStream       bool
	HasTask         bool
	HasTargetTable  bool

	IsChangesSchema bool

	UpdatedAt time.Time
}

// HistorySchemaEvolution is one append-only drift record keyed to a
// TableMetadata row. Never updated, only inserted.
type HistorySchemaEvolution struct {
	ID              string
	TableMetadataID string
	SchemaOld       []ColumnDescriptor
	SchemaNew       []ColumnDescriptor
	ChangesType     string // NEW COLUMN, DROP COLUMN or TYPE_CHANGE
	VersionSchema   int
	CreatedAt       time.Time
}
