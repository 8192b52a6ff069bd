package models

import "fmt"

// Source is a PostgreSQL origin read via logical replication. Owned by
// the configuration store; read-only to the core.
type Source struct {
	ID          string
	Name        string
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	Publication string
	SlotName    string
}

// DSN renders the source connection string for regular (non-replication)
// sessions: backfill reads and catalog queries.
func (s Source) DSN() string {
	return dsn(s.Host, s.Port, s.Database, s.User, s.Password)
}

// ReplicationDSN renders the connection string for the logical
// replication session.
func (s Source) ReplicationDSN() string {
	return s.DSN() + " replication=database"
}

func dsn(host string, port int, database, user, password string) string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		host, port, database, user, password)
}

// Destination identifies a target system. Config is an opaque JSON blob
// owned by the configuration layer; the sink variants read the fields
// they need from it.
type Destination struct {
	ID     string
	Name   string
	Type   string // internal.DestinationTypeWarehouse or ...Relational
	Config []byte
}

// TableSync binds one source table to one destination table. One row
// per (pipeline, destination, source table); consumed read-only by the
// engine and the sinks.
type TableSync struct {
	ID              string
	PipelineID      string
	DestinationID   string
	TableName       string
	TableNameTarget string
	FilterSQL       string
	TransformSQL    string
	Enabled         bool
}
