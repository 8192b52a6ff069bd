package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Operation is the kind of change a CDCRecord carries. The single-letter
// codes follow the usual CDC wire convention.
type Operation string

const (
	OpCreate       Operation = "c"
	OpUpdate       Operation = "u"
	OpDelete       Operation = "d"
	OpSnapshotRead Operation = "r"
)

func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpSnapshotRead:
		return true
	default:
		return false
	}
}

// CDCRecord is one row-level change event. Records are transient: they
// are built per change event and consumed immediately by batching; only
// written rows or a DLQ message persist.
type CDCRecord struct {
	Operation Operation      `json:"operation"`
	TableName string         `json:"table_name"`
	Key       map[string]any `json:"key"`
	Value     map[string]any `json:"value"`
	Schema    map[string]any `json:"schema,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"` // milliseconds since epoch
}

// EstimateSize is a cheap byte-size approximation used for the engine's
// buffered-byte flush threshold. It only needs to be stable, not exact.
func (r CDCRecord) EstimateSize() int {
	size := len(r.TableName) + 16
	for k, v := range r.Key {
		size += len(k) + len(fmt.Sprint(v))
	}
	for k, v := range r.Value {
		size += len(k) + len(fmt.Sprint(v))
	}
	return size
}

func (r CDCRecord) ToJSON() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal cdc record: %w", err)
	}
	return data, nil
}

func CDCRecordFromJSON(data []byte) (zero CDCRecord, _ error) {
	var r CDCRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return zero, fmt.Errorf("unmarshal cdc record: %w", err)
	}
	return r, nil
}
