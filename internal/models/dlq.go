package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// DLQMessage is the durable form of a CDCRecord that could not be
// written to its destination. It is never silently dropped: only an
// explicit acknowledge (after successful redelivery) or an operator
// purge removes it.
type DLQMessage struct {
	PipelineID      string    `json:"pipeline_id"`
	SourceID        string    `json:"source_id"`
	DestinationID   string    `json:"destination_id"`
	TableName       string    `json:"table_name"`
	TableNameTarget string    `json:"table_name_target"`
	CDCRecord       CDCRecord `json:"cdc_record"`
	RetryCount      int       `json:"retry_count"`
	FirstFailedAt   time.Time `json:"first_failed_at"`
	ErrorMessage    string    `json:"error_message"`
}

func (m DLQMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal dlq message: %w", err)
	}
	return data, nil
}

func DLQMessageFromJSON(data []byte) (zero DLQMessage, _ error) {
	var m DLQMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return zero, fmt.Errorf("unmarshal dlq message: %w", err)
	}
	return m, nil
}

// DLQState is the operator-visible view of one queue.
type DLQState struct {
	QueueKey           string
	LastReceivedAt     *time.Time
	TotalMessages      uint64
	UnconsumedMessages uint64
}
