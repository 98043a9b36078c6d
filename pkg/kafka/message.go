package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
	TraceState  string

	// Parsed content
	Record *models.IncomingRecord
	Batch  []models.IncomingRecord
}

// IsBatch reports whether the message carries a record batch
func (m *IncomingMessage) IsBatch() bool {
	return m.Headers["message_type"] == "intake.batch"
}

// ParseRecord parses the message value as a single intake record
func (m *IncomingMessage) ParseRecord() error {
	var record models.IncomingRecord
	if err := json.Unmarshal(m.Value, &record); err != nil {
		return fmt.Errorf("error while parsing intake record: %w", err)
	}
	if record.Kind == "" {
		return fmt.Errorf("intake record missing kind")
	}
	if record.SourceSystem == "" {
		record.SourceSystem = m.Headers["source_system"]
	}
	m.Record = &record
	return nil
}

// ParseBatch parses the message value as a batch of intake records
func (m *IncomingMessage) ParseBatch() error {
	var batch []models.IncomingRecord
	if err := json.Unmarshal(m.Value, &batch); err != nil {
		return fmt.Errorf("error while parsing intake batch: %w", err)
	}
	m.Batch = batch
	return nil
}
